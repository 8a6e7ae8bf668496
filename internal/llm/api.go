package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// APIRunnerConfig contains configuration for the direct-API tool runner.
type APIRunnerConfig struct {
	// APIKey is the Anthropic credential; ignored when UseBedrock is set.
	APIKey string
	// Model is the model identifier; empty uses a current default.
	Model string
	// UseBedrock routes requests through AWS Bedrock.
	UseBedrock bool
	// AWSRegion is the Bedrock region, e.g. "us-west-2".
	AWSRegion string
	// AWSProfile is the optional shared-config profile.
	AWSProfile string
	// MaxTokens bounds the response length per invocation.
	MaxTokens int64
}

// APIRunner invokes the model through the Anthropic API instead of a
// subprocess. The model is instructed to reply in the same header contract
// the CLI tool uses, so the rest of the engine is agnostic to the transport.
type APIRunner struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAPIRunner creates a direct-API runner.
func NewAPIRunner(cfg APIRunnerConfig) (*APIRunner, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		ctx := context.Background()

		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("api runner requires an API key")
		}
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	return &APIRunner{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// outputContractPrompt teaches the model the header contract.
const outputContractPrompt = `You are executing one task in an automated pipeline.
Begin your reply with a header block, then a line containing only ---, then your explanation.
Header lines:
tokens_used: 0
created_files: <comma-separated paths, or leave empty>
modified_files: <comma-separated paths, or leave empty>
The tokens_used line is overwritten by the pipeline; always emit 0.`

// Invoke sends the prompt as a single message and parses the reply under the
// output contract. The API-reported usage overrides whatever the model wrote
// in its header; the report is authoritative.
func (r *APIRunner) Invoke(ctx context.Context, req Request) (*Response, error) {
	msg, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: r.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: outputContractPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("api invocation: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		}
	}

	resp, err := ParseOutput(text.String())
	if err != nil {
		return nil, err
	}
	resp.TokensUsed = msg.Usage.InputTokens + msg.Usage.OutputTokens

	return resp, nil
}

// Verify APIRunner implements Tool at compile time.
var _ Tool = (*APIRunner)(nil)
