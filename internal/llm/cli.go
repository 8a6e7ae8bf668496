package llm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// termGrace is how long a terminated child gets before SIGKILL.
const termGrace = 5 * time.Second

// InvocationError carries the exit status and stderr of a failed invocation
// so the caller can classify it.
type InvocationError struct {
	// ExitCode is the child's exit status, or -1 if it was signalled.
	ExitCode int
	// Stderr is the captured standard error output.
	Stderr string
	// Timeout is true when the invocation hit its deadline.
	Timeout bool
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("tool invocation timed out; stderr: %s", truncate(e.Stderr, 200))
	}
	return fmt.Sprintf("tool exited with code %d; stderr: %s", e.ExitCode, truncate(e.Stderr, 200))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// CLIRunner invokes the external LLM tool as a subprocess. The prompt is
// written to the child's standard input; stdout carries the structured
// output contract. The child inherits the engine environment, including the
// API credential.
type CLIRunner struct {
	// Command is the tool executable, e.g. "claude".
	Command string
	// Args are fixed arguments prepended to every invocation.
	Args []string
	// Timeout is the per-invocation wall clock limit.
	Timeout time.Duration
	// APIKey, when set, overrides ANTHROPIC_API_KEY in the child
	// environment. The rest of the environment passes through untouched.
	APIKey string
}

// NewCLIRunner creates a subprocess runner for the given command.
func NewCLIRunner(command string, timeout time.Duration) *CLIRunner {
	return &CLIRunner{
		Command: command,
		Args:    []string{"--print"},
		Timeout: timeout,
	}
}

// Invoke runs one tool invocation. On timeout, cancellation, or shutdown the
// child receives SIGTERM and, after a grace period, SIGKILL; Invoke does not
// return until the child is gone.
func (r *CLIRunner) Invoke(ctx context.Context, req Request) (*Response, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = os.Environ()
	if r.APIKey != "" {
		cmd.Env = append(cmd.Env, "ANTHROPIC_API_KEY="+r.APIKey)
	}

	// SIGTERM first so the tool can flush; the kill arrives via WaitDelay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		inv := &InvocationError{
			ExitCode: -1,
			Stderr:   stderr.String(),
			Timeout:  ctx.Err() == context.DeadlineExceeded,
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			inv.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() == context.Canceled {
			return nil, context.Canceled
		}
		return nil, inv
	}

	return ParseOutput(stdout.String())
}

// Verify CLIRunner implements Tool at compile time.
var _ Tool = (*CLIRunner)(nil)
