package executor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tbancroft/stampede/internal/llm"
	"github.com/tbancroft/stampede/pkg/models"
)

func TestValidateResultAllPresent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "b.go"), []byte("package b\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	resp := &llm.Response{
		CreatedFiles:  []string{"a.go"},
		ModifiedFiles: []string{"sub/b.go"},
	}
	if err := ValidateResult(dir, resp); err != nil {
		t.Errorf("ValidateResult: %v", err)
	}
}

func TestValidateResultMissingFile(t *testing.T) {
	dir := t.TempDir()
	resp := &llm.Response{CreatedFiles: []string{"ghost.go"}}
	if err := ValidateResult(dir, resp); err == nil {
		t.Error("missing claimed file must fail validation")
	}
}

func TestValidateResultEmptyFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "empty.go"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	resp := &llm.Response{ModifiedFiles: []string{"empty.go"}}
	if err := ValidateResult(dir, resp); err == nil {
		t.Error("empty claimed file must fail validation")
	}
}

func TestValidateResultDirectoryClaim(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	resp := &llm.Response{CreatedFiles: []string{"pkg"}}
	if err := ValidateResult(dir, resp); err == nil {
		t.Error("a directory claim must fail validation")
	}
}

func TestComposePromptIncludesDependencyResults(t *testing.T) {
	task := &models.Task{
		ID:          "impl",
		Title:       "Implement the parser",
		Description: "Write the parser for the header format.",
		DependsOn:   []string{"design"},
	}
	dep := &models.Task{
		ID:    "design",
		Title: "Design the format",
		Result: &models.Result{
			Text:         "Use key: value lines with a --- delimiter.",
			CreatedFiles: []string{"docs/format.md"},
		},
	}

	prompt := ComposePrompt(task, []*models.Task{dep})

	for _, want := range []string{
		"Implement the parser",
		"Write the parser",
		"design: Design the format",
		"Use key: value lines",
		"docs/format.md",
		"tokens_used",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestComposePromptIncludesRetryContext(t *testing.T) {
	task := &models.Task{
		ID:           "flaky",
		Title:        "Flaky task",
		RetryContext: "attempt 1 failed with transient: connection reset",
		LastError: &models.TaskError{
			Kind:       models.ErrKindValidation,
			Message:    "claimed file missing",
			OccurredAt: time.Now(),
		},
	}

	prompt := ComposePrompt(task, nil)

	if !strings.Contains(prompt, "attempt 1 failed") {
		t.Error("prompt must carry the retry context")
	}
	if !strings.Contains(prompt, "claimed file missing") {
		t.Error("prompt must carry the previous error")
	}
}

func TestReviewPromptListsOutcomes(t *testing.T) {
	completed := []*models.Task{{ID: "a", Title: "Task A"}}
	failed := []*models.Task{{
		ID:    "b",
		Title: "Task B",
		LastError: &models.TaskError{
			Kind:    models.ErrKindTransient,
			Message: "kept timing out",
		},
	}}

	prompt := ReviewPrompt(completed, failed)

	for _, want := range []string{"a: Task A", "b: Task B", "kept timing out", "task: <id>"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("review prompt missing %q", want)
		}
	}
}
