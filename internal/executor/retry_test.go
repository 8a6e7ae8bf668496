package executor

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/tbancroft/stampede/internal/llm"
	"github.com/tbancroft/stampede/pkg/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ErrorKind
	}{
		{"cancelled", context.Canceled, models.ErrKindCancelled},
		{"deadline", context.DeadlineExceeded, models.ErrKindTransient},
		{"protocol", llm.ErrProtocol, models.ErrKindProtocol},
		{"wrapped protocol", errors.Join(errors.New("x"), llm.ErrProtocol), models.ErrKindProtocol},
		{"invocation timeout", &llm.InvocationError{Timeout: true}, models.ErrKindTransient},
		{"rate limit stderr", &llm.InvocationError{ExitCode: 1, Stderr: "Error: rate limit exceeded"}, models.ErrKindTransient},
		{"validation stderr", &llm.InvocationError{ExitCode: 1, Stderr: "validation failed: file missing"}, models.ErrKindValidation},
		{"unknown exit", &llm.InvocationError{ExitCode: 7, Stderr: "something odd"}, models.ErrKindTransient},
		{"unexpected error", errors.New("surprise"), models.ErrKindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	const maxRetries = 3

	// Transient failures retry until attempts reach maxRetries+1.
	for attempts := 1; attempts <= 3; attempts++ {
		if !ShouldRetry(models.ErrKindTransient, attempts, maxRetries) {
			t.Errorf("transient attempt %d should retry", attempts)
		}
	}
	if ShouldRetry(models.ErrKindTransient, 4, maxRetries) {
		t.Error("transient attempt 4 exhausts max_retries=3")
	}

	// Protocol errors are bounded to two attempts.
	if !ShouldRetry(models.ErrKindProtocol, 1, maxRetries) {
		t.Error("first protocol failure should retry")
	}
	if ShouldRetry(models.ErrKindProtocol, 2, maxRetries) {
		t.Error("protocol errors are bounded to 2 attempts")
	}

	// Permanent kinds never retry.
	for _, kind := range []models.ErrorKind{
		models.ErrKindDependencyCycle,
		models.ErrKindConfiguration,
		models.ErrKindBudgetExhausted,
		models.ErrKindCancelled,
	} {
		if ShouldRetry(kind, 1, maxRetries) {
			t.Errorf("%s must not retry", kind)
		}
	}
}

func TestBackoffBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	base := 2 * time.Second
	max := 60 * time.Second

	// Expected unjittered delays: 2s, 4s, 8s, 16s, 32s, 60s, 60s...
	expected := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}

	for i, want := range expected {
		attempt := i + 1
		for trial := 0; trial < 50; trial++ {
			got := Backoff(attempt, base, max, rng)
			lo := time.Duration(float64(want) * 0.75)
			hi := time.Duration(float64(want) * 1.25)
			if got < lo || got > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, got, lo, hi)
			}
		}
	}
}

func TestBackoffClampsBadAttempt(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	got := Backoff(0, time.Second, time.Minute, rng)
	if got < 750*time.Millisecond || got > 1250*time.Millisecond {
		t.Errorf("attempt 0 should behave as attempt 1, got %v", got)
	}
}
