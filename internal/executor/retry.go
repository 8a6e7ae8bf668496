package executor

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/tbancroft/stampede/internal/llm"
	"github.com/tbancroft/stampede/pkg/models"
)

// protocolAttemptCap bounds retries for protocol errors; after two attempts
// a malformed-output failure becomes permanent.
const protocolAttemptCap = 2

// Classify maps an invocation error to its error kind. Unexpected errors
// default to transient so they enter the normal failure pipeline instead of
// escaping an executor.
func Classify(err error) models.ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return models.ErrKindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrKindTransient
	case errors.Is(err, llm.ErrProtocol):
		return models.ErrKindProtocol
	}

	var inv *llm.InvocationError
	if errors.As(err, &inv) {
		if inv.Timeout {
			return models.ErrKindTransient
		}
		return classifyStderr(inv.Stderr)
	}

	return models.ErrKindTransient
}

// transientMarkers are stderr fragments that identify transient tool failures.
var transientMarkers = []string{
	"rate limit",
	"rate_limit",
	"429",
	"overloaded",
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"network",
	"503",
	"529",
}

// classifyStderr inspects the tool's stderr. A declared validation failure
// is honored; anything else, marker or not, is treated as transient so an
// unrecognized failure enters the normal retry pipeline.
func classifyStderr(stderr string) models.ErrorKind {
	lower := strings.ToLower(stderr)
	if strings.Contains(lower, "validation") {
		return models.ErrKindValidation
	}
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return models.ErrKindTransient
		}
	}
	return models.ErrKindTransient
}

// ShouldRetry decides whether a failed attempt is retried. attempts is the
// number of dispatches so far; maxRetries bounds attempts beyond the first.
func ShouldRetry(kind models.ErrorKind, attempts, maxRetries int) bool {
	if !kind.Retryable() {
		return false
	}
	limit := maxRetries + 1
	if kind == models.ErrKindProtocol && limit > protocolAttemptCap {
		limit = protocolAttemptCap
	}
	return attempts < limit
}

// Backoff returns the delay before retry attempt k (1-based):
// min(base * 2^(k-1), max) with +/-25% jitter applied.
func Backoff(attempt int, base, max time.Duration, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}

	// Jitter in [-25%, +25%).
	jitter := (rng.Float64() - 0.5) / 2.0
	delay = time.Duration(float64(delay) * (1.0 + jitter))
	if delay < 0 {
		delay = 0
	}
	return delay
}
