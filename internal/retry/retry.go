// Package retry wraps calls to dependent services with a bounded-attempt,
// exponential-backoff policy and failure classification.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/clipvault/coordinator/internal/model"
)

// Class determines whether a failure is worth another attempt
type Class int

const (
	// ClassRetryable failures consume an attempt and are retried after backoff
	ClassRetryable Class = iota
	// ClassFatal failures stop the loop immediately
	ClassFatal
)

// Classifier maps a raw failure to a Class. Unknown failures default to
// ClassRetryable up to the attempt budget.
type Classifier func(error) Class

// DefaultClassifier treats validation mistakes and gone-upstream content as
// fatal; everything else (timeouts, unavailable dependencies, unknown
// failures) is retryable.
func DefaultClassifier(err error) Class {
	if errors.Is(err, model.ErrNotFoundUpstream) || errors.Is(err, model.ErrValidation) {
		return ClassFatal
	}
	return ClassRetryable
}

// Policy configures the backoff schedule for one call site
type Policy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

// DefaultPolicy returns the policy used when a call site does not override it:
// 3 attempts, 2s base, 60s cap, doubling, full jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		BaseDelay:       2 * time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// Delay returns the backoff before retry number attempt (0-indexed):
// min(BaseDelay * ExponentialBase^attempt, MaxDelay), without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.ExponentialBase
	if base <= 0 {
		base = 2.0
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(base, float64(attempt)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) sleepFor(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter && d > 0 {
		return time.Duration(rand.Float64() * float64(d)) //nolint:gosec // jitter does not need crypto rand
	}
	return d
}

// Do runs op until it succeeds, a fatal failure occurs, the context is
// cancelled, or the attempt budget is exhausted. It returns the number of
// attempts made and, on failure, the last error. Exhaustion wraps the last
// error so callers can still classify it with errors.Is. The backoff sleep is
// interruptible: cancellation takes effect without waiting the delay out.
func Do(ctx context.Context, p Policy, op func(context.Context) error, classify Classifier) (int, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if classify == nil {
		classify = DefaultClassifier
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		err := op(ctx)
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err

		if classify(err) == ClassFatal {
			return attempt + 1, err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return attempt + 1, ctx.Err()
		case <-time.After(p.sleepFor(attempt)):
		}
	}

	return p.MaxAttempts, fmt.Errorf("exhausted %d attempts: %w", p.MaxAttempts, lastErr)
}
