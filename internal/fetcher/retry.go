// Package fetcher provides the retry/backoff contract shared by the web and
// API fetch variants.
package fetcher

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/quarrydata/quarry/internal/pipeline"
	"github.com/quarrydata/quarry/internal/telemetry"
)

// RetryPolicy implements jittered exponential backoff over transient fetch
// failures. Permanent failures stop immediately.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy builds a policy, substituting sane defaults for zero values.
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &RetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// MaxAttempts returns the configured attempt ceiling.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether another attempt is warranted after attempt
// (1-based) failed with err. A per-attempt deadline surfaces as a transient
// fetch error wrapping context.DeadlineExceeded and stays retryable; only
// cancellation stops the loop here. Parent-deadline expiry is handled in Do,
// which can tell the run context's state apart from an attempt's.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return pipeline.IsTransient(err)
}

// Backoff returns the wait before the attempt following attempt (1-based):
// at least baseDelay x 2^(attempt-1), capped, plus jitter up to half that.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay) + p.randomJitter(time.Duration(delay)/2)
}

// WaitFor honors a server-provided retry-after hint when present, otherwise
// falls back to the standard backoff for the given attempt.
func (p *RetryPolicy) WaitFor(err error, attempt int) time.Duration {
	if hint, ok := pipeline.RetryAfterHint(err); ok {
		return hint
	}
	return p.Backoff(attempt)
}

// Do runs op up to MaxAttempts times, sleeping between attempts. The context
// is honored while sleeping; cancellation surfaces the last attempt's error.
func (p *RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) (pipeline.RawPayload, error)) (pipeline.RawPayload, error) {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if attempt > 1 {
			telemetry.IncFetchRetry()
		}
		payload, err := op(ctx)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if !p.ShouldRetry(err, attempt) {
			break
		}
		if sleepErr := sleepCtx(ctx, p.WaitFor(err, attempt)); sleepErr != nil {
			break
		}
	}
	return pipeline.RawPayload{}, lastErr
}

func (p *RetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
