package ratelimit

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// CalculateBackoff computes exponential backoff with +/-25% jitter.
func CalculateBackoff(attempt int, cfg Config) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > cfg.MaxRetries {
		return cfg.MaxBackoff
	}

	base := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if base > float64(cfg.MaxBackoff) {
		base = float64(cfg.MaxBackoff)
	}

	backoff := base + base*0.25*(2*rand.Float64()-1)
	if backoff < 0 {
		backoff = 0
	}
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}

	return time.Duration(backoff)
}

// ShouldRetry returns true if attempt is within allowed retries.
func ShouldRetry(attempt int, maxRetries int) bool {
	return attempt <= maxRetries
}

// ErrRetriesExhausted wraps the last error once MaxRetries is spent.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Retry calls fn until it succeeds, returns a non-retryable error, the
// context ends, or cfg.MaxRetries retries have been made.
func Retry(ctx context.Context, cfg Config, retryable func(error) bool, fn func(attempt int) error) error {
	cfg = applyDefaults(cfg)

	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			return err
		}
		if !ShouldRetry(attempt+1, cfg.MaxRetries) {
			return errors.Join(ErrRetriesExhausted, err)
		}

		timer := time.NewTimer(CalculateBackoff(attempt+1, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
	}
}
