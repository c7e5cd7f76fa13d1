package ratelimit

import (
	"context"
	"time"
)

// Limiter paces calls to an upstream service (Athena, BRIM, Ollama).
type Limiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	Reserve() time.Duration
	RetryAfter(attempt int) time.Duration
	Reset()
}

// Strategy selects the limiter implementation.
type Strategy string

const (
	StrategyTokenBucket Strategy = "token_bucket"
	StrategyFixedDelay  Strategy = "fixed_delay"
)

// NewLimiter creates a limiter for the configured strategy.
func NewLimiter(cfg Config) Limiter {
	cfg = applyDefaults(cfg)
	if cfg.Strategy == StrategyFixedDelay {
		return NewFixedDelayLimiter(cfg)
	}
	return NewTokenBucket(cfg)
}

// Unlimited never blocks. Useful for tests and dry runs.
type Unlimited struct{}

func (Unlimited) Wait(ctx context.Context) error { return ctx.Err() }
func (Unlimited) Allow() bool                    { return true }
func (Unlimited) Reserve() time.Duration         { return 0 }
func (Unlimited) RetryAfter(int) time.Duration   { return 0 }
func (Unlimited) Reset()                         {}
