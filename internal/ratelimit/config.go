package ratelimit

import (
	"fmt"
	"time"
)

// Config holds limiter and retry settings for one upstream.
type Config struct {
	Strategy          Strategy      `mapstructure:"strategy" yaml:"strategy" json:"strategy"`
	RequestsPerSec    float64       `mapstructure:"requests_per_second" yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst" json:"burst"`
	FixedDelay        time.Duration `mapstructure:"fixed_delay" yaml:"fixed_delay" json:"fixed_delay"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" yaml:"max_backoff" json:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:          StrategyTokenBucket,
		RequestsPerSec:    2.0,
		Burst:             4,
		FixedDelay:        1 * time.Second,
		MaxRetries:        4,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// PollConfig returns a fixed-delay config for status polling loops.
func PollConfig(interval time.Duration) Config {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyFixedDelay
	cfg.FixedDelay = interval
	return applyDefaults(cfg)
}

func applyDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = def.RequestsPerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.FixedDelay <= 0 {
		cfg.FixedDelay = def.FixedDelay
	}
	return cfg
}

// Sources maps an upstream name (athena, brim, ollama) to its config.
type Sources map[string]Config

// Get returns the config for a source, or defaults when it is missing.
func (s Sources) Get(source string) (Config, error) {
	cfg, ok := s[source]
	if !ok {
		return DefaultConfig(), fmt.Errorf("rate_limits for %s not found", source)
	}
	return applyDefaults(cfg), nil
}

// Limiter builds a limiter for the named source, falling back to defaults.
func (s Sources) Limiter(source string) Limiter {
	cfg, _ := s.Get(source)
	return NewLimiter(cfg)
}
