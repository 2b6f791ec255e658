package llm

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig is the immutable retry policy handed to a Client at construction.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`     // Retries after the first attempt
	InitialBackoff time.Duration `yaml:"initial_backoff"` // Wait before the first retry
	MaxBackoff     time.Duration `yaml:"max_backoff"`     // Cap on the doubled wait
	MaxJitter      time.Duration `yaml:"max_jitter"`      // Uniform jitter in [0, MaxJitter) added to every wait
}

// DefaultRetryConfig: 1s doubling to a 16s cap, up to 1s jitter, 3 retries (4 attempts).
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: time.Second,
	MaxBackoff:     16 * time.Second,
	MaxJitter:      time.Second,
}

// Policy computes backoff waits for a RetryConfig.
type Policy struct {
	jitter func(limit time.Duration) time.Duration
	config RetryConfig
}

// NewPolicy creates a policy. Negative settings are clamped to zero.
func NewPolicy(config RetryConfig) *Policy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	return &Policy{config: config, jitter: uniformJitter}
}

// WithJitter returns a copy of the policy using fn to draw jitter. Tests pin it.
func (p *Policy) WithJitter(fn func(limit time.Duration) time.Duration) *Policy {
	cp := *p
	cp.jitter = fn
	return &cp
}

// Config returns the policy's configuration.
func (p *Policy) Config() RetryConfig {
	return p.config
}

// MaxAttempts is the total attempt budget including the first call.
func (p *Policy) MaxAttempts() int {
	return p.config.MaxRetries + 1
}

// BaseDelay is the wait before the given retry (1-based) without jitter:
// InitialBackoff doubled retry-1 times, capped at MaxBackoff.
func (p *Policy) BaseDelay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	delay := p.config.InitialBackoff
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= p.config.MaxBackoff {
			return p.config.MaxBackoff
		}
	}
	return delay
}

// Delay is BaseDelay plus jitter in [0, MaxJitter).
func (p *Policy) Delay(retry int) time.Duration {
	base := p.BaseDelay(retry)
	if retry < 1 || p.config.MaxJitter <= 0 {
		return base
	}
	return base + p.jitter(p.config.MaxJitter)
}

func uniformJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit) // #nosec G404 -- non-cryptographic jitter
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
