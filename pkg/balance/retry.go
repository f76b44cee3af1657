package balance

import (
	"context"
	"math"
	"time"
)

// RetryConfig configures the compare-and-swap retry loop
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       8,
		InitialDelay:      5 * time.Millisecond,
		MaxDelay:          250 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

type retryPolicy struct {
	config RetryConfig
}

func newRetryPolicy(config RetryConfig) *retryPolicy {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	return &retryPolicy{config: config}
}

func (p *retryPolicy) shouldRetry(attempts int) bool {
	return attempts < p.config.MaxAttempts
}

// delay = initialDelay * multiplier^(attempts-1), capped at MaxDelay
func (p *retryPolicy) nextDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.config.InitialDelay
	}
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}

// wait sleeps for the backoff delay or returns early when ctx is done
func (p *retryPolicy) wait(ctx context.Context, attempts int) error {
	timer := time.NewTimer(p.nextDelay(attempts))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
