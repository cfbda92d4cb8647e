package executor

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines retry behavior for failed steps.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts per step (default: 3)
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialBackoff is the initial backoff duration (default: 1s)
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration (default: 30s)
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff (default: 2.0)
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`

	// Jitter adds bounded random jitter to each delay
	Jitter bool `json:"jitter" yaml:"jitter"`
}

// DefaultRetryConfig returns the default retry configuration.
// Conservative strategy: 3 attempts with exponential backoff 1s/2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.BackoffMultiplier < 1.0 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	return c
}

// Backoff calculates the delay before retrying the given zero-based attempt,
// exponential with an optional bounded jitter of ±25%.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(c.InitialBackoff) * math.Pow(c.BackoffMultiplier, float64(attempt))
	if delay > float64(c.MaxBackoff) {
		delay = float64(c.MaxBackoff)
	}
	if c.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
		if delay > float64(c.MaxBackoff) {
			delay = float64(c.MaxBackoff)
		}
	}
	if delay < float64(c.InitialBackoff) {
		delay = float64(c.InitialBackoff)
	}
	return time.Duration(delay)
}
