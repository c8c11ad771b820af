package engine

import (
	"math"
	"math/rand"
	"time"

	"github.com/BaSui01/geoflow/types"
)

// BackoffStrategy selects how retry delays grow between attempts.
type BackoffStrategy string

const (
	BackoffNone        BackoffStrategy = "none"
	BackoffConstant    BackoffStrategy = "constant"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy defines retry behavior for node executions. The zero value is
// not usable; start from DefaultRetryPolicy and override fields.
type RetryPolicy struct {
	// MaxAttempts bounds total invocations, including the first
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// Backoff selects the delay growth strategy
	Backoff BackoffStrategy `json:"backoff" yaml:"backoff"`
	// InitialDelay seeds the backoff computation
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	// MaxDelay caps exponential growth
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
	// JitterFactor in [0,1] randomizes delays to prevent synchronized retry
	// storms across many runs failing against the same dependency
	JitterFactor float64 `json:"jitter_factor" yaml:"jitter_factor"`
	// RetryableCategories lists the error categories worth retrying
	RetryableCategories []types.ErrorCategory `json:"retryable_categories" yaml:"retryable_categories"`
}

// DefaultRetryPolicy returns the engine-wide default: three attempts with
// exponential backoff, retrying transient, resource, and external failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		Backoff:      BackoffExponential,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
		RetryableCategories: []types.ErrorCategory{
			types.CategoryTransient,
			types.CategoryResource,
			types.CategoryExternal,
		},
	}
}

// WithMaxAttempts returns a copy of the policy with MaxAttempts overridden
// when n > 0, e.g. from a NodeDefinition.
func (p RetryPolicy) WithMaxAttempts(n int) RetryPolicy {
	if n > 0 {
		p.MaxAttempts = n
	}
	return p
}

// ShouldRetry reports whether another attempt is allowed after the given
// completed attempt count failed with the given category.
func (p RetryPolicy) ShouldRetry(attempt int, category types.ErrorCategory) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	for _, c := range p.RetryableCategories {
		if c == category {
			return true
		}
	}
	return false
}

// ComputeDelay returns the wait before the attempt following the given
// completed attempt (1-based). Jitter perturbs the base delay by
// ±JitterFactor and the result is clamped to be non-negative.
func (p RetryPolicy) ComputeDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var base float64
	switch p.Backoff {
	case BackoffNone:
		return 0
	case BackoffConstant:
		base = float64(p.InitialDelay)
	case BackoffLinear:
		base = float64(p.InitialDelay) * float64(attempt)
	case BackoffExponential:
		base = float64(p.InitialDelay) * math.Pow(2, float64(attempt-1))
		if max := float64(p.MaxDelay); p.MaxDelay > 0 && base > max {
			base = max
		}
	default:
		base = float64(p.InitialDelay)
	}

	if p.JitterFactor > 0 {
		base += base * p.JitterFactor * (rand.Float64()*2 - 1)
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}
