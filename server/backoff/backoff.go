package backoff

import (
	"math"
	"math/rand"
	"time"

	"github.com/mohitkumar/dagjob/server/model"
)

// Strategy maps a 1-based retry attempt and base interval to the delay
// before the next attempt. Strategies are stateless; the scheduler calls
// Delay once per failed attempt.
type Strategy interface {
	Delay(attempt int, base time.Duration) time.Duration
}

type fixed struct{}

func (fixed) Delay(attempt int, base time.Duration) time.Duration {
	return base
}

type linear struct{}

func (linear) Delay(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(attempt)
}

type exponential struct{}

func (exponential) Delay(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 63 {
		return math.MaxInt64
	}
	d := base << uint(attempt-1)
	// wraparound means the unshifted value no longer fits
	if d <= 0 || d < base {
		return math.MaxInt64
	}
	return d
}

type exponentialJitter struct{}

// Delay scales the exponential value by a uniform factor in [0.5, 1.5) so
// concurrent retries of the same job desynchronize.
func (exponentialJitter) Delay(attempt int, base time.Duration) time.Duration {
	exp := exponential{}.Delay(attempt, base)
	factor := 0.5 + rand.Float64()
	d := time.Duration(float64(exp) * factor)
	if d <= 0 {
		return math.MaxInt64
	}
	return d
}

type capped struct {
	underlying Strategy
	max        time.Duration
}

func (c capped) Delay(attempt int, base time.Duration) time.Duration {
	d := c.underlying.Delay(attempt, base)
	if d > c.max {
		return c.max
	}
	return d
}

var (
	Fixed              Strategy = fixed{}
	Linear             Strategy = linear{}
	Exponential        Strategy = exponential{}
	ExponentialJitter  Strategy = exponentialJitter{}
)

// WithMax caps the underlying strategy at max.
func WithMax(underlying Strategy, max time.Duration) Strategy {
	return capped{underlying: underlying, max: max}
}

// ForPolicy resolves a job's authored retry policy to a strategy.
func ForPolicy(policy model.RetryPolicy) Strategy {
	var s Strategy
	switch policy.Backoff {
	case model.BACKOFF_LINEAR:
		s = Linear
	case model.BACKOFF_EXPONENTIAL:
		s = Exponential
	case model.BACKOFF_EXPONENTIAL_JITTER:
		s = ExponentialJitter
	default:
		s = Fixed
	}
	if policy.MaxDelay > 0 {
		s = WithMax(s, policy.MaxDelay)
	}
	return s
}
