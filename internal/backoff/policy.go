// Package backoff provides exponential backoff utilities with jitter for retry logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the backoff duration for the first retry.
	Initial time.Duration
	// Max caps the computed backoff duration.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// JitterLow and JitterHigh bound the multiplicative jitter band.
	// The computed base is multiplied by a random value in [JitterLow, JitterHigh).
	JitterLow  float64
	JitterHigh float64
}

// Compute calculates the backoff duration for a given attempt number.
// The formula is: initial * factor^attempt * jitter, clamped to Max.
// Attempt numbers start at 0.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff duration using a provided random
// value in [0.0, 1.0). Useful for deterministic tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt), 0)
	base := float64(policy.Initial) * math.Pow(policy.Factor, exp)

	jitter := 1.0
	if policy.JitterHigh > policy.JitterLow {
		jitter = policy.JitterLow + (policy.JitterHigh-policy.JitterLow)*randomValue
	}

	total := base * jitter
	if policy.Max > 0 {
		total = math.Min(total, float64(policy.Max))
	}
	return time.Duration(math.Round(total))
}

// DefaultPolicy returns the backoff policy used for provider retries.
// Initial: 1s, Max: 60s, Factor: 2, jitter band [0.8, 1.2).
func DefaultPolicy() Policy {
	return Policy{
		Initial:    time.Second,
		Max:        60 * time.Second,
		Factor:     2,
		JitterLow:  0.8,
		JitterHigh: 1.2,
	}
}

// TestPolicy returns a policy with backoff capped at 1s for fast tests.
func TestPolicy() Policy {
	p := DefaultPolicy()
	p.Initial = 50 * time.Millisecond
	p.Max = time.Second
	return p
}
