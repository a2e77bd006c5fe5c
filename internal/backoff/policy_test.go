package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeWithRand(t *testing.T) {
	policy := Policy{
		Initial:    time.Second,
		Max:        60 * time.Second,
		Factor:     2,
		JitterLow:  0.8,
		JitterHigh: 1.2,
	}

	// randomValue 0.5 lands in the middle of the jitter band (1.0).
	assert.Equal(t, time.Second, ComputeWithRand(policy, 0, 0.5))
	assert.Equal(t, 2*time.Second, ComputeWithRand(policy, 1, 0.5))
	assert.Equal(t, 4*time.Second, ComputeWithRand(policy, 2, 0.5))

	// Jitter band edges.
	assert.Equal(t, 800*time.Millisecond, ComputeWithRand(policy, 0, 0))
	assert.InDelta(t, float64(1200*time.Millisecond), float64(ComputeWithRand(policy, 0, 0.999999)), float64(time.Millisecond))
}

func TestComputeClampsToMax(t *testing.T) {
	policy := DefaultPolicy()
	got := ComputeWithRand(policy, 20, 0.999999)
	assert.Equal(t, policy.Max, got)
}

func TestTestPolicyCapsAtOneSecond(t *testing.T) {
	policy := TestPolicy()
	for attempt := 0; attempt < 10; attempt++ {
		d := Compute(policy, attempt)
		assert.LessOrEqual(t, d, time.Second)
	}
}
