package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobalConnectionLimiter_AcquireRelease(t *testing.T) {
	limiter := NewGlobalConnectionLimiter(2)

	assert.True(t, limiter.Acquire())
	assert.True(t, limiter.Acquire())
	assert.False(t, limiter.Acquire(), "third acquire must fail at capacity")

	limiter.Release()
	assert.True(t, limiter.Acquire())
	assert.Equal(t, int64(2), limiter.Current())
}

func TestIPConnectionLimiter_PerIPIsolation(t *testing.T) {
	limiter := NewIPConnectionLimiter(2)

	assert.True(t, limiter.Acquire("10.0.0.1"))
	assert.True(t, limiter.Acquire("10.0.0.1"))
	assert.False(t, limiter.Acquire("10.0.0.1"))

	// A different IP has its own budget.
	assert.True(t, limiter.Acquire("10.0.0.2"))

	limiter.Release("10.0.0.1")
	assert.True(t, limiter.Acquire("10.0.0.1"))
}

func TestIPConnectionLimiter_ReleaseUnknownIPIsNoop(t *testing.T) {
	limiter := NewIPConnectionLimiter(1)

	limiter.Release("10.0.0.9")
	assert.Equal(t, 0, limiter.Count("10.0.0.9"))
	assert.True(t, limiter.Acquire("10.0.0.9"))
}

func TestConnectionRateLimiter_BurstThenRefusal(t *testing.T) {
	limiter := NewConnectionRateLimiter(1, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("10.0.0.1"), "burst connection %d", i)
	}
	assert.False(t, limiter.Allow("10.0.0.1"), "over-burst connection must be refused")

	// Another IP gets its own bucket.
	assert.True(t, limiter.Allow("10.0.0.2"))
}

func TestConnectionLimits_RollbackOnPerIPRefusal(t *testing.T) {
	limits := NewConnectionLimits(10, 1, 100, 100)

	ok, reason := limits.Acquire("10.0.0.1")
	assert.True(t, ok)
	assert.Empty(t, string(reason))

	// Same IP again: per-IP refuses, global slot must be rolled back.
	ok, reason = limits.Acquire("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonPerIP, reason)
	assert.Equal(t, int64(1), limits.global.Current())
}

func TestConnectionLimits_GlobalRefusal(t *testing.T) {
	limits := NewConnectionLimits(1, 10, 100, 100)

	ok, _ := limits.Acquire("10.0.0.1")
	assert.True(t, ok)

	ok, reason := limits.Acquire("10.0.0.2")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonGlobal, reason)
}

func TestConnectionLimits_RateRefusal(t *testing.T) {
	limits := NewConnectionLimits(100, 100, 1, 1)

	ok, _ := limits.Acquire("10.0.0.1")
	assert.True(t, ok)

	ok, reason := limits.Acquire("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonRate, reason)
}
