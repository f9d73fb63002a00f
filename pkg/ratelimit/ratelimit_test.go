package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Futs/kuroibara/core/pkg/coreerrors"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 5
	cfg.MinSpacing = 0
	cfg.MaxPerMinute = 1000
	cfg.BurstLimit = 1000
	cfg.BurstWindow = time.Second
	cfg.CBThreshold = 3
	cfg.CBCooldown = 1100 * time.Millisecond
	return cfg
}

// S1 — Circuit opens then recovers.
func TestS1_CircuitOpensThenRecovers(t *testing.T) {
	l := New("X", fastConfig())

	for i := 0; i < 3; i++ {
		lease, err := l.Acquire(context.Background())
		require.NoError(t, err)
		lease.Release(false, 0)
	}

	_, err := l.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, coreerrors.IsKind(err, coreerrors.KindCircuitBreakerOpen))
	assert.Equal(t, CircuitOpen, l.State())

	time.Sleep(1100 * time.Millisecond)

	lease, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CircuitHalfOpen, l.State())
	lease.Release(true, 0)

	for i := 0; i < 2; i++ {
		lease, err := l.Acquire(context.Background())
		require.NoError(t, err)
		lease.Release(true, 0)
	}

	assert.Equal(t, CircuitClosed, l.State())
}

// S2 — Adaptive spacing.
func TestS2_AdaptiveSpacing(t *testing.T) {
	cfg := fastConfig()
	cfg.MinSpacing = time.Second
	cfg.AdaptiveEnabled = true
	cfg.SuccessRateThreshold = 0.95
	cfg.FailureRateThreshold = 0.8
	cfg.AdjustmentStep = 100 * time.Millisecond
	cfg.MinAdjustRequests = 10
	cfg.CBThreshold = 1000 // keep the circuit out of the way for this test

	l := New("X", cfg)
	require.Equal(t, time.Second, l.CurrentSpacing())

	for i := 0; i < 10; i++ {
		lease, err := l.Acquire(context.Background())
		require.NoError(t, err)
		lease.Release(true, 0)
	}
	assert.Equal(t, 900*time.Millisecond, l.CurrentSpacing())

	// The next adjustment is debounced to 30 s after this one; age the last
	// adjustment so the failure run below is eligible for it.
	l.mu.Lock()
	l.lastAdjustAt = time.Now().Add(-31 * time.Second)
	l.mu.Unlock()

	for i := 0; i < 10; i++ {
		lease, err := l.Acquire(context.Background())
		require.NoError(t, err)
		lease.Release(false, 0)
	}
	assert.Equal(t, 1100*time.Millisecond, l.CurrentSpacing())
}

// Invariant 1: in-flight requests never exceed MaxConcurrent, even under
// cancellation of queued acquirers.
func TestInvariant1_MaxConcurrentEnforced(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConcurrent = 2
	l := New("X", cfg)

	l1, err := l.Acquire(context.Background())
	require.NoError(t, err)
	l2, err := l.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, coreerrors.IsKind(err, coreerrors.KindCancelled))

	l1.Release(true, 0)
	l2.Release(true, 0)
}

// Invariant 2: spacing between admitted requests is >= current_min_spacing.
func TestInvariant2_MinSpacingEnforced(t *testing.T) {
	cfg := fastConfig()
	cfg.MinSpacing = 50 * time.Millisecond
	l := New("X", cfg)

	l1, err := l.Acquire(context.Background())
	require.NoError(t, err)
	start := time.Now()
	l1.Release(true, 0)

	l2, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	l2.Release(true, 0)
}

// Invariant 3: after cb_threshold consecutive failures, acquire fails with
// CircuitBreakerOpen within the cooldown window.
func TestInvariant3_CircuitOpensAfterThreshold(t *testing.T) {
	cfg := fastConfig()
	cfg.CBThreshold = 2
	l := New("X", cfg)

	for i := 0; i < 2; i++ {
		lease, err := l.Acquire(context.Background())
		require.NoError(t, err)
		lease.Release(false, 0)
	}

	_, err := l.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, coreerrors.IsKind(err, coreerrors.KindCircuitBreakerOpen))
}

// Invariant 4: HALF_OPEN transitions to CLOSED after 3 consecutive
// successes, and any failure sends it back to OPEN.
func TestInvariant4_HalfOpenTransitions(t *testing.T) {
	cfg := fastConfig()
	l := New("X", cfg)

	for i := 0; i < cfg.CBThreshold; i++ {
		lease, err := l.Acquire(context.Background())
		require.NoError(t, err)
		lease.Release(false, 0)
	}
	require.Equal(t, CircuitOpen, l.State())
	time.Sleep(cfg.CBCooldown + 50*time.Millisecond)

	lease, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, CircuitHalfOpen, l.State())
	lease.Release(false, 0)
	assert.Equal(t, CircuitOpen, l.State())
}

func TestReset(t *testing.T) {
	cfg := fastConfig()
	cfg.CBThreshold = 1
	l := New("X", cfg)

	lease, err := l.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release(false, 0)
	require.Equal(t, CircuitOpen, l.State())

	l.Reset()
	assert.Equal(t, CircuitClosed, l.State())
	_, err = l.Acquire(context.Background())
	assert.NoError(t, err)
}

func TestRateLimitExceeded(t *testing.T) {
	cfg := fastConfig()
	cfg.BurstLimit = 2
	cfg.BurstWindow = time.Minute
	l := New("X", cfg)

	for i := 0; i < 2; i++ {
		lease, err := l.Acquire(context.Background())
		require.NoError(t, err)
		lease.Release(true, 0)
	}

	_, err := l.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, coreerrors.IsKind(err, coreerrors.KindRateLimitExceeded))
}
