package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeChecker struct {
	mu   sync.Mutex
	fail bool
}

func (f *fakeChecker) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *fakeChecker) HealthCheck(ctx context.Context, timeout time.Duration) (bool, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return false, 0, errors.New("agent unreachable")
	}
	return true, 10, nil
}

// S6 — Health auto-disable: failure_threshold=5, 5 failed checks disable the
// agent; a subsequent manual enable resets it to UNKNOWN pending a fresh
// result, and CheckNow supplies that result immediately.
func TestS6_HealthAutoDisableThenManualEnable(t *testing.T) {
	m := NewMonitor(zap.NewNop(), time.Hour, nil)
	checker := &fakeChecker{fail: true}
	metrics := m.Register("agentX", checker, 5)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.runOnce(ctx)
	}

	assert.Equal(t, StatusDisabled, metrics.Status())
	assert.True(t, metrics.AutoDisabled())

	metrics.ManualEnable()
	assert.Equal(t, StatusUnknown, metrics.Status())
	assert.False(t, metrics.AutoDisabled())

	checker.setFail(false)
	require.NoError(t, m.CheckNow(ctx, "agentX"))
	assert.Equal(t, StatusHealthy, metrics.Status())
}

// §8 comment: UNHEALTHY must be independently observable before the
// monitor's separate sweep decision moves it to DISABLED.
func TestUnhealthyReachableBeforeAutoDisable(t *testing.T) {
	metrics := newMetrics(StatusUnknown, 2)
	metrics.Record(CheckResult{OK: false})
	metrics.Record(CheckResult{OK: false})

	assert.Equal(t, StatusUnhealthy, metrics.Status())
	assert.False(t, metrics.AutoDisabled())

	assert.True(t, metrics.autoDisableIfUnhealthy())
	assert.Equal(t, StatusDisabled, metrics.Status())
	assert.True(t, metrics.AutoDisabled())
}

// autoDisableIfUnhealthy must not fire for agents that are merely DEGRADED.
func TestAutoDisableIfUnhealthy_NoopWhenNotUnhealthy(t *testing.T) {
	metrics := newMetrics(StatusUnknown, 5)
	metrics.Record(CheckResult{OK: false})
	metrics.Record(CheckResult{OK: false})
	metrics.Record(CheckResult{OK: false})

	assert.Equal(t, StatusDegraded, metrics.Status())
	assert.False(t, metrics.autoDisableIfUnhealthy())
}

func TestFailureThreshold_Configurable(t *testing.T) {
	lowThreshold := newMetrics(StatusUnknown, 2)
	lowThreshold.Record(CheckResult{OK: false})
	lowThreshold.Record(CheckResult{OK: false})
	assert.Equal(t, StatusUnhealthy, lowThreshold.Status())

	defaultThreshold := newMetrics(StatusUnknown, 0)
	defaultThreshold.Record(CheckResult{OK: false})
	defaultThreshold.Record(CheckResult{OK: false})
	assert.NotEqual(t, StatusUnhealthy, defaultThreshold.Status())
}

func TestManualOverrideFreezesTransitions(t *testing.T) {
	metrics := newMetrics(StatusUnknown, 1)
	metrics.ManualOverride(StatusDisabled)

	metrics.Record(CheckResult{OK: true})
	assert.Equal(t, StatusDisabled, metrics.Status())
}

func TestScore_DisabledIsZero(t *testing.T) {
	metrics := newMetrics(StatusUnknown, 5)
	metrics.Record(CheckResult{OK: true, ResponseTimeMs: 50})
	metrics.ManualOverride(StatusDisabled)
	assert.Equal(t, float64(0), metrics.Score())
}

func TestRankings_SortedDescending(t *testing.T) {
	m := NewMonitor(zap.NewNop(), time.Hour, nil)
	good := &fakeChecker{fail: false}
	bad := &fakeChecker{fail: true}
	m.Register("good", good, 5)
	m.Register("bad", bad, 5)

	ctx := context.Background()
	require.NoError(t, m.CheckNow(ctx, "good"))
	_ = m.CheckNow(ctx, "bad")

	rankings := m.Rankings()
	require.Len(t, rankings, 2)
	assert.Equal(t, "good", rankings[0].Name)
	assert.Equal(t, "bad", rankings[1].Name)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	m := NewMonitor(zap.NewNop(), 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestCheckNow_UnknownAgent(t *testing.T) {
	m := NewMonitor(zap.NewNop(), time.Hour, nil)
	err := m.CheckNow(context.Background(), "missing")
	assert.Error(t, err)
}
