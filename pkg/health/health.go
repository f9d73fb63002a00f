// Package health implements the HealthMonitor (C5): per-agent scheduled
// checks, EMA response time, status transitions, auto-disable, and a
// health score used to rank agents for provider selection.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Status is the HealthMetrics status, distinct from the Agent's own
// Status (active/inactive/error/circuit_open).
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusUnknown   Status = "UNKNOWN"
	StatusDisabled  Status = "DISABLED"
)

// CheckResult is what a single health check produces.
type CheckResult struct {
	OK             bool
	ResponseTimeMs float64
	Err            error
}

// Checker performs one health check for an agent; implemented by the
// Agent.HealthCheck wrapper.
type Checker interface {
	HealthCheck(ctx context.Context, timeout time.Duration) (ok bool, responseTimeMs float64, err error)
}

// Metrics is the rolling health state for one agent.
type Metrics struct {
	mu sync.Mutex

	status              Status
	avgResponseTimeMs   float64
	successRate         float64 // percent, 0-100
	totalChecks         int
	successfulChecks    int
	consecutiveFailures int
	lastCheck           time.Time
	lastSuccess         time.Time
	lastFailure         time.Time
	recentChecks        []CheckResult // bounded ring, ≤10
	manualOverride      bool
	autoDisabled        bool
	failureThreshold    int
}

const recentChecksCap = 10

// DefaultFailureThreshold is the consecutive-failure count that transitions
// an agent to UNHEALTHY when no configured failure_threshold is given
// (§4.5). Reaching it does not by itself disable the agent — that is a
// separate decision the Monitor makes on its own sweep, so UNHEALTHY stays
// observable in between.
const DefaultFailureThreshold = 5

func newMetrics(status Status, failureThreshold int) *Metrics {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	return &Metrics{status: status, failureThreshold: failureThreshold}
}

// Record applies one check's outcome to the metrics, performing the EMA
// update and status transition.
func (m *Metrics) Record(result CheckResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.lastCheck = now
	m.totalChecks++

	m.recentChecks = append(m.recentChecks, result)
	if len(m.recentChecks) > recentChecksCap {
		m.recentChecks = m.recentChecks[len(m.recentChecks)-recentChecksCap:]
	}

	if result.OK {
		m.successfulChecks++
		m.consecutiveFailures = 0
		m.lastSuccess = now
		if m.avgResponseTimeMs == 0 {
			m.avgResponseTimeMs = result.ResponseTimeMs
		} else {
			m.avgResponseTimeMs = m.avgResponseTimeMs*0.8 + result.ResponseTimeMs*0.2
		}
	} else {
		m.consecutiveFailures++
		m.lastFailure = now
	}

	if m.totalChecks > 0 {
		m.successRate = float64(m.successfulChecks) / float64(m.totalChecks) * 100
	}

	if !m.manualOverride {
		m.transitionLocked()
	}
}

func (m *Metrics) transitionLocked() {
	threshold := m.failureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	switch {
	case m.consecutiveFailures >= threshold:
		m.status = StatusUnhealthy
	case m.consecutiveFailures >= 3:
		m.status = StatusDegraded
	case m.totalChecks >= 10 && m.successRate < 80:
		m.status = StatusDegraded
	case m.successRate >= 95 || m.consecutiveFailures == 0:
		m.status = StatusHealthy
	default:
		m.status = StatusDegraded
	}
}

// autoDisableIfUnhealthy disables the agent if it is currently UNHEALTHY
// and not already disabled, as a decision separate from transitionLocked
// so UNHEALTHY remains observable between the failure that caused it and
// the monitor's own sweep that acts on it. Reports whether it disabled.
func (m *Metrics) autoDisableIfUnhealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manualOverride || m.autoDisabled || m.status != StatusUnhealthy {
		return false
	}
	m.autoDisabled = true
	m.status = StatusDisabled
	return true
}

// ManualEnable clears manual override and auto-disable, resetting failure
// counters, and sets status to UNKNOWN pending fresh evidence rather than
// HEALTHY (§8 S6). Callers re-enabling an agent should follow this with
// Monitor.CheckNow so the UNKNOWN doesn't linger until the next scheduled
// tick.
func (m *Metrics) ManualEnable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manualOverride = false
	m.autoDisabled = false
	m.consecutiveFailures = 0
	m.status = StatusUnknown
}

// ManualOverride sets the manual-override flag, freezing automatic status
// transitions until ManualEnable clears it.
func (m *Metrics) ManualOverride(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manualOverride = true
	m.status = status
}

// Status returns the current status.
func (m *Metrics) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// AutoDisabled reports whether this agent was auto-disabled by the monitor.
func (m *Metrics) AutoDisabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoDisabled
}

// Score computes the §4.5 health score, clamped to [0,100].
func (m *Metrics) Score() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusDisabled {
		return 0
	}

	score := m.successRate
	score -= minFloat(float64(m.consecutiveFailures)*10, 50)

	if !m.lastSuccess.IsZero() && time.Since(m.lastSuccess) < time.Hour {
		score += 10
	}

	if m.avgResponseTimeMs > 0 {
		seconds := m.avgResponseTimeMs / 1000
		switch {
		case seconds < 1.0:
			score += 5
		case seconds > 5.0:
			score -= 10
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Monitor periodically health-checks every registered agent, default every
// 5 minutes. Every 12th run for an agent (hourly at the default interval)
// is flagged as a performance check; it calls the same Checker as a basic
// check, with a 30 s timeout instead of 10 s (cadence split documented in
// SPEC_FULL.md).
type Monitor struct {
	logger   *zap.Logger
	interval time.Duration

	scoreGauge *prometheus.GaugeVec

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	checker   Checker
	metrics   *Metrics
	checkN    int
}

// NewMonitor creates a Monitor with the given check interval (default
// 5 minutes) and a prometheus registerer for the health score gauge.
func NewMonitor(logger *zap.Logger, interval time.Duration, reg prometheus.Registerer) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "core_agent_health_score",
		Help: "Current health score (0-100) per agent.",
	}, []string{"agent"})
	if reg != nil {
		reg.MustRegister(gauge)
	}
	return &Monitor{
		logger:     logger,
		interval:   interval,
		scoreGauge: gauge,
		entries:    make(map[string]*entry),
	}
}

// Register adds an agent to the monitoring loop, returning its Metrics for
// the caller (typically the registry/agent) to read. failureThreshold is the
// configured consecutive-failure bound (§4.5); 0 uses DefaultFailureThreshold.
func (m *Monitor) Register(name string, checker Checker, failureThreshold int) *Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics := newMetrics(StatusUnknown, failureThreshold)
	m.entries[name] = &entry{checker: checker, metrics: metrics}
	return metrics
}

// CheckNow runs one health check for name immediately, outside the regular
// interval, recording the result the same way runOnce does. Used to give an
// agent fresh evidence right after ManualEnable instead of waiting for the
// next tick (§8 S6).
func (m *Monitor) CheckNow(ctx context.Context, name string) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("health: unknown agent %q", name)
	}

	timeout := 10 * time.Second
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok2, rt, err := e.checker.HealthCheck(checkCtx, timeout)
	result := CheckResult{OK: ok2 && err == nil, ResponseTimeMs: rt, Err: err}
	e.metrics.Record(result)
	m.scoreGauge.WithLabelValues(name).Set(e.metrics.Score())
	return err
}

// MetricsFor returns the named agent's Metrics, or nil if unregistered.
func (m *Monitor) MetricsFor(name string) *Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return nil
	}
	return e.metrics
}

// Unregister removes an agent from monitoring.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, name)
}

// Rankings returns (name, score) pairs sorted by descending score.
func (m *Monitor) Rankings() []Ranking {
	m.mu.Lock()
	names := make([]string, 0, len(m.entries))
	scores := make(map[string]float64, len(m.entries))
	for name, e := range m.entries {
		names = append(names, name)
		scores[name] = e.metrics.Score()
	}
	m.mu.Unlock()

	out := make([]Ranking, len(names))
	for i, n := range names {
		out[i] = Ranking{Name: n, Score: scores[n]}
	}
	sortRankings(out)
	return out
}

// Ranking pairs an agent name with its health score.
type Ranking struct {
	Name  string
	Score float64
}

func sortRankings(rs []Ranking) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j].Score > rs[j-1].Score; j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
}

// Run starts the periodic check loop; it blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context) {
	m.mu.Lock()
	type job struct {
		name    string
		checker Checker
		metrics *Metrics
		perf    bool
	}
	jobs := make([]job, 0, len(m.entries))
	for name, e := range m.entries {
		e.checkN++
		jobs = append(jobs, job{name: name, checker: e.checker, metrics: e.metrics, perf: e.checkN%12 == 0})
	}
	m.mu.Unlock()

	for _, j := range jobs {
		timeout := 10 * time.Second
		if j.perf {
			timeout = 30 * time.Second
		}
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		ok, rt, err := j.checker.HealthCheck(checkCtx, timeout)
		cancel()

		result := CheckResult{OK: ok && err == nil, ResponseTimeMs: rt, Err: err}
		j.metrics.Record(result)

		if j.metrics.autoDisableIfUnhealthy() {
			m.logger.Warn("agent auto-disabled after sustained failures", zap.String("agent", j.name))
		}

		m.scoreGauge.WithLabelValues(j.name).Set(j.metrics.Score())

		if !result.OK {
			m.logger.Warn("health check failed", zap.String("agent", j.name), zap.Error(err))
		} else {
			m.logger.Debug("health check ok", zap.String("agent", j.name), zap.Float64("response_time_ms", rt), zap.Bool("performance_check", j.perf))
		}
	}
}
