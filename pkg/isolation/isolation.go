// Package isolation implements the per-agent IsolationManager (C2): a
// bulkhead semaphore, timeout-wrapped execution, failure-pattern detection,
// and a quarantine window orthogonal to the rate limiter's circuit breaker.
package isolation

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Futs/kuroibara/core/pkg/coreerrors"
)

// FailurePattern classifies why a call was recorded as a failure.
type FailurePattern int

const (
	PatternUnknown FailurePattern = iota
	PatternTimeout
	PatternHighFailureRate
	PatternUpstreamError
)

func (p FailurePattern) String() string {
	switch p {
	case PatternTimeout:
		return "TIMEOUT_PATTERN"
	case PatternHighFailureRate:
		return "HIGH_FAILURE_RATE"
	case PatternUpstreamError:
		return "UPSTREAM_ERROR_PATTERN"
	default:
		return "UNKNOWN_PATTERN"
	}
}

// Config is the per-agent isolation configuration.
type Config struct {
	MaxConcurrentRequests int
	RequestTimeout        time.Duration
	ConsecutiveThreshold  int           // consecutive qualifying failures to quarantine
	RecentWindow          time.Duration // window for the recent-failure-count check (10 min)
	CBThreshold           int           // recent failures within RecentWindow to quarantine
	QuarantineDuration    time.Duration
	PruneWindow           time.Duration // drop failure records older than this (1 h)
}

// DefaultConfig returns §4.2's defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRequests: 4,
		RequestTimeout:        30 * time.Second,
		ConsecutiveThreshold:  3,
		RecentWindow:          10 * time.Minute,
		CBThreshold:           5,
		QuarantineDuration:    5 * time.Minute,
		PruneWindow:           time.Hour,
	}
}

type failureRecord struct {
	at      time.Time
	pattern FailurePattern
}

// Manager is the per-agent isolation manager.
type Manager struct {
	name string
	cfg  Config
	sem  *semaphore.Weighted

	mu                  sync.Mutex
	failures            []failureRecord
	consecutiveFailures int
	quarantineUntil     time.Time
	quarantineReason    FailurePattern
}

// New creates a Manager for a single agent.
func New(name string, cfg Config) *Manager {
	return &Manager{
		name: name,
		cfg:  cfg,
		sem:  semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
	}
}

// UpdateConfig hot-swaps the configuration, replacing the semaphore only if
// MaxConcurrentRequests changed (future acquires see the new cap).
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.MaxConcurrentRequests != m.cfg.MaxConcurrentRequests {
		m.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests))
	}
	m.cfg = cfg
}

// Execute runs fn under the bulkhead, subject to quarantine and a per-call
// timeout. fn receives a context that is cancelled when RequestTimeout
// elapses.
func (m *Manager) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := m.checkQuarantine(); err != nil {
		return err
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return coreerrors.Wrap(coreerrors.KindCancelled, "isolation.Execute", m.name, err)
	}
	defer m.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil {
		pattern := PatternUpstreamError
		if callCtx.Err() == context.DeadlineExceeded {
			pattern = PatternTimeout
			err = coreerrors.New(coreerrors.KindOperationTimeout, "isolation.Execute", m.name, "call exceeded request timeout")
		}
		m.recordFailure(pattern)
		return err
	}

	m.recordSuccess()
	return nil
}

func (m *Manager) checkQuarantine() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.quarantineUntil.IsZero() && time.Now().Before(m.quarantineUntil) {
		return coreerrors.New(coreerrors.KindAgentQuarantined, "isolation.Execute", m.name, "agent is quarantined: "+m.quarantineReason.String())
	}
	return nil
}

func (m *Manager) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = nil
	m.consecutiveFailures = 0
	m.quarantineUntil = time.Time{}
}

func (m *Manager) recordFailure(pattern FailurePattern) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.pruneLocked(now)
	m.failures = append(m.failures, failureRecord{at: now, pattern: pattern})
	m.consecutiveFailures++

	recentCount := 0
	for _, f := range m.failures {
		if now.Sub(f.at) < m.cfg.RecentWindow {
			recentCount++
		}
	}

	if m.consecutiveFailures >= m.cfg.ConsecutiveThreshold || recentCount >= m.cfg.CBThreshold {
		m.quarantineUntil = now.Add(m.cfg.QuarantineDuration)
		m.quarantineReason = pattern
	}
}

func (m *Manager) pruneLocked(now time.Time) {
	kept := m.failures[:0]
	for _, f := range m.failures {
		if now.Sub(f.at) < m.cfg.PruneWindow {
			kept = append(kept, f)
		}
	}
	m.failures = kept
}

// Reset clears quarantine and failure history, used by AgentRegistry.ResetCircuit.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = nil
	m.consecutiveFailures = 0
	m.quarantineUntil = time.Time{}
}

// Quarantined reports whether the agent is currently quarantined.
func (m *Manager) Quarantined() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.quarantineUntil.IsZero() && time.Now().Before(m.quarantineUntil)
}

// QuarantineUntil returns the current quarantine expiry (zero if not quarantined).
func (m *Manager) QuarantineUntil() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quarantineUntil
}
