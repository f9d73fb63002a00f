// Package ratelimit implements the per-agent RateLimiter (C1): a counting
// semaphore for concurrency, enforced minimum spacing, sliding burst and
// per-minute windows, a circuit breaker, and adaptive spacing adjustment.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Futs/kuroibara/core/pkg/coreerrors"
)

// CircuitState is the per-agent circuit breaker state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Config is the hot-swappable per-agent rate-limit configuration.
type Config struct {
	MaxConcurrent int
	MinSpacing    time.Duration
	MaxPerMinute  int
	BurstLimit    int
	BurstWindow   time.Duration

	CBThreshold int
	CBCooldown  time.Duration

	AdaptiveEnabled      bool
	SuccessRateThreshold float64
	FailureRateThreshold float64
	AdjustmentStep       time.Duration
	MinAdjustRequests    int
}

// DefaultConfig returns the conservative defaults §4.1 specifies.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:        2,
		MinSpacing:           time.Second,
		MaxPerMinute:         60,
		BurstLimit:           5,
		BurstWindow:          10 * time.Second,
		CBThreshold:          5,
		CBCooldown:           60 * time.Second,
		AdaptiveEnabled:      true,
		SuccessRateThreshold: 0.95,
		FailureRateThreshold: 0.5,
		AdjustmentStep:       100 * time.Millisecond,
		MinAdjustRequests:    10,
	}
}

const (
	minSpacingFloor    = 200 * time.Millisecond
	minSpacingCeiling  = 10 * time.Second
	halfOpenSuccessesN = 3
)

// Limiter is the per-agent rate limiter.
type Limiter struct {
	name string
	cfg  Config
	sem  *semaphore.Weighted

	mu                   sync.Mutex
	circuit              CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	currentMinSpacing    time.Duration
	lastRequestTS        time.Time
	recentTimestamps     []time.Time // for burst + per-minute windows

	lastAdjustAt    time.Time
	sinceAdjustOK   int
	sinceAdjustFail int
}

// New creates a Limiter for a single agent.
func New(name string, cfg Config) *Limiter {
	return &Limiter{
		name:              name,
		cfg:               cfg,
		sem:               semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		currentMinSpacing: cfg.MinSpacing,
	}
}

// UpdateConfig hot-swaps the configuration. The semaphore is only replaced
// (and therefore only takes effect for future Acquire calls) when
// MaxConcurrent changes, per §5's hot-swap rule.
func (l *Limiter) UpdateConfig(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg.MaxConcurrent != l.cfg.MaxConcurrent {
		l.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	l.cfg = cfg
}

// Lease is returned by Acquire; Release must be called exactly once.
type Lease struct {
	limiter    *Limiter
	acquiredAt time.Time
	released   bool
}

// Acquire blocks until the agent may issue one request, or returns a
// transient CoreError (CircuitBreakerOpen, RateLimitExceeded) without
// touching circuit-breaker failure counters.
func (l *Limiter) Acquire(ctx context.Context) (*Lease, error) {
	waitUntil, err := l.reserveSlot()
	if err != nil {
		return nil, err
	}

	if d := time.Until(waitUntil); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, coreerrors.Wrap(coreerrors.KindCancelled, "ratelimit.Acquire", l.name, ctx.Err())
		}
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindCancelled, "ratelimit.Acquire", l.name, err)
	}

	return &Lease{limiter: l, acquiredAt: time.Now()}, nil
}

// reserveSlot performs the short, lock-held sequence: check circuit, enforce
// spacing/burst/per-minute bookkeeping, record the reserved timestamp. It
// never blocks; the caller sleeps and acquires the semaphore afterward.
func (l *Limiter) reserveSlot() (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	switch l.circuit {
	case CircuitOpen:
		if now.Sub(l.openedAt) >= l.cfg.CBCooldown {
			l.circuit = CircuitHalfOpen
			l.consecutiveSuccesses = 0
		} else {
			return time.Time{}, coreerrors.New(coreerrors.KindCircuitBreakerOpen, "ratelimit.Acquire", l.name, "circuit is open")
		}
	}

	earliest := now
	if !l.lastRequestTS.IsZero() {
		spacedAt := l.lastRequestTS.Add(l.currentMinSpacing)
		if spacedAt.After(earliest) {
			earliest = spacedAt
		}
	}

	l.pruneTimestamps(now)

	burstCount := 0
	for _, ts := range l.recentTimestamps {
		if now.Sub(ts) < l.cfg.BurstWindow {
			burstCount++
		}
	}
	if burstCount >= l.cfg.BurstLimit {
		return time.Time{}, coreerrors.New(coreerrors.KindRateLimitExceeded, "ratelimit.Acquire", l.name, "burst limit exceeded")
	}

	if len(l.recentTimestamps) >= l.cfg.MaxPerMinute {
		return time.Time{}, coreerrors.New(coreerrors.KindRateLimitExceeded, "ratelimit.Acquire", l.name, "per-minute limit exceeded")
	}

	l.lastRequestTS = earliest
	l.recentTimestamps = append(l.recentTimestamps, earliest)

	return earliest, nil
}

func (l *Limiter) pruneTimestamps(now time.Time) {
	window := l.cfg.BurstWindow
	if time.Minute > window {
		window = time.Minute
	}
	kept := l.recentTimestamps[:0]
	for _, ts := range l.recentTimestamps {
		if now.Sub(ts) < window {
			kept = append(kept, ts)
		}
	}
	l.recentTimestamps = kept
}

// Release must be called exactly once per successful Acquire. success
// indicates whether the underlying call succeeded; elapsed is informational
// and currently unused beyond being accepted for API parity with callers
// that measure call duration.
func (lease *Lease) Release(success bool, elapsed time.Duration) {
	if lease.released {
		return
	}
	lease.released = true
	lease.limiter.sem.Release(1)
	lease.limiter.recordOutcome(success)
}

func (l *Limiter) recordOutcome(success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if success {
		l.consecutiveFailures = 0
		l.consecutiveSuccesses++
		l.sinceAdjustOK++
		switch l.circuit {
		case CircuitHalfOpen:
			if l.consecutiveSuccesses >= halfOpenSuccessesN {
				l.circuit = CircuitClosed
			}
		}
	} else {
		l.consecutiveSuccesses = 0
		l.consecutiveFailures++
		l.sinceAdjustFail++
		switch l.circuit {
		case CircuitHalfOpen:
			l.circuit = CircuitOpen
			l.openedAt = time.Now()
		case CircuitClosed:
			if l.consecutiveFailures >= l.cfg.CBThreshold {
				l.circuit = CircuitOpen
				l.openedAt = time.Now()
			}
		}
	}

	l.maybeAdjustSpacing()
}

// maybeAdjustSpacing implements §4.1's adaptive adjustment: after enough
// completed requests and at least 30s since the last adjustment, shrink
// spacing on a high success rate or grow it on a high failure rate.
func (l *Limiter) maybeAdjustSpacing() {
	if !l.cfg.AdaptiveEnabled {
		return
	}
	total := l.sinceAdjustOK + l.sinceAdjustFail
	if total < l.cfg.MinAdjustRequests {
		return
	}
	if !l.lastAdjustAt.IsZero() && time.Since(l.lastAdjustAt) < 30*time.Second {
		return
	}

	successRate := float64(l.sinceAdjustOK) / float64(total)
	if successRate >= l.cfg.SuccessRateThreshold {
		l.currentMinSpacing -= l.cfg.AdjustmentStep
		if l.currentMinSpacing < minSpacingFloor {
			l.currentMinSpacing = minSpacingFloor
		}
	} else if successRate < l.cfg.FailureRateThreshold {
		l.currentMinSpacing += 2 * l.cfg.AdjustmentStep
		if l.currentMinSpacing > minSpacingCeiling {
			l.currentMinSpacing = minSpacingCeiling
		}
	}

	l.sinceAdjustOK = 0
	l.sinceAdjustFail = 0
	l.lastAdjustAt = time.Now()
}

// State returns a snapshot of the circuit state, for metrics/health use.
func (l *Limiter) State() CircuitState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.circuit
}

// CurrentSpacing returns the current adaptive spacing, for metrics/tests.
func (l *Limiter) CurrentSpacing() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentMinSpacing
}

// Reset forces the circuit back to CLOSED, clearing failure counters. Used
// by AgentRegistry.ResetCircuit.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.circuit = CircuitClosed
	l.consecutiveFailures = 0
	l.consecutiveSuccesses = 0
}
