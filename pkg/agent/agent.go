// Package agent implements the Agent (C3): a uniform, capability-tagged
// adapter over a site-specific Provider, driving the rate limiter and
// isolation manager on every call and recording metrics.
package agent

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Futs/kuroibara/core/pkg/coreerrors"
	"github.com/Futs/kuroibara/core/pkg/isolation"
	"github.com/Futs/kuroibara/core/pkg/ratelimit"
)

// Capability identifies one operation an Agent may support.
type Capability string

const (
	CapSearch        Capability = "search"
	CapMangaDetails  Capability = "manga_details"
	CapChapters      Capability = "chapters"
	CapPages         Capability = "pages"
	CapDownloadPage  Capability = "download_page"
	CapDownloadCover Capability = "download_cover"
	CapHealthCheck   Capability = "health_check"
)

// Status is the Agent's own lifecycle status, distinct from HealthMonitor's
// HealthMetrics status.
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusInactive    Status = "INACTIVE"
	StatusError       Status = "ERROR"
	StatusCircuitOpen Status = "CIRCUIT_OPEN"
)

// SearchResult is one hit from Provider.Search.
type SearchResult struct {
	ExternalID string
	Title      string
	Extra      map[string]interface{}
}

// Provider is the external input interface (§6): a site-specific adapter
// implemented outside this module. Errors are plain Go errors; the Agent
// decides retry/quarantine policy, not the Provider.
type Provider interface {
	Search(ctx context.Context, query string, page, limit int) (results []SearchResult, total int, hasMore bool, err error)
	MangaDetails(ctx context.Context, id string) (map[string]interface{}, error)
	Chapters(ctx context.Context, id string, page, limit int) (chapters []map[string]interface{}, total int, hasMore bool, err error)
	Pages(ctx context.Context, mangaID, chapterID string) ([]string, error)
	DownloadPage(ctx context.Context, url, referer string) ([]byte, error)
	DownloadCover(ctx context.Context, mangaID string) ([]byte, error)
	HealthCheck(ctx context.Context, timeout time.Duration) (ok bool, responseTimeMs float64, err error)
}

// Metrics tracks request outcomes for one agent, mirroring the original's
// AgentMetrics (total/successful/failed requests, rolling average response
// time, last error).
type Metrics struct {
	mu                  sync.Mutex
	TotalRequests       int64
	SuccessfulRequests  int64
	FailedRequests      int64
	LastRequestTime     time.Time
	LastError           string
	LastErrorTime       time.Time
	AverageResponseTime float64 // ms
	CircuitOpenCount    int64   // number of calls refused by an open circuit breaker
	ThrottleCount       int64   // number of calls refused by any gate (circuit/rate-limit/quarantine)
}

// SuccessRate returns the percentage (0-100) of requests that succeeded.
func (m *Metrics) SuccessRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests) * 100
}

// Snapshot returns a copy of the metrics for read-only consumers (registry
// ranking, health scoring).
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		TotalRequests:       m.TotalRequests,
		SuccessfulRequests:  m.SuccessfulRequests,
		FailedRequests:      m.FailedRequests,
		LastRequestTime:     m.LastRequestTime,
		LastError:           m.LastError,
		LastErrorTime:       m.LastErrorTime,
		AverageResponseTime: m.AverageResponseTime,
		CircuitOpenCount:    m.CircuitOpenCount,
		ThrottleCount:       m.ThrottleCount,
	}
}

// recordThrottle counts a gate refusal (circuit open, rate limit, or
// quarantine) that kept fn from ever running. isCircuitOpen additionally
// increments the circuit-open-specific counter (§3 AgentState).
func (m *Metrics) recordThrottle(isCircuitOpen bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ThrottleCount++
	if isCircuitOpen {
		m.CircuitOpenCount++
	}
}

func (m *Metrics) record(success bool, responseTimeMs float64, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
	m.LastRequestTime = time.Now()
	if success {
		m.SuccessfulRequests++
	} else {
		m.FailedRequests++
		if errMsg != "" {
			m.LastError = errMsg
			m.LastErrorTime = time.Now()
		}
	}
	if m.TotalRequests == 1 {
		m.AverageResponseTime = responseTimeMs
	} else {
		m.AverageResponseTime = (m.AverageResponseTime*float64(m.TotalRequests-1) + responseTimeMs) / float64(m.TotalRequests)
	}
}

// Descriptor is the static, config-derived identity of an agent.
type Descriptor struct {
	Name         string
	Capabilities []Capability
	Priority     int
	SupportsNSFW bool
}

// HasCapability reports whether d supports c.
func (d Descriptor) HasCapability(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Agent is the uniform wrapper around a Provider, enforcing the fixed call
// pipeline RateLimiter.Acquire → IsolationManager.Execute → Provider.Invoke
// → Metrics.Record → RateLimiter.Release (§4.3).
type Agent struct {
	Descriptor Descriptor

	provider  Provider
	limiter   *ratelimit.Limiter
	isolation *isolation.Manager
	metrics   *Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	mu     sync.Mutex
	status Status
}

// New builds an Agent wrapping provider with the given rate limiter and
// isolation manager (one instance each, owned by the caller — typically
// shared with the AgentRegistry entry for this agent).
func New(desc Descriptor, provider Provider, limiter *ratelimit.Limiter, iso *isolation.Manager, logger *zap.Logger) *Agent {
	return &Agent{
		Descriptor: desc,
		provider:   provider,
		limiter:    limiter,
		isolation:  iso,
		metrics:    &Metrics{},
		logger:     logger,
		tracer:     otel.Tracer("kuroibara/core/agent"),
		status:     StatusActive,
	}
}

// Metrics returns the agent's live metrics tracker.
func (a *Agent) Metrics() *Metrics { return a.metrics }

// Status returns the agent's current lifecycle status.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Agent) setStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// IsHealthy reports true for ACTIVE and INACTIVE, false for ERROR and
// CIRCUIT_OPEN, per §4.3.
func (a *Agent) IsHealthy() bool {
	switch a.Status() {
	case StatusActive, StatusInactive:
		return true
	default:
		return false
	}
}

// HasCapability reports whether this agent supports c.
func (a *Agent) HasCapability(c Capability) bool { return a.Descriptor.HasCapability(c) }

// call runs fn through the fixed pipeline. If either gate refuses, the gate
// error is returned unchanged and fn never runs; metrics record neither a
// success nor a failure for that attempt (it is a throttle, not a provider
// outcome).
func (a *Agent) call(ctx context.Context, opName string, fn func(ctx context.Context) error) error {
	ctx, span := a.tracer.Start(ctx, "agent."+opName, trace.WithAttributes(
		attribute.String("agent.name", a.Descriptor.Name),
	))
	defer span.End()

	lease, err := a.limiter.Acquire(ctx)
	if err != nil {
		isCircuitOpen := coreerrors.IsKind(err, coreerrors.KindCircuitBreakerOpen)
		if isCircuitOpen {
			a.setStatus(StatusCircuitOpen)
		}
		a.metrics.recordThrottle(isCircuitOpen)
		return err
	}

	start := time.Now()
	callErr := a.isolation.Execute(ctx, fn)
	elapsed := time.Since(start)

	success := callErr == nil
	lease.Release(success, elapsed)

	if success {
		a.setStatus(StatusActive)
		a.metrics.record(true, float64(elapsed.Milliseconds()), "")
		return nil
	}

	if coreerrors.IsKind(callErr, coreerrors.KindAgentQuarantined) {
		a.setStatus(StatusError)
		a.metrics.recordThrottle(false)
		return callErr
	}

	a.metrics.record(false, float64(elapsed.Milliseconds()), callErr.Error())
	return callErr
}

// Search delegates to the Provider under the fixed pipeline.
func (a *Agent) Search(ctx context.Context, query string, page, limit int) ([]SearchResult, int, bool, error) {
	var results []SearchResult
	var total int
	var hasMore bool
	err := a.call(ctx, "search", func(ctx context.Context) error {
		var err error
		results, total, hasMore, err = a.provider.Search(ctx, query, page, limit)
		if err != nil {
			return coreerrors.Wrap(coreerrors.KindUpstreamError, "agent.Search", a.Descriptor.Name, err)
		}
		return nil
	})
	return results, total, hasMore, err
}

// MangaDetails delegates to the Provider under the fixed pipeline.
func (a *Agent) MangaDetails(ctx context.Context, id string) (map[string]interface{}, error) {
	var details map[string]interface{}
	err := a.call(ctx, "manga_details", func(ctx context.Context) error {
		var err error
		details, err = a.provider.MangaDetails(ctx, id)
		if err != nil {
			return coreerrors.Wrap(coreerrors.KindUpstreamError, "agent.MangaDetails", a.Descriptor.Name, err)
		}
		return nil
	})
	return details, err
}

// Chapters delegates to the Provider under the fixed pipeline.
func (a *Agent) Chapters(ctx context.Context, id string, page, limit int) ([]map[string]interface{}, int, bool, error) {
	var chapters []map[string]interface{}
	var total int
	var hasMore bool
	err := a.call(ctx, "chapters", func(ctx context.Context) error {
		var err error
		chapters, total, hasMore, err = a.provider.Chapters(ctx, id, page, limit)
		if err != nil {
			return coreerrors.Wrap(coreerrors.KindUpstreamError, "agent.Chapters", a.Descriptor.Name, err)
		}
		return nil
	})
	return chapters, total, hasMore, err
}

// Pages delegates to the Provider under the fixed pipeline.
func (a *Agent) Pages(ctx context.Context, mangaID, chapterID string) ([]string, error) {
	var pages []string
	err := a.call(ctx, "pages", func(ctx context.Context) error {
		var err error
		pages, err = a.provider.Pages(ctx, mangaID, chapterID)
		if err != nil {
			return coreerrors.Wrap(coreerrors.KindUpstreamError, "agent.Pages", a.Descriptor.Name, err)
		}
		return nil
	})
	return pages, err
}

// DownloadPage delegates to the Provider under the fixed pipeline.
func (a *Agent) DownloadPage(ctx context.Context, url, referer string) ([]byte, error) {
	var data []byte
	err := a.call(ctx, "download_page", func(ctx context.Context) error {
		var err error
		data, err = a.provider.DownloadPage(ctx, url, referer)
		if err != nil {
			return coreerrors.Wrap(coreerrors.KindUpstreamError, "agent.DownloadPage", a.Descriptor.Name, err)
		}
		return nil
	})
	return data, err
}

// DownloadCover delegates to the Provider under the fixed pipeline.
func (a *Agent) DownloadCover(ctx context.Context, mangaID string) ([]byte, error) {
	var data []byte
	err := a.call(ctx, "download_cover", func(ctx context.Context) error {
		var err error
		data, err = a.provider.DownloadCover(ctx, mangaID)
		if err != nil {
			return coreerrors.Wrap(coreerrors.KindUpstreamError, "agent.DownloadCover", a.Descriptor.Name, err)
		}
		return nil
	})
	return data, err
}

// HealthCheck delegates to the Provider under the fixed pipeline. Unlike
// the other operations, HealthCheck errors never propagate beyond the
// caller's intent to update HealthMetrics (§7): callers should treat a
// non-nil error here as "unhealthy", not as a failure to surface further.
func (a *Agent) HealthCheck(ctx context.Context, timeout time.Duration) (ok bool, responseTimeMs float64, err error) {
	callErr := a.call(ctx, "health_check", func(ctx context.Context) error {
		var herr error
		ok, responseTimeMs, herr = a.provider.HealthCheck(ctx, timeout)
		if herr != nil {
			return coreerrors.Wrap(coreerrors.KindUpstreamError, "agent.HealthCheck", a.Descriptor.Name, herr)
		}
		if !ok {
			return coreerrors.New(coreerrors.KindUpstreamError, "agent.HealthCheck", a.Descriptor.Name, "health check reported unhealthy")
		}
		return nil
	})
	return ok, responseTimeMs, callErr
}

// Enable/Disable toggle the agent's own status, used by AgentRegistry.
func (a *Agent) Enable()  { a.setStatus(StatusActive) }
func (a *Agent) Disable() { a.setStatus(StatusInactive) }

// ResetCircuit clears both the rate limiter's circuit and the isolation
// manager's quarantine, and restores ACTIVE status.
func (a *Agent) ResetCircuit() {
	a.limiter.Reset()
	a.isolation.Reset()
	a.setStatus(StatusActive)
}
