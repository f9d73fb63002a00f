// Package registry implements the AgentRegistry (C4): case-insensitive
// name lookup, a capability reverse-index, best-agent selection, and hot
// enable/disable/reset-circuit.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Futs/kuroibara/core/pkg/agent"
	"github.com/Futs/kuroibara/core/pkg/coreconfig"
	"github.com/Futs/kuroibara/core/pkg/coreerrors"
	"github.com/Futs/kuroibara/core/pkg/health"
)

// Registry holds every registered Agent, keyed by lowercase name, plus a
// capability reverse-index for fast best-agent lookup.
type Registry struct {
	logger *zap.Logger
	health *health.Monitor // optional; set via SetHealthMonitor

	mu           sync.RWMutex
	agents       map[string]*agent.Agent // key: lowercase name
	byCapability map[agent.Capability][]*agent.Agent
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger:       logger,
		agents:       make(map[string]*agent.Agent),
		byCapability: make(map[agent.Capability][]*agent.Agent),
	}
}

// SetHealthMonitor attaches the HealthMonitor so Enable/Disable can drive its
// per-agent Metrics (manual override, reset-to-UNKNOWN, immediate check).
// Optional: a Registry with no monitor attached still enables/disables the
// agent's own lifecycle status.
func (r *Registry) SetHealthMonitor(m *health.Monitor) {
	r.health = m
}

// Register adds a, replacing any prior agent of the same name.
func (r *Registry) Register(a *agent.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(a.Descriptor.Name)
	if prev, ok := r.agents[key]; ok {
		for cap, agents := range r.byCapability {
			r.byCapability[cap] = removeAgent(agents, prev)
		}
	}
	r.agents[key] = a
	for _, cap := range a.Descriptor.Capabilities {
		r.byCapability[cap] = append(r.byCapability[cap], a)
	}
}

// Unregister removes the named agent. Returns false if it was not present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(name)
	a, ok := r.agents[key]
	if !ok {
		return false
	}
	delete(r.agents, key)
	for cap, agents := range r.byCapability {
		r.byCapability[cap] = removeAgent(agents, a)
	}
	return true
}

func removeAgent(agents []*agent.Agent, target *agent.Agent) []*agent.Agent {
	out := agents[:0]
	for _, a := range agents {
		if a != target {
			out = append(out, a)
		}
	}
	return out
}

// Get looks up an agent by name: exact lowercase match first, then a
// case-insensitive scan, matching the original's two-pass lookup.
func (r *Registry) Get(name string) *agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if a, ok := r.agents[strings.ToLower(name)]; ok {
		return a
	}
	for _, a := range r.agents {
		if strings.EqualFold(a.Descriptor.Name, name) {
			return a
		}
	}
	return nil
}

// All returns every registered agent.
func (r *Registry) All() []*agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// Active returns every agent for which IsHealthy() is true.
func (r *Registry) Active() []*agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.IsHealthy() {
			out = append(out, a)
		}
	}
	return out
}

// ByCapability returns every healthy agent supporting cap.
func (r *Registry) ByCapability(cap agent.Capability) []*agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(r.byCapability[cap]))
	for _, a := range r.byCapability[cap] {
		if a.IsHealthy() {
			out = append(out, a)
		}
	}
	return out
}

// BestForCapability returns the healthy agent supporting cap with the
// highest success rate, breaking ties by lower average response time —
// sort key (-success_rate, +avg_response_time), matching §4.4 exactly.
func (r *Registry) BestForCapability(cap agent.Capability) *agent.Agent {
	agents := r.ByCapability(cap)
	if len(agents) == 0 {
		return nil
	}
	sort.Slice(agents, func(i, j int) bool {
		mi, mj := agents[i].Metrics().Snapshot(), agents[j].Metrics().Snapshot()
		si, sj := successRate(mi), successRate(mj)
		if si != sj {
			return si > sj
		}
		return mi.AverageResponseTime < mj.AverageResponseTime
	})
	return agents[0]
}

func successRate(m agent.Metrics) float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests) * 100
}

// Enable activates the named agent. Idempotent; returns ErrNotFound if the
// agent does not exist.
func (r *Registry) Enable(name string) error {
	a := r.Get(name)
	if a == nil {
		return coreerrors.New(coreerrors.KindNotFound, "registry.Enable", name, "agent not found")
	}
	a.Enable()

	if r.health != nil {
		if metrics := r.healthMetricsFor(a.Descriptor.Name); metrics != nil {
			metrics.ManualEnable()
		}
		go func() {
			if err := r.health.CheckNow(context.Background(), a.Descriptor.Name); err != nil {
				r.logger.Debug("immediate health check after enable failed", zap.String("agent", a.Descriptor.Name), zap.Error(err))
			}
		}()
	}

	r.logger.Info("enabled agent", zap.String("agent", a.Descriptor.Name))
	return nil
}

// Disable deactivates the named agent. Idempotent; returns ErrNotFound if
// the agent does not exist.
func (r *Registry) Disable(name string) error {
	a := r.Get(name)
	if a == nil {
		return coreerrors.New(coreerrors.KindNotFound, "registry.Disable", name, "agent not found")
	}
	a.Disable()

	if r.health != nil {
		if metrics := r.healthMetricsFor(a.Descriptor.Name); metrics != nil {
			metrics.ManualOverride(health.StatusDisabled)
		}
	}

	r.logger.Info("disabled agent", zap.String("agent", a.Descriptor.Name))
	return nil
}

// healthMetricsFor returns the agent's HealthMonitor Metrics, if any.
func (r *Registry) healthMetricsFor(name string) *health.Metrics {
	if r.health == nil {
		return nil
	}
	return r.health.MetricsFor(name)
}

// ResetCircuit clears the named agent's circuit breaker and quarantine.
func (r *Registry) ResetCircuit(name string) error {
	a := r.Get(name)
	if a == nil {
		return coreerrors.New(coreerrors.KindNotFound, "registry.ResetCircuit", name, "agent not found")
	}
	a.ResetCircuit()
	r.logger.Info("reset circuit breaker", zap.String("agent", a.Descriptor.Name))
	return nil
}

// LoadFromConfig registers descriptors for every enabled provider entry in
// snap and logs the total number of agents registered. It does not tell the
// source files apart; per-file counts come from coreconfig.Manager.Load.
func (r *Registry) LoadFromConfig(snap *coreconfig.Snapshot, makeAgent func(coreconfig.ProviderEntry) *agent.Agent) int {
	count := 0
	for _, entry := range snap.Providers {
		if !entry.Enabled {
			continue
		}
		a := makeAgent(entry)
		if a == nil {
			continue
		}
		r.Register(a)
		count++
	}
	r.logger.Info("loaded agent configs", zap.Int("agents_loaded", count))
	return count
}
