// Package coreconfig loads the provider/runtime configuration files named in
// §6 and exposes them behind an atomically-swappable snapshot so readers
// never observe a torn config while a reload is in flight.
package coreconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderEntry describes one upstream adapter, loaded from
// providers_default.json / providers_cloudflare.json.
type ProviderEntry struct {
	ID                  string                 `json:"id"`
	Name                string                 `json:"name"`
	ClassName           string                 `json:"class_name"`
	URL                 string                 `json:"url"`
	SupportsNSFW        bool                   `json:"supports_nsfw"`
	RequiresFlareSolverr bool                  `json:"requires_flaresolverr"`
	UseFlareSolverr     bool                   `json:"use_flaresolverr"`
	Params              map[string]interface{} `json:"params"`
	Enabled             bool                   `json:"enabled"`
	Priority            int                    `json:"priority"`
}

// CircuitBreakerSettings is the per-agent circuit-breaker slice of
// agent_runtime_config.json.
type CircuitBreakerSettings struct {
	Threshold int           `json:"threshold"`
	Timeout   time.Duration `json:"timeout"`
	Enabled   bool          `json:"enabled"`
}

// RateLimitingSettings is the per-agent rate-limiting slice.
type RateLimitingSettings struct {
	MaxConcurrent            int  `json:"max_concurrent"`
	MinTimeBetweenRequestsMs int  `json:"min_time_between_requests_ms"`
	Enabled                  bool `json:"enabled"`
}

// MonitoringSettings is the per-agent monitoring slice.
type MonitoringSettings struct {
	Enabled           bool          `json:"enabled"`
	CheckInterval     time.Duration `json:"check_interval"`
	PerformanceEveryN int           `json:"performance_every_n"`
	// FailureThreshold is the consecutive-failure count that transitions the
	// agent to UNHEALTHY (§4.5). Zero means health.DefaultFailureThreshold.
	FailureThreshold int `json:"failure_threshold"`
}

// TimeoutSettings is the per-agent timeout slice.
type TimeoutSettings struct {
	RequestTimeout     time.Duration `json:"request_timeout"`
	HealthCheckTimeout time.Duration `json:"health_check_timeout"`
}

// AgentRuntimeEntry is one agent's hot-swappable runtime configuration, from
// agent_runtime_config.json.
type AgentRuntimeEntry struct {
	Enabled        bool                   `json:"enabled"`
	Priority       int                    `json:"priority"`
	CircuitBreaker CircuitBreakerSettings `json:"circuit_breaker"`
	RateLimiting   RateLimitingSettings   `json:"rate_limiting"`
	Monitoring     MonitoringSettings     `json:"monitoring"`
	Timeouts       TimeoutSettings        `json:"timeouts"`
}

// ServiceConfig is the top-level YAML service configuration: log level,
// listen address, persistence DSN, websocket heartbeat interval.
type ServiceConfig struct {
	LogLevel            string        `yaml:"log_level"`
	ListenAddress        string        `yaml:"listen_address"`
	PersistenceDSN       string        `yaml:"persistence_dsn"`
	WebsocketHeartbeat   time.Duration `yaml:"websocket_heartbeat"`
}

// Snapshot is the full, immutable configuration in effect at a point in
// time. Readers obtain one via Manager.Current and never see a partial
// update mid-reload.
type Snapshot struct {
	Service   ServiceConfig
	Providers map[string]ProviderEntry     // keyed by ProviderEntry.ID
	Runtime   map[string]AgentRuntimeEntry // keyed by agent name
}

// CallbackID identifies a registered watch callback, for UnWatch.
type CallbackID uint64

// Manager owns the current Snapshot and notifies watchers on reload,
// following the teacher's ConfigWatcher idiom reduced to what this core
// needs: an atomic pointer swap plus a callback registry.
type Manager struct {
	current atomic.Pointer[Snapshot]

	mu        sync.Mutex
	nextID    CallbackID
	callbacks map[CallbackID]func(*Snapshot)

	providersDefaultPath    string
	providersCloudflarePath string
	agentRuntimePath        string
	serviceConfigPath       string
}

// NewManager builds a Manager pointed at the given file paths. Cloudflare
// provider entries are only loaded when FLARESOLVERR_URL is non-empty.
func NewManager(providersDefaultPath, providersCloudflarePath, agentRuntimePath, serviceConfigPath string) *Manager {
	return &Manager{
		callbacks:               make(map[CallbackID]func(*Snapshot)),
		providersDefaultPath:    providersDefaultPath,
		providersCloudflarePath: providersCloudflarePath,
		agentRuntimePath:        agentRuntimePath,
		serviceConfigPath:       serviceConfigPath,
	}
}

// Load reads all configured files and installs the result as the current
// snapshot, returning how many provider entries were loaded from each file
// (cmd/coreserver logs these counts at startup).
func (m *Manager) Load() (defaultCount, cloudflareCount int, err error) {
	snap := &Snapshot{
		Providers: make(map[string]ProviderEntry),
		Runtime:   make(map[string]AgentRuntimeEntry),
	}

	if m.serviceConfigPath != "" {
		if err := loadYAML(m.serviceConfigPath, &snap.Service); err != nil {
			return 0, 0, fmt.Errorf("coreconfig: service config: %w", err)
		}
	}

	defaultEntries, err := loadProviderFile(m.providersDefaultPath)
	if err != nil {
		return 0, 0, fmt.Errorf("coreconfig: providers_default.json: %w", err)
	}
	for _, e := range defaultEntries {
		snap.Providers[e.ID] = e
	}
	defaultCount = len(defaultEntries)

	if os.Getenv("FLARESOLVERR_URL") != "" && m.providersCloudflarePath != "" {
		cfEntries, err := loadProviderFile(m.providersCloudflarePath)
		if err != nil {
			return defaultCount, 0, fmt.Errorf("coreconfig: providers_cloudflare.json: %w", err)
		}
		for _, e := range cfEntries {
			snap.Providers[e.ID] = e
		}
		cloudflareCount = len(cfEntries)
	}

	if m.agentRuntimePath != "" {
		runtime, err := loadRuntimeFile(m.agentRuntimePath)
		if err != nil {
			return defaultCount, cloudflareCount, fmt.Errorf("coreconfig: agent_runtime_config.json: %w", err)
		}
		snap.Runtime = runtime
	}

	m.current.Store(snap)
	m.notify(snap)
	return defaultCount, cloudflareCount, nil
}

// Current returns the presently-installed snapshot. Safe for concurrent use
// with Load.
func (m *Manager) Current() *Snapshot {
	return m.current.Load()
}

// Watch registers callback to be invoked (with the new snapshot) every time
// Load installs a new one. Returns an ID usable with UnWatch.
func (m *Manager) Watch(callback func(*Snapshot)) CallbackID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.callbacks[id] = callback
	return id
}

// UnWatch removes a previously registered callback.
func (m *Manager) UnWatch(id CallbackID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.callbacks, id)
}

func (m *Manager) notify(snap *Snapshot) {
	m.mu.Lock()
	callbacks := make([]func(*Snapshot), 0, len(m.callbacks))
	for _, cb := range m.callbacks {
		callbacks = append(callbacks, cb)
	}
	m.mu.Unlock()
	for _, cb := range callbacks {
		cb(snap)
	}
}

func loadProviderFile(path string) ([]ProviderEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []ProviderEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func loadRuntimeFile(path string) (map[string]AgentRuntimeEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]AgentRuntimeEntry
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
