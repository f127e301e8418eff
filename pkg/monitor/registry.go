package monitor

import (
	"sync"

	"go.uber.org/zap"

	"jobpipe/pkg/logger"
	"jobpipe/pkg/metrics"
	"jobpipe/pkg/models"
)

// Registry holds the active monitors keyed by job key, so a lifecycle
// listener and an interceptor can reach the same instance.
type Registry struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	monitors map[string]*Monitor
}

// NewRegistry creates a registry whose monitors use cfg.
func NewRegistry(cfg Config, log *zap.Logger) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		log:      logger.OrNop(log),
		monitors: make(map[string]*Monitor),
	}
}

// New builds a stopped monitor with the registry's configuration without
// registering it.
func (r *Registry) New(jobKey, taskName, invocationID string) *Monitor {
	return New(jobKey, taskName, invocationID, r.cfg, r.log)
}

// Start creates, registers and starts a monitor for jobKey. A monitor
// already registered under the key is stopped and replaced.
func (r *Registry) Start(jobKey, taskName string) *Monitor {
	m := r.New(jobKey, taskName, "")
	if prev := r.Put(jobKey, m); prev != nil {
		prev.Stop()
	}
	m.Start()
	return m
}

// Stop removes the monitor of jobKey and returns its snapshot.
func (r *Registry) Stop(jobKey string) (models.TaskResourceInfo, bool) {
	r.mu.Lock()
	m, ok := r.monitors[jobKey]
	if ok {
		delete(r.monitors, jobKey)
		metrics.ActiveMonitors.Dec()
	}
	r.mu.Unlock()

	if !ok {
		return models.TaskResourceInfo{}, false
	}
	return m.Stop(), true
}

// Put registers m under jobKey and returns the monitor it replaced.
func (r *Registry) Put(jobKey string, m *Monitor) *Monitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.monitors[jobKey]
	r.monitors[jobKey] = m
	if !ok {
		metrics.ActiveMonitors.Inc()
	}
	return prev
}

// Get returns the monitor registered under jobKey.
func (r *Registry) Get(jobKey string) (*Monitor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.monitors[jobKey]
	return m, ok
}

// CompareAndDelete removes jobKey only if it still maps to m. An
// overlapping invocation of the same job may have replaced it.
func (r *Registry) CompareAndDelete(jobKey string, m *Monitor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.monitors[jobKey]; ok && cur == m {
		delete(r.monitors, jobKey)
		metrics.ActiveMonitors.Dec()
		return true
	}
	return false
}

// Len returns the number of registered monitors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.monitors)
}
