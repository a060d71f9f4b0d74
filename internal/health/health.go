// Package health runs periodic dependency probes and serves liveness and
// readiness endpoints for the worker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status of one dependency.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Check probes one dependency.
type Check struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// Result is the last outcome of a check.
type Result struct {
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Manager runs checks on an interval and caches the results.
type Manager struct {
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration

	mu      sync.RWMutex
	checks  []Check
	results map[string]Result
}

// NewManager builds a manager with a 15s probe interval.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:   logger,
		interval: 15 * time.Second,
		timeout:  5 * time.Second,
		results:  map[string]Result{},
	}
}

// Register adds a check. Critical checks gate readiness.
func (m *Manager) Register(c Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, c)
	m.results[c.Name] = Result{Status: StatusUnknown}
}

// Start probes immediately and then on the interval until ctx ends.
func (m *Manager) Start(ctx context.Context) {
	m.runAll(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runAll(ctx)
		}
	}
}

func (m *Manager) runAll(ctx context.Context) {
	m.mu.RLock()
	checks := make([]Check, len(m.checks))
	copy(checks, m.checks)
	m.mu.RUnlock()

	for _, c := range checks {
		probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := c.Probe(probeCtx)
		cancel()

		result := Result{Status: StatusHealthy, CheckedAt: time.Now().UTC()}
		if err != nil {
			result.Status = StatusUnhealthy
			result.Error = err.Error()
			m.logger.Warn("Health check failed",
				zap.String("check", c.Name),
				zap.Error(err),
			)
		}
		m.mu.Lock()
		m.results[c.Name] = result
		m.mu.Unlock()
	}
}

// Ready reports whether every critical check is healthy.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.checks {
		if c.Critical && m.results[c.Name].Status != StatusHealthy {
			return false
		}
	}
	return true
}

// Results returns a snapshot of all check outcomes.
func (m *Manager) Results() map[string]Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Result, len(m.results))
	for k, v := range m.results {
		out[k] = v
	}
	return out
}

// RegisterRoutes mounts /healthz (liveness) and /readyz (readiness).
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		code := http.StatusOK
		if !m.Ready() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ready":  m.Ready(),
			"checks": m.Results(),
		})
	})
}
