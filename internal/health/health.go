// Package health exposes liveness and readiness over HTTP with pluggable
// component checkers.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Checker probes one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	CheckerName string
	Fn          func(ctx context.Context) error
}

func (c CheckerFunc) Name() string                    { return c.CheckerName }
func (c CheckerFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// Manager runs registered checkers on demand.
type Manager struct {
	logger *zap.Logger

	mu       sync.RWMutex
	checkers []Checker
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register adds a checker.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	m.checkers = append(m.checkers, c)
	m.mu.Unlock()
}

type componentStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// RegisterRoutes wires /healthz (liveness) and /readyz (readiness).
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/readyz", m.handleReady)
}

func (m *Manager) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	components := make(map[string]componentStatus, len(checkers))
	ready := true
	for _, c := range checkers {
		if err := c.Check(ctx); err != nil {
			m.logger.Warn("Readiness check failed",
				zap.String("component", c.Name()),
				zap.Error(err),
			)
			components[c.Name()] = componentStatus{Healthy: false, Error: err.Error()}
			ready = false
		} else {
			components[c.Name()] = componentStatus{Healthy: true}
		}
	}

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":      ready,
		"components": components,
	})
}
