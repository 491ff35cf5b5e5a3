package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state.
// Readiness is the AND of named dependency gates (postgres, nats, chain);
// a provider disconnect flips its gate instead of crashing the process.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu    sync.Mutex
	gates map[string]bool
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		gates:     make(map[string]bool),
	}
}

// SetGate records the state of one dependency and recomputes readiness.
func (h *HealthChecker) SetGate(name string, up bool) {
	h.mu.Lock()
	h.gates[name] = up
	ready := true
	for _, ok := range h.gates {
		if !ok {
			ready = false
			break
		}
	}
	h.mu.Unlock()
	h.ready.Store(ready)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 if every dependency gate is up,
// 503 otherwise, with the failing gates listed.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	h.mu.Lock()
	down := make([]string, 0)
	for name, ok := range h.gates {
		if !ok {
			down = append(down, name)
		}
	}
	h.mu.Unlock()

	if h.ready.Load() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "not_ready",
			"down":   down,
		})
	}
}
