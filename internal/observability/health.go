package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state for the service:
// /healthz (liveness) and /readyz (readiness). Readiness requires every
// registered component (postgres, nats, consumers) to have reported ready.
type HealthChecker struct {
	ready      atomic.Bool
	startTime  time.Time
	mu         sync.Mutex
	components map[string]bool
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime:  time.Now(),
		components: make(map[string]bool),
	}
}

// SetReady marks the whole service ready (or not) regardless of components.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetComponentReady records a named dependency's readiness. The service is
// ready once SetReady(true) was called and no component reports false.
func (h *HealthChecker) SetComponentReady(name string, ready bool) {
	h.mu.Lock()
	h.components[name] = ready
	h.mu.Unlock()
}

// IsReady returns whether the service is ready to accept traffic.
func (h *HealthChecker) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ok := range h.components {
		if !ok {
			return false
		}
	}
	return true
}

// LivenessHandler returns HTTP 200 whenever the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 if the service is ready, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.IsReady() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "ready"})
		return
	}

	h.mu.Lock()
	notReady := make([]string, 0)
	for name, ok := range h.components {
		if !ok {
			notReady = append(notReady, name)
		}
	}
	h.mu.Unlock()

	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "not_ready",
		"not_ready": notReady,
	})
}
