package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker tracks liveness and per-component readiness. The service
// is ready once every registered component reports ready.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu         sync.RWMutex
	components map[string]bool
}

func NewHealthChecker(components ...string) *HealthChecker {
	h := &HealthChecker{
		startTime:  time.Now(),
		components: make(map[string]bool, len(components)),
	}
	for _, c := range components {
		h.components[c] = false
	}
	return h
}

// SetComponent records one component's readiness.
func (h *HealthChecker) SetComponent(name string, ready bool) {
	h.mu.Lock()
	h.components[name] = ready
	all := true
	for _, ok := range h.components {
		all = all && ok
	}
	h.mu.Unlock()
	h.ready.Store(all)
}

// SetReady forces overall readiness, e.g. false during shutdown.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// Components returns a copy of component readiness.
func (h *HealthChecker) Components() map[string]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]bool, len(h.components))
	for k, v := range h.components {
		out[k] = v
	}
	return out
}

// LivenessHandler returns 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns 200 when ready and 503 otherwise, listing
// components that are not ready.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.ready.Load() {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
		return
	}
	var pending []string
	for name, ok := range h.Components() {
		if !ok {
			pending = append(pending, name)
		}
	}
	sort.Strings(pending)
	writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"status":  "not_ready",
		"pending": pending,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
