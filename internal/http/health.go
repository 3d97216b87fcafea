// Package http provides the HTTP server and handlers of the authorization server.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	ready  atomic.Bool
	checks map[string]ReadinessCheck
}

// NewHealthHandler creates a new HealthHandler. Each check must pass for
// /readyz to report ready.
func NewHealthHandler() *HealthHandler {
	h := &HealthHandler{checks: make(map[string]ReadinessCheck)}
	h.ready.Store(true)
	return h
}

// AddCheck registers a named readiness check.
func (h *HealthHandler) AddCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

// SetReady sets the readiness status.
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Healthz handles the /healthz endpoint.
// Returns 200 OK if the server is alive.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles the /readyz endpoint.
// Returns 200 OK if the server is ready to accept traffic, 503 otherwise.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"check":  name,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
