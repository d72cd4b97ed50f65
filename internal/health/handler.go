package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status response
type Status struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Check reports whether one dependency is healthy
type Check func() bool

type namedCheck struct {
	name    string
	check   Check
	healthy string
	failed  string
}

// Handler handles health check endpoints
type Handler struct {
	startTime    time.Time
	startupGrace time.Duration

	mu     sync.RWMutex
	checks []namedCheck
}

// NewHandler creates a new health handler. Readiness is withheld until
// startupGrace has passed.
func NewHandler(startupGrace time.Duration) *Handler {
	return &Handler{
		startTime:    time.Now(),
		startupGrace: startupGrace,
	}
}

// AddCheck registers a readiness check. healthy and failed are the values
// reported for it.
func (h *Handler) AddCheck(name string, check Check, healthy, failed string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: check, healthy: healthy, failed: failed})
}

// HandleLive handles the liveness probe
// Returns 200 if the application is running
func (h *Handler) HandleLive(w http.ResponseWriter, r *http.Request) {
	status := Status{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status) //nolint:errcheck
}

// HandleReady handles the readiness probe
// Returns 200 when every registered check passes
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	allHealthy := true

	h.mu.RLock()
	for _, c := range h.checks {
		if c.check() {
			checks[c.name] = c.healthy
		} else {
			checks[c.name] = c.failed
			allHealthy = false
		}
	}
	h.mu.RUnlock()

	if time.Since(h.startTime) >= h.startupGrace {
		checks["startup"] = "complete"
	} else {
		checks["startup"] = "in_progress"
		allHealthy = false
	}

	status := Status{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")

	if allHealthy {
		status.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status) //nolint:errcheck
}

// HandleHealth handles the combined health endpoint (for Docker HEALTHCHECK)
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.HandleReady(w, r)
}
