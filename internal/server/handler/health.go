package handler

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// Checker probes one dependency.
type Checker func(ctx context.Context) error

// HealthHandler reports liveness plus the state of optional dependencies.
type HealthHandler struct {
	mode     string
	started  time.Time
	checkers map[string]Checker
	now      func() time.Time
}

// NewHealthHandler creates a HealthHandler. checkers may be nil.
func NewHealthHandler(mode string, checkers map[string]Checker) *HealthHandler {
	return &HealthHandler{mode: mode, started: time.Now(), checkers: checkers, now: time.Now}
}

// HealthCheck answers 200 when every dependency is reachable and 503
// otherwise.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checkers))
	for n := range h.checkers {
		names = append(names, n)
	}
	sort.Strings(names)

	status := http.StatusOK
	deps := make(map[string]string, len(names))
	for _, n := range names {
		if err := h.checkers[n](ctx); err != nil {
			deps[n] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[n] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":         state,
		"mode":           h.mode,
		"uptime_seconds": int64(h.now().Sub(h.started).Seconds()),
		"dependencies":   deps,
		"timestamp":      h.now().UTC().Format(time.RFC3339),
	})
}
