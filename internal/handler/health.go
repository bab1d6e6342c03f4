package handler

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	checks map[string]Check
}

// NewHealthHandler constructs a HealthHandler over named readiness checks.
func NewHealthHandler(checks map[string]Check) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready
// Responds 503 naming every dependency that failed its check.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	result := map[string]string{}
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			result[name] = err.Error()
			continue
		}
		result[name] = "ok"
	}

	writeJSON(w, status, map[string]any{"ready": status == http.StatusOK, "checks": result})
}
