package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	checks  map[string]Check
	timeout time.Duration
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler. Readiness runs every check with
// the given timeout.
func NewHealthHandler(checks map[string]Check, timeout time.Duration, logger *slog.Logger) *HealthHandler {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthHandler{checks: checks, timeout: timeout, logger: logger}
}

// Healthz reports that the process is serving.
// GET /healthz
func (h *HealthHandler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz runs every dependency check concurrently and answers 503 if any
// fails.
// GET /readyz
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]string, len(h.checks))
	)
	for name, check := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := "ok"
			if err := check(ctx); err != nil {
				status = err.Error()
				h.logger.WarnContext(ctx, "readiness check failed",
					slog.String("check", name),
					slog.String("error", status),
				)
			}
			mu.Lock()
			results[name] = status
			mu.Unlock()
		}()
	}
	wg.Wait()

	code := http.StatusOK
	for _, status := range results {
		if status != "ok" {
			code = http.StatusServiceUnavailable
		}
	}

	overall := "ok"
	if code != http.StatusOK {
		overall = "unavailable"
	}
	writeJSON(w, code, map[string]any{
		"status": overall,
		"checks": results,
	})
}
