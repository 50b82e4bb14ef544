package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ResponderChecker reports the health of the responder backend.
type ResponderChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler serves the readiness endpoint.
type HealthHandler struct {
	store     Pinger
	responder ResponderChecker
}

// NewHealthHandler creates a health handler. responder may be nil when the
// keyword fallback is in use.
func NewHealthHandler(store Pinger, responder ResponderChecker) *HealthHandler {
	return &HealthHandler{store: store, responder: responder}
}

// RegisterHealth registers the health route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health pings the store and, if configured, the responder backend.
// Only the store is required for a 200.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]string{"status": "ok", "store": "ok", "responder": "fallback"}
	status := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		body["status"] = "unavailable"
		body["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if h.responder != nil {
		body["responder"] = "ok"
		if err := h.responder.Health(ctx); err != nil {
			body["responder"] = "unavailable"
			if status == http.StatusOK {
				body["status"] = "degraded"
			}
		}
	}
	JSON(w, status, body)
}
