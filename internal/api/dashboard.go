package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/shopchat/internal/chat"
	"github.com/ashureev/shopchat/internal/domain"
	"github.com/ashureev/shopchat/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultHistoryDays  = 30
	defaultHistoryLimit = 100
)

// DashboardHandler serves the operator session lists.
type DashboardHandler struct {
	*Handler
}

// NewDashboardHandler creates a dashboard handler.
func NewDashboardHandler(base *Handler) *DashboardHandler {
	return &DashboardHandler{Handler: base}
}

// RegisterRoutes registers dashboard routes.
func (h *DashboardHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/stores/{storeId}/sessions", func(r chi.Router) {
		r.Get("/", h.History)
		r.Get("/active", h.Active)
	})
}

// Active lists the store's open sessions, most recently updated first.
func (h *DashboardHandler) Active(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	summaries, err := h.repo.ListActiveSummaries(ctx, chi.URLParam(r, "storeId"))
	if err != nil {
		ChatError(w, chat.StoreUnavailable(err))
		return
	}
	for _, s := range summaries {
		if n, err := h.router.Unread(ctx, s.ID); err == nil {
			s.UnreadCount = n
		} else {
			h.logger.Warn("Unread count unavailable, using stored value", "session_id", s.ID, "error", err)
		}
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": nonNil(summaries)})
}

// History lists sessions filtered by status, search text and age, with per-status counts.
func (h *DashboardHandler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{
		StoreID: chi.URLParam(r, "storeId"),
		Search:  q.Get("search"),
		Limit:   defaultHistoryLimit,
	}

	if status := q.Get("status"); status != "" && status != "all" {
		st := domain.Status(status)
		if !st.Valid() {
			Error(w, http.StatusBadRequest, "unknown status")
			return
		}
		filter.Statuses = []domain.Status{st}
	}

	days := defaultHistoryDays
	if v := q.Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}
	filter.Since = time.Now().AddDate(0, 0, -days)

	ctx := r.Context()
	sessions, err := h.repo.ListSessions(ctx, filter)
	if err != nil {
		ChatError(w, chat.StoreUnavailable(err))
		return
	}
	stats, err := h.repo.SessionStats(ctx, filter.StoreID, filter.Since)
	if err != nil {
		ChatError(w, chat.StoreUnavailable(err))
		return
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": nonNil(sessions), "stats": stats})
}
