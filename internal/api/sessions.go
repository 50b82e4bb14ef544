package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/shopchat/internal/chat"
	"github.com/ashureev/shopchat/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

var shopDomainPattern = regexp.MustCompile(`([a-z0-9][a-z0-9-]*\.myshopify\.com)`)

// SessionHandler serves the widget-facing session endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/session", h.CreateSession)
		r.Get("/session/{id}", h.GetSession)
		r.Post("/session/{id}/resolve", h.Resolve)
		r.Get("/messages", h.ListMessages)
	})
}

type createSessionRequest struct {
	CustomerName  string `json:"customerName"`
	CustomerEmail string `json:"customerEmail"`
	Channel       string `json:"channel"`
	Language      string `json:"language"`
	Shop          string `json:"shop"`
	Metadata      struct {
		URL string `json:"url"`
	} `json:"metadata"`
}

// shopDomain returns the shop from the request, falling back to the page URL.
func (req createSessionRequest) shopDomain() string {
	if shop := strings.ToLower(strings.TrimSpace(req.Shop)); shop != "" {
		return shop
	}
	return shopDomainPattern.FindString(strings.ToLower(req.Metadata.URL))
}

// CreateSession opens a new conversation for a widget visitor.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	shop := req.shopDomain()
	if shop == "" {
		Error(w, http.StatusBadRequest, "shop is required")
		return
	}

	ctx := r.Context()
	st, err := h.repo.EnsureStore(ctx, shop)
	if err != nil {
		h.logger.Error("Failed to resolve store", "shop", shop, "error", err)
		Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	now := time.Now()
	var metadata json.RawMessage
	if req.Metadata.URL != "" {
		metadata, _ = json.Marshal(req.Metadata)
	}
	s := &domain.Session{
		ID:            uuid.NewString(),
		StoreID:       st.ID,
		Token:         h.newToken(),
		CustomerName:  orDefault(req.CustomerName, "Guest"),
		CustomerEmail: orDefault(req.CustomerEmail, fmt.Sprintf("guest_%d@temp.com", now.UnixMilli())),
		Channel:       orDefault(req.Channel, "widget"),
		Language:      orDefault(req.Language, "en"),
		Status:        domain.StatusActive,
		AIHandled:     true,
		Metadata:      metadata,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := h.repo.CreateSession(ctx, s); err != nil {
		h.logger.Error("Failed to create session", "store_id", st.ID, "error", err)
		Error(w, http.StatusServiceUnavailable, "failed to create session")
		return
	}
	h.router.SessionCreated(ctx, s)
	h.logger.Info("Chat session created", "session_id", s.ID, "store_id", st.ID, "channel", s.Channel)

	welcome := st.WelcomeMessage
	if welcome == "" {
		welcome = h.welcomeMessage
	}
	JSON(w, http.StatusCreated, map[string]any{
		"success":        true,
		"sessionId":      s.ID,
		"sessionToken":   s.Token,
		"storeId":        st.ID,
		"welcomeMessage": welcome,
	})
}

// GetSession returns the live session state with its transcript.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, err := h.router.Session(r.Context(), id)
	if err != nil {
		ChatError(w, err)
		return
	}
	msgs, err := h.repo.ListMessages(r.Context(), id)
	if err != nil {
		ChatError(w, chat.StoreUnavailable(err))
		return
	}
	JSON(w, http.StatusOK, map[string]any{"session": s, "messages": nonNil(msgs)})
}

// ListMessages returns a session transcript ordered by send time.
func (h *SessionHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	s, err := h.repo.GetSession(r.Context(), id)
	if err != nil {
		ChatError(w, chat.StoreUnavailable(err))
		return
	}
	if s == nil {
		ChatError(w, chat.ErrSessionNotFound)
		return
	}
	msgs, err := h.repo.ListMessages(r.Context(), id)
	if err != nil {
		ChatError(w, chat.StoreUnavailable(err))
		return
	}
	JSON(w, http.StatusOK, map[string]any{"messages": nonNil(msgs)})
}

// Resolve closes a session.
func (h *SessionHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}
	reason := body.Reason
	if reason == "" {
		reason = "resolved by agent"
	}
	res, err := h.router.Handle(r.Context(), nil, chi.URLParam(r, "id"), chat.Resolve{Reason: reason})
	if err != nil {
		ChatError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"session": res.Session})
}

func orDefault(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
