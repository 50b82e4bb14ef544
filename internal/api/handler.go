// Package api provides HTTP handlers for the shop chat REST API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/shopchat/internal/chat"
	"github.com/ashureev/shopchat/internal/domain"
	"github.com/ashureev/shopchat/internal/store"
	"github.com/lithammer/shortuuid/v4"
)

// defaultMaxRequestBodySize is the maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Router is the part of chat.Router the REST layer uses.
type Router interface {
	Handle(ctx context.Context, origin chat.Conn, sessionID string, ev chat.Event) (*chat.Result, error)
	Session(ctx context.Context, sessionID string) (*domain.Session, error)
	Unread(ctx context.Context, sessionID string) (int, error)
	SessionCreated(ctx context.Context, s *domain.Session)
}

// Handler provides common handler utilities.
type Handler struct {
	repo           store.Repository
	router         Router
	welcomeMessage string
	newToken       func() string
	logger         *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, router Router, welcomeMessage string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:           repo,
		router:         router,
		welcomeMessage: welcomeMessage,
		newToken:       shortuuid.New,
		logger:         logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ChatError writes a routing error with the status its code maps to.
func ChatError(w http.ResponseWriter, err error) {
	code := chat.CodeOf(err)
	if code == "" {
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	msg := err.Error()
	var ce *chat.Error
	if errors.As(err, &ce) {
		msg = ce.Message
	}
	JSON(w, StatusFor(code), map[string]any{
		"error":     msg,
		"code":      code,
		"retryable": chat.IsRetryable(err),
	})
}

// StatusFor maps a routing error code to an HTTP status.
func StatusFor(code chat.ErrorCode) int {
	switch code {
	case chat.CodeSessionNotFound:
		return http.StatusNotFound
	case chat.CodeSessionClosed, chat.CodeAlreadyTakenOver, chat.CodeInvalidTransition:
		return http.StatusConflict
	case chat.CodeNotAuthorized:
		return http.StatusForbidden
	case chat.CodeMalformedEvent:
		return http.StatusBadRequest
	case chat.CodeRateLimited:
		return http.StatusTooManyRequests
	case chat.CodeStoreUnavailable, chat.CodeDeliveryFailed, chat.CodeConnectionClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
