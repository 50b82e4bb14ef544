// Package realtime provides the WebSocket transport for chat sessions.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/shopchat/internal/chat"
	"github.com/ashureev/shopchat/internal/domain"
	"github.com/ashureev/shopchat/internal/identity"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Router is the part of chat.Router the transport drives.
type Router interface {
	Attach(conn chat.Conn)
	Detach(ctx context.Context, connID string)
	Join(ctx context.Context, conn chat.Conn, sessionID string, role domain.ViewerRole, agent *domain.Agent) (*domain.Session, error)
	Leave(ctx context.Context, connID, sessionID string)
	JoinAdmin(ctx context.Context, conn chat.Conn, storeID string) error
	Handle(ctx context.Context, origin chat.Conn, sessionID string, ev chat.Event) (*chat.Result, error)
	Typing(ctx context.Context, origin chat.Conn, sessionID string, role domain.ViewerRole, isTyping bool) error
	MarkRead(ctx context.Context, origin chat.Conn, sessionID, messageID string) (int, error)
}

// Options configures the WebSocket handler.
type Options struct {
	AllowedOrigin string
	IsDev         bool
	SendBuffer    int
	EventRate     float64 // inbound events per second per connection
	EventBurst    int
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	ReadLimit     int64
}

// DefaultOptions returns transport defaults.
func DefaultOptions() Options {
	return Options{
		AllowedOrigin: "*",
		SendBuffer:    64,
		EventRate:     10,
		EventBurst:    20,
		WriteTimeout:  5 * time.Second,
		PingInterval:  30 * time.Second,
		ReadLimit:     64 << 10,
	}
}

// Handler upgrades requests on /ws and feeds inbound frames to the router.
type Handler struct {
	router Router
	opts   Options
	logger *slog.Logger
}

// NewHandler creates a WebSocket handler. Zero-valued options take defaults.
func NewHandler(router Router, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.EventRate <= 0 {
		opts.EventRate = def.EventRate
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = def.EventBurst
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	return &Handler{router: router, opts: opts, logger: logger}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "visitor_id", visitorID)
		return
	}
	ws.SetReadLimit(h.opts.ReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newWSConn(uuid.NewString(), visitorID, ws, h.opts.SendBuffer,
		rate.NewLimiter(rate.Limit(h.opts.EventRate), h.opts.EventBurst), h.logger)
	h.router.Attach(c)
	h.logger.Info("WebSocket connected", "conn_id", c.id, "visitor_id", visitorID, "ip", identity.IPFromRequest(r))

	defer func() {
		h.router.Detach(context.WithoutCancel(ctx), c.id)
		c.Close("connection closed")
		h.logger.Info("WebSocket disconnected", "conn_id", c.id)
	}()

	go c.writePump(ctx, h.opts.WriteTimeout, h.opts.PingInterval)
	h.readLoop(ctx, c)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "*" || origin == h.opts.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, c *wsConn) {
	for {
		_, frame, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed by client", "conn_id", c.id)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "conn_id", c.id)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			h.sendError(c, "", chat.Malformed("frame is not a JSON envelope"))
			continue
		}
		if !c.limiter.Allow() {
			h.sendError(c, env.RequestID, chat.ErrRateLimited)
			continue
		}

		data, err := h.dispatch(ctx, c, env)
		if err != nil {
			h.sendError(c, env.RequestID, err)
			continue
		}
		if env.Type == typePing {
			c.reply(typePong, env.RequestID, nil)
			continue
		}
		c.reply(typeAck, env.RequestID, data)
	}
}

func (h *Handler) sendError(c *wsConn, requestID string, err error) {
	code := chat.CodeOf(err)
	msg := err.Error()
	var ce *chat.Error
	if errors.As(err, &ce) {
		msg = ce.Message
	}
	if code == "" {
		code = chat.CodeDeliveryFailed
		msg = "request failed"
		h.logger.Error("Unclassified request failure", "conn_id", c.id, "error", err)
	}
	c.reply(typeError, requestID, errorData{
		Code:      code,
		Message:   msg,
		Retryable: chat.IsRetryable(err),
		RequestID: requestID,
	})
}

//nolint:gocognit // One switch keeps the wire contract in a single place.
func (h *Handler) dispatch(ctx context.Context, c *wsConn, env envelope) (any, error) {
	switch env.Type {
	case typePing:
		return nil, nil

	case typeJoinChat:
		var d joinChatData
		if err := decode(env, &d); err != nil {
			return nil, err
		}
		role, ok := domain.ParseViewerRole(d.UserType)
		if !ok {
			return nil, chat.Malformed("userType must be customer or agent")
		}
		var agent *domain.Agent
		if role == domain.RoleAgent && d.AgentID != "" {
			agent = &domain.Agent{ID: d.AgentID, Name: d.AgentName}
		}
		s, err := h.router.Join(ctx, c, d.SessionID, role, agent)
		if err != nil {
			return nil, err
		}
		c.setView(d.SessionID, view{role: role, agent: agent})
		return s, nil

	case typeLeaveChat:
		var d sessionData
		if err := decode(env, &d); err != nil {
			return nil, err
		}
		if d.SessionID == "" {
			return nil, chat.Malformed("sessionId is required")
		}
		h.router.Leave(ctx, c.id, d.SessionID)
		c.dropView(d.SessionID)
		return nil, nil

	case typeJoinAdminRoom:
		var d joinAdminData
		if err := decode(env, &d); err != nil {
			return nil, err
		}
		return nil, h.router.JoinAdmin(ctx, c, d.StoreID)

	case typeSendMessage:
		var d sendMessageData
		if err := decode(env, &d); err != nil {
			return nil, err
		}
		ev, err := messageEvent(c, d)
		if err != nil {
			return nil, err
		}
		return h.handle(ctx, c, d.SessionID, ev)

	case typeTyping:
		var d typingData
		if err := decode(env, &d); err != nil {
			return nil, err
		}
		role, ok := domain.ParseViewerRole(d.UserType)
		if !ok {
			return nil, chat.Malformed("userType must be customer or agent")
		}
		if v, joined := c.viewOf(d.SessionID); !joined || v.role != role {
			return nil, chat.ErrNotAuthorized
		}
		return nil, h.router.Typing(ctx, c, d.SessionID, role, d.IsTyping)

	case typeRequestAgent:
		var d sessionData
		if err := decode(env, &d); err != nil {
			return nil, err
		}
		if v, joined := c.viewOf(d.SessionID); !joined || v.role != domain.RoleCustomer {
			return nil, chat.ErrNotAuthorized
		}
		return h.handle(ctx, c, d.SessionID, chat.AgentRequest{Source: chat.SourceCustomer})

	case typeTakeoverChat:
		var d takeoverData
		if err := decode(env, &d); err != nil {
			return nil, err
		}
		v, joined := c.viewOf(d.SessionID)
		if !joined || v.role != domain.RoleAgent {
			return nil, chat.ErrNotAuthorized
		}
		agent := domain.Agent{ID: d.AgentID, Name: d.AgentName}
		res, err := h.handle(ctx, c, d.SessionID, chat.TakeoverRequest{Agent: agent})
		if err != nil {
			return nil, err
		}
		v.agent = res.Session.AssignedAgent
		c.setView(d.SessionID, v)
		return res, nil

	case typeMarkRead:
		var d markReadData
		if err := decode(env, &d); err != nil {
			return nil, err
		}
		if v, joined := c.viewOf(d.SessionID); !joined || v.role != domain.RoleAgent {
			return nil, chat.ErrNotAuthorized
		}
		n, err := h.router.MarkRead(ctx, c, d.SessionID, d.MessageID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"sessionId": d.SessionID, "unreadCount": n}, nil

	case typeResolveChat:
		var d resolveData
		if err := decode(env, &d); err != nil {
			return nil, err
		}
		if v, joined := c.viewOf(d.SessionID); !joined || v.role != domain.RoleAgent {
			return nil, chat.ErrNotAuthorized
		}
		reason := d.Reason
		if reason == "" {
			reason = "resolved by agent"
		}
		return h.handle(ctx, c, d.SessionID, chat.Resolve{Reason: reason})

	default:
		return nil, chat.Malformed("unknown event type %q", env.Type)
	}
}

// ackData is returned to the originator of an accepted event. The persisted
// message lets clients reconcile their optimistic copy.
type ackData struct {
	Session  *domain.Session   `json:"session"`
	Message  *domain.Message   `json:"message,omitempty"`
	Messages []*domain.Message `json:"messages,omitempty"`
	NoOp     bool              `json:"noop,omitempty"`
}

func (h *Handler) handle(ctx context.Context, c *wsConn, sessionID string, ev chat.Event) (*ackData, error) {
	res, err := h.router.Handle(ctx, c, sessionID, ev)
	if err != nil {
		return nil, err
	}
	ack := &ackData{Session: res.Session, NoOp: res.NoOp}
	if len(res.Messages) == 1 {
		ack.Message = res.Messages[0]
	} else {
		ack.Messages = res.Messages
	}
	return ack, nil
}

func messageEvent(c *wsConn, d sendMessageData) (chat.Event, error) {
	sender, ok := domain.ParseSender(d.Sender)
	if !ok {
		return nil, chat.Malformed("sender must be customer or agent")
	}
	var sentAt time.Time
	if d.SentAt != nil {
		sentAt = *d.SentAt
	}
	v, joined := c.viewOf(d.SessionID)

	switch sender {
	case domain.SenderCustomer:
		if !joined || v.role != domain.RoleCustomer {
			return nil, chat.ErrNotAuthorized
		}
		return chat.CustomerMessage{Text: d.Message, SentAt: sentAt}, nil
	case domain.SenderAgent:
		if !joined || v.role != domain.RoleAgent {
			return nil, chat.ErrNotAuthorized
		}
		agent := domain.Agent{ID: d.AgentID, Name: d.AgentName}
		if v.agent != nil {
			agent = *v.agent
		}
		return chat.AgentMessage{Agent: agent, Text: d.Message, SentAt: sentAt}, nil
	default:
		return nil, chat.Malformed("sender %q cannot send messages", strings.ToLower(d.Sender))
	}
}

func decode(env envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return chat.Malformed("%s: data is required", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return chat.Malformed("%s: %v", env.Type, err)
	}
	return nil
}
