package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/shopchat/internal/domain"
)

// Agent request sources.
const (
	SourceCustomer  = "customer"
	SourceResponder = "responder"
)

// Intents a responder may attach to a reply to ask for a human.
var handoffIntents = map[string]struct{}{
	"agent_request": {},
	"human_handoff": {},
}

// AdminFanout delivers store-wide alerts to dashboard operators.
type AdminFanout interface {
	PublishAdmin(ctx context.Context, storeID string, ev Outbound, exclude ...string)
}

// localFanout delivers admin alerts to this process only.
type localFanout struct {
	registry *Registry
}

func (f localFanout) PublishAdmin(ctx context.Context, storeID string, ev Outbound, exclude ...string) {
	f.registry.BroadcastAdmin(ctx, storeID, ev, exclude...)
}

// HandoffCoordinator turns status transitions into operator alerts and
// transcript announcements.
type HandoffCoordinator struct {
	registry *Registry
	admin    AdminFanout
	metrics  *Metrics
	logger   *slog.Logger
}

// NewHandoffCoordinator creates a coordinator that alerts admins through the registry.
func NewHandoffCoordinator(registry *Registry, metrics *Metrics, logger *slog.Logger) *HandoffCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &HandoffCoordinator{
		registry: registry,
		admin:    localFanout{registry: registry},
		metrics:  metrics,
		logger:   logger,
	}
}

// SetAdminFanout replaces the admin-room delivery path, e.g. with a cross-instance relay.
func (h *HandoffCoordinator) SetAdminFanout(f AdminFanout) {
	h.admin = f
}

// WantsAgent reports whether an accepted event implies a follow-up agent request.
func (h *HandoffCoordinator) WantsAgent(ev Event) bool {
	reply, ok := ev.(AIReply)
	if !ok {
		return false
	}
	_, want := handoffIntents[strings.ToLower(reply.Intent)]
	return want
}

// Synthesize returns the system messages a transition adds to the transcript.
// The router assigns IDs and sequence numbers.
func (h *HandoffCoordinator) Synthesize(prev, next *domain.Session, now time.Time) []*domain.Message {
	if prev.Status == next.Status || next.Status != domain.StatusAgentTakeover || next.AssignedAgent == nil {
		return nil
	}
	return []*domain.Message{{
		Sender: domain.SenderSystem,
		Text:   fmt.Sprintf("%s has joined the chat", next.AssignedAgent.Name),
		SentAt: now,
	}}
}

// OnTransition broadcasts the alerts for a committed status change.
// nextSeq hands out the session's broadcast sequence numbers.
func (h *HandoffCoordinator) OnTransition(ctx context.Context, prev, next *domain.Session, ev Event, nextSeq func() int64, exclude []string) {
	switch next.Status {
	case domain.StatusNeedsAgent:
		source := SourceCustomer
		if req, ok := ev.(AgentRequest); ok && req.Source != "" {
			source = req.Source
		}
		h.admin.PublishAdmin(ctx, next.StoreID, Outbound{
			Type:      OutAgentRequested,
			SessionID: next.ID,
			StoreID:   next.StoreID,
			Seq:       nextSeq(),
			Data: AgentRequestedData{
				SessionID:    next.ID,
				CustomerName: next.CustomerName,
				Source:       source,
				RequestedAt:  next.UpdatedAt,
			},
		})
		h.count("agent_requested")
		h.logger.Info("Agent requested", "session_id", next.ID, "store_id", next.StoreID, "source", source)

	case domain.StatusAgentTakeover:
		out := Outbound{
			Type:      OutAgentTakeover,
			SessionID: next.ID,
			StoreID:   next.StoreID,
			Seq:       nextSeq(),
			Data: AgentTakeoverData{
				SessionID: next.ID,
				AgentID:   next.AssignedAgent.ID,
				AgentName: next.AssignedAgent.Name,
			},
		}
		h.registry.Broadcast(ctx, next.ID, out, exclude...)
		h.admin.PublishAdmin(ctx, next.StoreID, out, exclude...)
		h.count("takeover")
		h.logger.Info("Agent took over session",
			"session_id", next.ID, "agent_id", next.AssignedAgent.ID, "previous_status", prev.Status)

	case domain.StatusResolved:
		reason := ""
		if r, ok := ev.(Resolve); ok {
			reason = r.Reason
		}
		out := Outbound{
			Type:      OutSessionResolved,
			SessionID: next.ID,
			StoreID:   next.StoreID,
			Seq:       nextSeq(),
			Data:      SessionResolvedData{SessionID: next.ID, EndedAt: next.UpdatedAt, Reason: reason},
		}
		h.registry.Broadcast(ctx, next.ID, out, exclude...)
		h.admin.PublishAdmin(ctx, next.StoreID, out, exclude...)
		h.count("resolved")
	}
}

// SessionCreated alerts the store admin room about a new conversation.
func (h *HandoffCoordinator) SessionCreated(ctx context.Context, s *domain.Session) {
	h.admin.PublishAdmin(ctx, s.StoreID, Outbound{
		Type:      OutNewSession,
		SessionID: s.ID,
		StoreID:   s.StoreID,
		Data:      s,
	})
}

// Activity keeps dashboard lists current after a live message.
func (h *HandoffCoordinator) Activity(ctx context.Context, s *domain.Session, m *domain.Message, unread int) {
	h.admin.PublishAdmin(ctx, s.StoreID, Outbound{
		Type:      OutSessionActivity,
		SessionID: s.ID,
		StoreID:   s.StoreID,
		Data: SessionActivityData{
			SessionID:     s.ID,
			Status:        s.Status,
			LastMessage:   m.Text,
			LastMessageAt: m.SentAt,
			Sender:        m.Sender,
			UnreadCount:   unread,
		},
	})
}

// UnreadChanged reports a new agent unread count to the admin room.
func (h *HandoffCoordinator) UnreadChanged(ctx context.Context, s *domain.Session, unread int) {
	h.admin.PublishAdmin(ctx, s.StoreID, Outbound{
		Type:      OutUnreadCount,
		SessionID: s.ID,
		StoreID:   s.StoreID,
		Data:      UnreadCountData{SessionID: s.ID, UnreadCount: unread},
	})
}

// AgentViewing tells the other subscribers that an operator opened the session.
func (h *HandoffCoordinator) AgentViewing(ctx context.Context, s *domain.Session, agent *domain.Agent, viewerID string) {
	data := AgentViewingData{SessionID: s.ID}
	if agent != nil {
		data.AgentName = agent.Name
	}
	h.registry.Broadcast(ctx, s.ID, Outbound{
		Type:      OutAgentViewing,
		SessionID: s.ID,
		StoreID:   s.StoreID,
		Data:      data,
	}, viewerID)
}

func (h *HandoffCoordinator) count(kind string) {
	if h.metrics != nil {
		h.metrics.Handoffs.WithLabelValues(kind).Inc()
	}
}
