package chat

import (
	"time"

	"github.com/ashureev/shopchat/internal/domain"
)

// OutboundType names an event pushed to subscribers.
type OutboundType string

const (
	OutNewSession      OutboundType = "new-session"
	OutNewMessage      OutboundType = "new-message"
	OutAgentRequested  OutboundType = "agent-requested"
	OutAgentTakeover   OutboundType = "agent-takeover"
	OutTyping          OutboundType = "typing"
	OutAgentViewing    OutboundType = "agent-viewing"
	OutSessionResolved OutboundType = "session-resolved"
	OutSessionActivity OutboundType = "session-activity"
	OutUnreadCount     OutboundType = "unread-count"
	OutPresence        OutboundType = "presence"
)

// Outbound is one pushed event. Seq is the per-session broadcast sequence for
// transcript-affecting events and zero for ephemeral ones such as typing.
type Outbound struct {
	Type      OutboundType `json:"type"`
	SessionID string       `json:"sessionId,omitempty"`
	StoreID   string       `json:"storeId,omitempty"`
	Seq       int64        `json:"seq,omitempty"`
	Data      any          `json:"data"`
}

// AgentRequestedData is delivered to the store admin room.
type AgentRequestedData struct {
	SessionID    string    `json:"sessionId"`
	CustomerName string    `json:"customerName"`
	Source       string    `json:"source"`
	RequestedAt  time.Time `json:"requestedAt"`
}

// AgentTakeoverData announces the assigned agent.
type AgentTakeoverData struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
}

// TypingData relays a typing indicator.
type TypingData struct {
	SessionID string            `json:"sessionId"`
	UserType  domain.ViewerRole `json:"userType"`
	IsTyping  bool              `json:"isTyping"`
}

// AgentViewingData tells session subscribers an operator opened the session.
type AgentViewingData struct {
	SessionID string `json:"sessionId"`
	AgentName string `json:"agentName,omitempty"`
}

// SessionResolvedData announces the terminal transition.
type SessionResolvedData struct {
	SessionID string    `json:"sessionId"`
	EndedAt   time.Time `json:"endedAt"`
	Reason    string    `json:"reason,omitempty"`
}

// SessionActivityData keeps dashboard session lists current.
type SessionActivityData struct {
	SessionID     string        `json:"sessionId"`
	Status        domain.Status `json:"status"`
	LastMessage   string        `json:"lastMessage"`
	LastMessageAt time.Time     `json:"lastMessageAt"`
	Sender        domain.Sender `json:"sender"`
	UnreadCount   int           `json:"unreadCount"`
}

// UnreadCountData reports the agent unread count after a mark-read.
type UnreadCountData struct {
	SessionID   string `json:"sessionId"`
	UnreadCount int    `json:"unreadCount"`
}

// PresenceData is sent to a connection when it joins a session.
type PresenceData struct {
	SessionID string          `json:"sessionId"`
	Viewers   []PresenceEntry `json:"viewers"`
}
