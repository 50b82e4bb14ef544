package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Sender is the author role of a message.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderAI       Sender = "ai"
	SenderAgent    Sender = "agent"
	SenderSystem   Sender = "system"
)

// ParseSender normalizes a sender name. Upper-case names from older widgets are accepted.
func ParseSender(s string) (Sender, bool) {
	switch v := Sender(strings.ToLower(strings.TrimSpace(s))); v {
	case SenderCustomer, SenderAI, SenderAgent, SenderSystem:
		return v, true
	}
	return "", false
}

// ViewerRole is the role a connection views a session as.
type ViewerRole string

const (
	RoleCustomer ViewerRole = "customer"
	RoleAgent    ViewerRole = "agent"
)

// ParseViewerRole normalizes a viewer role.
func ParseViewerRole(s string) (ViewerRole, bool) {
	switch v := ViewerRole(strings.ToLower(strings.TrimSpace(s))); v {
	case RoleCustomer, RoleAgent:
		return v, true
	}
	return "", false
}

// Message is one append-only turn in a session transcript.
type Message struct {
	ID                  string          `json:"id"`
	SessionID           string          `json:"sessionId"`
	Sequence            int64           `json:"sequence"`
	Sender              Sender          `json:"sender"`
	Text                string          `json:"message"`
	AgentName           string          `json:"agentName,omitempty"`
	Intent              string          `json:"intent,omitempty"`
	Confidence          *float64        `json:"confidence,omitempty"`
	RecommendedProducts json.RawMessage `json:"recommendedProducts,omitempty"`
	ReadByAgent         bool            `json:"readByAgent"`
	Superseded          bool            `json:"superseded,omitempty"`
	SentAt              time.Time       `json:"sentAt"`
}

// CountsAsUnread reports whether the message contributes to the agent unread count.
func (m *Message) CountsAsUnread() bool {
	return m.Sender == SenderCustomer && !m.ReadByAgent
}
