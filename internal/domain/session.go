// Package domain contains core domain types for the shop chat service.
package domain

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a chat session.
type Status string

const (
	StatusActive        Status = "active"
	StatusNeedsAgent    Status = "needs_agent"
	StatusAgentTakeover Status = "agent_takeover"
	StatusResolved      Status = "resolved"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusNeedsAgent, StatusAgentTakeover, StatusResolved:
		return true
	}
	return false
}

// Terminal reports whether no further events are accepted in this status.
func (s Status) Terminal() bool {
	return s == StatusResolved
}

// Agent identifies a human operator.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Session is one customer conversation thread.
type Session struct {
	ID            string          `json:"id"`
	StoreID       string          `json:"storeId"`
	Token         string          `json:"sessionToken"`
	CustomerName  string          `json:"customerName"`
	CustomerEmail string          `json:"customerEmail"`
	Channel       string          `json:"channel"`
	Language      string          `json:"language"`
	Status        Status          `json:"status"`
	AIHandled     bool            `json:"aiHandled"`
	AssignedAgent *Agent          `json:"assignedAgent,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	MessageCount  int             `json:"messageCount"`
	LastSequence  int64           `json:"-"`
	BroadcastSeq  int64           `json:"-"` // last live event sequence handed out
	Version       int64           `json:"-"` // bumped on every commit
	StartedAt     time.Time       `json:"startedAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	EndedAt       *time.Time      `json:"endedAt,omitempty"`
}

// Clone returns a deep copy so callers can mutate it without touching cached state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.AssignedAgent != nil {
		a := *s.AssignedAgent
		c.AssignedAgent = &a
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), s.Metadata...)
	}
	return &c
}

// SessionSummary is a dashboard row: a session plus its latest message and unread count.
type SessionSummary struct {
	Session
	LastMessage   string     `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount   int        `json:"unreadCount"`
}

// SessionStats counts sessions per status for a store.
type SessionStats struct {
	Total      int `json:"total"`
	Active     int `json:"active"`
	NeedsAgent int `json:"needsAgent"`
	Takeover   int `json:"agentTakeover"`
	Resolved   int `json:"resolved"`
}
