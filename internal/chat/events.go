package chat

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/shopchat/internal/domain"
)

// MaxMessageLength bounds message text in runes.
const MaxMessageLength = 4000

// EventKind names a session-mutating event.
type EventKind string

const (
	KindCustomerMessage EventKind = "customer_message"
	KindAIReply         EventKind = "ai_reply"
	KindAgentRequest    EventKind = "agent_request"
	KindTakeover        EventKind = "agent_takeover_request"
	KindAgentMessage    EventKind = "agent_message"
	KindResolve         EventKind = "resolve"
)

// Event is the closed set of events the state machine accepts.
// Implementations live in this package only.
type Event interface {
	Kind() EventKind
	validate() error
}

// CustomerMessage is a turn typed by the customer.
type CustomerMessage struct {
	Text   string
	SentAt time.Time // stamped at source; zero means now
}

// AIReply is a turn produced by the automated responder.
type AIReply struct {
	Text       string
	Intent     string
	Confidence *float64
	Products   json.RawMessage
	SentAt     time.Time
}

// AgentRequest asks for a human. Source is "customer" or "responder".
type AgentRequest struct {
	Source string
}

// TakeoverRequest is a human agent claiming the session.
type TakeoverRequest struct {
	Agent domain.Agent
}

// AgentMessage is a turn typed by a human agent.
type AgentMessage struct {
	Agent  domain.Agent
	Text   string
	SentAt time.Time
}

// Resolve closes the session.
type Resolve struct {
	Reason string
	// IdleCutoff, when set, rejects the resolve if the session saw activity
	// after it.
	IdleCutoff time.Time
}

func (CustomerMessage) Kind() EventKind { return KindCustomerMessage }
func (AIReply) Kind() EventKind         { return KindAIReply }
func (AgentRequest) Kind() EventKind    { return KindAgentRequest }
func (TakeoverRequest) Kind() EventKind { return KindTakeover }
func (AgentMessage) Kind() EventKind    { return KindAgentMessage }
func (Resolve) Kind() EventKind         { return KindResolve }

func (e CustomerMessage) validate() error { return validateText(e.Text) }

func (e AIReply) validate() error {
	if err := validateText(e.Text); err != nil {
		return err
	}
	if e.Confidence != nil && (*e.Confidence < 0 || *e.Confidence > 1) {
		return Malformed("confidence must be within [0,1]")
	}
	if len(e.Products) > 0 && !json.Valid(e.Products) {
		return Malformed("recommendedProducts is not valid JSON")
	}
	return nil
}

func (AgentRequest) validate() error { return nil }

func (e TakeoverRequest) validate() error {
	if strings.TrimSpace(e.Agent.ID) == "" {
		return Malformed("agentId is required")
	}
	return nil
}

func (e AgentMessage) validate() error {
	if strings.TrimSpace(e.Agent.ID) == "" {
		return Malformed("agentId is required")
	}
	return validateText(e.Text)
}

func (Resolve) validate() error { return nil }

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return Malformed("message text is required")
	}
	if !utf8.ValidString(text) {
		return Malformed("message text is not valid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return Malformed("message text exceeds %d characters", MaxMessageLength)
	}
	return nil
}

// Validate rejects nil and malformed events with MALFORMED_EVENT.
func Validate(ev Event) error {
	if ev == nil {
		return Malformed("event is required")
	}
	return ev.validate()
}
