package chat

import (
	"time"

	"github.com/ashureev/shopchat/internal/domain"
)

// transitions lists the legal status changes. Resolved has none.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusActive:        {domain.StatusNeedsAgent, domain.StatusAgentTakeover, domain.StatusResolved},
	domain.StatusNeedsAgent:    {domain.StatusAgentTakeover, domain.StatusResolved},
	domain.StatusAgentTakeover: {domain.StatusResolved},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to domain.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Snapshot is the part of a session the state machine reads.
type Snapshot struct {
	Status    domain.Status
	Agent     *domain.Agent
	UpdatedAt time.Time
}

// Decision is the state machine's verdict on an accepted event.
type Decision struct {
	Next       domain.Status
	Agent      *domain.Agent // assigned agent after the event
	AIHandled  bool
	Transition bool // status changes
	Append     bool // event produces a transcript message
	Superseded bool // message is kept in the transcript but not delivered live
	NoOp       bool // accepted; nothing to persist or broadcast
}

// Decide applies ev to the current snapshot. It has no side effects.
func Decide(cur Snapshot, ev Event) (Decision, error) {
	if cur.Status.Terminal() {
		return Decision{}, ErrSessionClosed
	}
	if !cur.Status.Valid() {
		return Decision{}, newError(CodeInvalidTransition, "unknown status "+string(cur.Status), nil)
	}

	d := Decision{Next: cur.Status, Agent: cur.Agent, AIHandled: cur.Status == domain.StatusActive}

	switch e := ev.(type) {
	case CustomerMessage:
		d.Append = true

	case AIReply:
		d.Append = true
		d.Superseded = cur.Status != domain.StatusActive

	case AgentRequest:
		if cur.Status != domain.StatusActive {
			d.NoOp = true
			return d, nil
		}
		return d.moveTo(domain.StatusNeedsAgent)

	case TakeoverRequest:
		if cur.Status == domain.StatusAgentTakeover {
			if cur.Agent != nil && cur.Agent.ID == e.Agent.ID {
				d.NoOp = true
				return d, nil
			}
			return Decision{}, ErrAlreadyTakenOver
		}
		agent := e.Agent
		if agent.Name == "" {
			agent.Name = agent.ID
		}
		d.Agent = &agent
		return d.moveTo(domain.StatusAgentTakeover)

	case AgentMessage:
		if cur.Status != domain.StatusAgentTakeover || cur.Agent == nil || cur.Agent.ID != e.Agent.ID {
			return Decision{}, ErrNotAuthorized
		}
		d.Append = true

	case Resolve:
		if !e.IdleCutoff.IsZero() && cur.UpdatedAt.After(e.IdleCutoff) {
			return Decision{}, ErrNotIdle
		}
		d.Agent = nil
		return d.moveTo(domain.StatusResolved)

	default:
		return Decision{}, newError(CodeInvalidTransition, "unsupported event", nil)
	}
	return d, nil
}

func (d Decision) moveTo(next domain.Status) (Decision, error) {
	if !CanTransition(d.Next, next) {
		return Decision{}, ErrInvalidTransition
	}
	d.Next = next
	d.Transition = true
	if next == domain.StatusAgentTakeover || next == domain.StatusNeedsAgent {
		d.AIHandled = false
	}
	return d, nil
}
