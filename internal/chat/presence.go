package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/ashureev/shopchat/internal/domain"
)

// DefaultTypingExpiry clears a typing indicator that is not refreshed.
const DefaultTypingExpiry = 3 * time.Second

// PresenceEntry is the ephemeral state of one viewer in one session.
type PresenceEntry struct {
	SessionID      string            `json:"sessionId"`
	Role           domain.ViewerRole `json:"userType"`
	ViewerID       string            `json:"viewerId"`
	IsTyping       bool              `json:"isTyping"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
}

type presenceState struct {
	entry PresenceEntry
	timer *time.Timer
	gen   uint64
}

// PresenceTracker tracks connected viewers and typing indicators per session.
// A typing=true signal reverts to false after the expiry window unless refreshed.
type PresenceTracker struct {
	mu       sync.Mutex
	expiry   time.Duration
	sessions map[string]map[string]*presenceState // sessionID -> viewerID
	onExpire func(PresenceEntry)
	now      func() time.Time
}

// NewPresenceTracker creates a tracker. onExpire runs, outside the tracker lock,
// whenever a typing indicator lapses.
func NewPresenceTracker(expiry time.Duration, onExpire func(PresenceEntry)) *PresenceTracker {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	return &PresenceTracker{
		expiry:   expiry,
		sessions: make(map[string]map[string]*presenceState),
		onExpire: onExpire,
		now:      time.Now,
	}
}

// Touch records a viewer as present without changing its typing state.
func (p *PresenceTracker) Touch(sessionID string, role domain.ViewerRole, viewerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stateLocked(sessionID, role, viewerID)
	st.entry.LastActivityAt = p.now()
}

// SetTyping upserts the viewer's typing flag and reports whether it changed.
// Every typing=true call restarts the expiry timer.
func (p *PresenceTracker) SetTyping(sessionID string, role domain.ViewerRole, viewerID string, isTyping bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.stateLocked(sessionID, role, viewerID)
	changed := st.entry.IsTyping != isTyping
	st.entry.IsTyping = isTyping
	st.entry.Role = role
	st.entry.LastActivityAt = p.now()

	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen++
	if isTyping {
		gen := st.gen
		st.timer = time.AfterFunc(p.expiry, func() { p.expire(sessionID, viewerID, gen) })
	}
	return changed
}

func (p *PresenceTracker) expire(sessionID, viewerID string, gen uint64) {
	var lapsed *PresenceEntry
	p.mu.Lock()
	if st, ok := p.sessions[sessionID][viewerID]; ok && st.gen == gen && st.entry.IsTyping {
		st.entry.IsTyping = false
		st.timer = nil
		e := st.entry
		lapsed = &e
	}
	cb := p.onExpire
	p.mu.Unlock()

	if lapsed != nil && cb != nil {
		cb(*lapsed)
	}
}

// Remove drops a viewer from a session and returns its last entry.
// ok is false if the viewer was not present.
func (p *PresenceTracker) Remove(sessionID, viewerID string) (PresenceEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(sessionID, viewerID)
}

// RemoveViewer drops a viewer from every session, returning the removed entries.
func (p *PresenceTracker) RemoveViewer(viewerID string) []PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PresenceEntry
	for sid := range p.sessions {
		if e, ok := p.removeLocked(sid, viewerID); ok {
			out = append(out, e)
		}
	}
	return out
}

func (p *PresenceTracker) removeLocked(sessionID, viewerID string) (PresenceEntry, bool) {
	viewers, ok := p.sessions[sessionID]
	if !ok {
		return PresenceEntry{}, false
	}
	st, ok := viewers[viewerID]
	if !ok {
		return PresenceEntry{}, false
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.gen++
	delete(viewers, viewerID)
	if len(viewers) == 0 {
		delete(p.sessions, sessionID)
	}
	return st.entry, true
}

// Clear forgets every viewer of a session.
func (p *PresenceTracker) Clear(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.sessions[sessionID] {
		p.removeLocked(sessionID, id)
	}
}

// Snapshot returns the viewers of a session ordered by viewer ID.
func (p *PresenceTracker) Snapshot(sessionID string) []PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PresenceEntry, 0, len(p.sessions[sessionID]))
	for _, st := range p.sessions[sessionID] {
		out = append(out, st.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ViewerID < out[j].ViewerID })
	return out
}

// IsTyping reports whether any viewer with role is typing in the session.
func (p *PresenceTracker) IsTyping(sessionID string, role domain.ViewerRole) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.sessions[sessionID] {
		if st.entry.Role == role && st.entry.IsTyping {
			return true
		}
	}
	return false
}

// Stop cancels every pending expiry timer.
func (p *PresenceTracker) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, viewers := range p.sessions {
		for _, st := range viewers {
			if st.timer != nil {
				st.timer.Stop()
				st.timer = nil
			}
			st.gen++
		}
	}
}

func (p *PresenceTracker) stateLocked(sessionID string, role domain.ViewerRole, viewerID string) *presenceState {
	viewers, ok := p.sessions[sessionID]
	if !ok {
		viewers = make(map[string]*presenceState)
		p.sessions[sessionID] = viewers
	}
	st, ok := viewers[viewerID]
	if !ok {
		st = &presenceState{entry: PresenceEntry{SessionID: sessionID, Role: role, ViewerID: viewerID}}
		viewers[viewerID] = st
	}
	return st
}
