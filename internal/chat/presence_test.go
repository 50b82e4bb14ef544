package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shopchat/internal/domain"
	"github.com/stretchr/testify/assert"
)

type expiryLog struct {
	mu      sync.Mutex
	entries []PresenceEntry
}

func (l *expiryLog) add(e PresenceEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *expiryLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func TestPresence_TypingExpires(t *testing.T) {
	var log expiryLog
	p := NewPresenceTracker(30*time.Millisecond, log.add)
	defer p.Stop()

	assert.True(t, p.SetTyping("s1", domain.RoleCustomer, "c1", true))
	assert.True(t, p.IsTyping("s1", domain.RoleCustomer))

	waitFor(t, time.Second, func() bool { return log.len() == 1 })
	assert.False(t, p.IsTyping("s1", domain.RoleCustomer))
	assert.False(t, log.entries[0].IsTyping)
	assert.Equal(t, "c1", log.entries[0].ViewerID)
}

func TestPresence_RefreshExtendsWindow(t *testing.T) {
	var log expiryLog
	p := NewPresenceTracker(80*time.Millisecond, log.add)
	defer p.Stop()

	p.SetTyping("s1", domain.RoleAgent, "a1", true)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, p.SetTyping("s1", domain.RoleAgent, "a1", true), "refresh is not a change")
	time.Sleep(50 * time.Millisecond)
	assert.True(t, p.IsTyping("s1", domain.RoleAgent), "refreshed indicator still active")

	waitFor(t, time.Second, func() bool { return log.len() == 1 })
	assert.Equal(t, 1, log.len(), "only the last timer fires")
}

func TestPresence_ExplicitStopCancelsExpiry(t *testing.T) {
	var log expiryLog
	p := NewPresenceTracker(20*time.Millisecond, log.add)
	defer p.Stop()

	p.SetTyping("s1", domain.RoleCustomer, "c1", true)
	assert.True(t, p.SetTyping("s1", domain.RoleCustomer, "c1", false))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, log.len())
}

func TestPresence_RemoveViewer(t *testing.T) {
	var log expiryLog
	p := NewPresenceTracker(20*time.Millisecond, log.add)
	defer p.Stop()

	p.Touch("s1", domain.RoleCustomer, "c1")
	p.SetTyping("s2", domain.RoleCustomer, "c1", true)
	p.Touch("s1", domain.RoleAgent, "a1")

	removed := p.RemoveViewer("c1")
	assert.Len(t, removed, 2)
	assert.Len(t, p.Snapshot("s1"), 1)
	assert.Empty(t, p.Snapshot("s2"))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, log.len(), "removed viewer never fires")
}
