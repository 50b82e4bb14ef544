package chat

import (
	"context"
	"sync"

	"github.com/ashureev/shopchat/internal/domain"
)

// UnreadSource recomputes the durable unread count.
type UnreadSource interface {
	CountUnread(ctx context.Context, sessionID string) (int, error)
}

type unreadKey struct {
	sessionID string
	role      domain.ViewerRole
}

// UnreadTracker caches per-session, per-role unread counters. Only the agent
// role is tracked; the readByAgent flag in the store stays the source of truth.
//
// Counters are adjusted incrementally only once cached. Every adjustment bumps a
// version so that a concurrent recompute never caches a count that missed it.
type UnreadTracker struct {
	mu       sync.Mutex
	source   UnreadSource
	counts   map[unreadKey]int
	versions map[unreadKey]uint64
}

// NewUnreadTracker creates a tracker that recomputes from source on a cache miss.
func NewUnreadTracker(source UnreadSource) *UnreadTracker {
	return &UnreadTracker{
		source:   source,
		counts:   make(map[unreadKey]int),
		versions: make(map[unreadKey]uint64),
	}
}

// Increment counts one new customer message for role.
func (u *UnreadTracker) Increment(sessionID string, role domain.ViewerRole) {
	u.adjust(sessionID, role, 1)
}

// Decrement subtracts n read messages for role, never going below zero.
func (u *UnreadTracker) Decrement(sessionID string, role domain.ViewerRole, n int) {
	if n <= 0 {
		return
	}
	u.adjust(sessionID, role, -n)
}

func (u *UnreadTracker) adjust(sessionID string, role domain.ViewerRole, delta int) {
	if role != domain.RoleAgent {
		return
	}
	k := unreadKey{sessionID, role}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.versions[k]++
	if n, ok := u.counts[k]; ok {
		n += delta
		if n < 0 {
			n = 0
		}
		u.counts[k] = n
	}
}

// Reset sets the counter for role to zero.
func (u *UnreadTracker) Reset(sessionID string, role domain.ViewerRole) {
	if role != domain.RoleAgent {
		return
	}
	k := unreadKey{sessionID, role}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.versions[k]++
	u.counts[k] = 0
}

// Count returns the cached counter, recomputing it from the store on a miss.
func (u *UnreadTracker) Count(ctx context.Context, sessionID string, role domain.ViewerRole) (int, error) {
	if role != domain.RoleAgent {
		return 0, nil
	}
	k := unreadKey{sessionID, role}

	u.mu.Lock()
	if n, ok := u.counts[k]; ok {
		u.mu.Unlock()
		return n, nil
	}
	version := u.versions[k]
	u.mu.Unlock()

	n, err := u.source.CountUnread(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if cached, ok := u.counts[k]; ok {
		return cached, nil
	}
	if u.versions[k] == version {
		u.counts[k] = n
	}
	return n, nil
}

// Cached returns the counter without touching the store.
func (u *UnreadTracker) Cached(sessionID string, role domain.ViewerRole) (int, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	n, ok := u.counts[unreadKey{sessionID, role}]
	return n, ok
}

// Reconcile discards the cached counter and recomputes it from the store.
func (u *UnreadTracker) Reconcile(ctx context.Context, sessionID string, role domain.ViewerRole) (int, error) {
	u.Forget(sessionID)
	return u.Count(ctx, sessionID, role)
}

// Forget drops every cached counter of a session.
func (u *UnreadTracker) Forget(sessionID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for k := range u.counts {
		if k.sessionID == sessionID {
			delete(u.counts, k)
		}
	}
	for k := range u.versions {
		if k.sessionID == sessionID {
			delete(u.versions, k)
		}
	}
}
