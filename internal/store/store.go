// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/shopchat/internal/domain"
)

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	StoreID  string
	Statuses []domain.Status // empty means any status
	Search   string          // substring of customer name or email
	Since    time.Time       // zero means no lower bound on startedAt
	Limit    int
}

// Repository defines the interface for persisting stores, sessions and messages.
type Repository interface {
	// EnsureStore finds the store for a shop domain, creating it if absent.
	EnsureStore(ctx context.Context, shopDomain string) (*domain.Store, error)

	// GetStore retrieves a store by ID. Returns nil, nil when it does not exist.
	GetStore(ctx context.Context, storeID string) (*domain.Store, error)

	// CreateSession inserts a new session.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by ID. Returns nil, nil when it does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns sessions matching the filter, newest first.
	ListSessions(ctx context.Context, filter SessionFilter) ([]*domain.Session, error)

	// ListActiveSummaries returns non-resolved sessions of a store ordered by
	// updatedAt descending, each with its last message and unread count.
	ListActiveSummaries(ctx context.Context, storeID string) ([]*domain.SessionSummary, error)

	// SessionStats counts sessions per status for a store started since the given time.
	SessionStats(ctx context.Context, storeID string, since time.Time) (*domain.SessionStats, error)

	// Commit atomically writes the session row and appends messages.
	// Either everything is persisted or nothing is. session.Version must be
	// exactly one past the stored version, otherwise ErrVersionConflict.
	Commit(ctx context.Context, session *domain.Session, messages ...*domain.Message) error

	// ListMessages returns a session transcript ordered by sentAt, then sequence.
	ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error)

	// MarkRead flips readByAgent on customer messages of a session up to and
	// including the given message. An empty messageID marks every message.
	// Returns how many messages changed.
	MarkRead(ctx context.Context, sessionID, messageID string) (int, error)

	// CountUnread returns customer messages not yet read by an agent.
	CountUnread(ctx context.Context, sessionID string) (int, error)

	// ListIdleSessions returns non-resolved sessions not updated since the cutoff.
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*domain.Session, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
