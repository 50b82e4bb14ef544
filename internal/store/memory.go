package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shopchat/internal/domain"
	"github.com/google/uuid"
)

// Memory implements Repository in process memory. It is used for tests and
// for STORE_DRIVER=memory deployments where durability is not required.
type Memory struct {
	mu       sync.RWMutex
	stores   map[string]*domain.Store // by ID
	byDomain map[string]string
	sessions map[string]*domain.Session
	messages map[string][]*domain.Message
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		stores:   make(map[string]*domain.Store),
		byDomain: make(map[string]string),
		sessions: make(map[string]*domain.Session),
		messages: make(map[string][]*domain.Message),
	}
}

var _ Repository = (*Memory)(nil)
var _ Repository = (*SQLiteStore)(nil)

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// EnsureStore finds or creates the store for a shop domain.
func (m *Memory) EnsureStore(_ context.Context, shopDomain string) (*domain.Store, error) {
	shopDomain = strings.ToLower(strings.TrimSpace(shopDomain))
	if shopDomain == "" {
		return nil, errors.New("shop domain cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byDomain[shopDomain]; ok {
		st := *m.stores[id]
		return &st, nil
	}
	st := &domain.Store{
		ID:         uuid.NewString(),
		ShopDomain: shopDomain,
		ShopName:   domain.ShopNameFromDomain(shopDomain),
		CreatedAt:  time.Now(),
	}
	m.stores[st.ID] = st
	m.byDomain[shopDomain] = st.ID
	out := *st
	return &out, nil
}

// GetStore retrieves a store by ID.
func (m *Memory) GetStore(_ context.Context, storeID string) (*domain.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.stores[storeID]
	if !ok {
		return nil, nil
	}
	out := *st
	return &out, nil
}

// CreateSession inserts a new session.
func (m *Memory) CreateSession(_ context.Context, session *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[session.ID]; exists {
		return fmt.Errorf("insert session: duplicate id %s", session.ID)
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

// GetSession retrieves a session by ID.
func (m *Memory) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID].Clone(), nil
}

// ListSessions returns sessions matching the filter, newest first.
func (m *Memory) ListSessions(_ context.Context, filter SessionFilter) ([]*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	search := strings.ToLower(filter.Search)
	var out []*domain.Session
	for _, s := range m.sessions {
		if s.StoreID != filter.StoreID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, s.Status) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(s.CustomerName), search) &&
			!strings.Contains(strings.ToLower(s.CustomerEmail), search) {
			continue
		}
		if !filter.Since.IsZero() && s.StartedAt.Before(filter.Since) {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListActiveSummaries returns the live dashboard rows for a store.
func (m *Memory) ListActiveSummaries(_ context.Context, storeID string) ([]*domain.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.SessionSummary
	for _, s := range m.sessions {
		if s.StoreID != storeID || s.Status.Terminal() {
			continue
		}
		sum := &domain.SessionSummary{Session: *s.Clone()}
		msgs := sortedMessages(m.messages[s.ID])
		for i := len(msgs) - 1; i >= 0; i-- {
			if !msgs[i].Superseded {
				t := msgs[i].SentAt
				sum.LastMessage = msgs[i].Text
				sum.LastMessageAt = &t
				break
			}
		}
		for _, msg := range msgs {
			if msg.CountsAsUnread() {
				sum.UnreadCount++
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// SessionStats counts sessions per status.
func (m *Memory) SessionStats(_ context.Context, storeID string, since time.Time) (*domain.SessionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &domain.SessionStats{}
	for _, s := range m.sessions {
		if s.StoreID == storeID && !s.StartedAt.Before(since) {
			addStat(stats, s.Status, 1)
		}
	}
	return stats, nil
}

// Commit writes the session row and appends messages atomically.
func (m *Memory) Commit(_ context.Context, session *domain.Session, messages ...*domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[session.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionMissing, session.ID)
	}
	if cur.Version != session.Version-1 {
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, session.ID, session.Version-1)
	}
	existing := make(map[int64]bool, len(m.messages[session.ID]))
	for _, msg := range m.messages[session.ID] {
		existing[msg.Sequence] = true
	}
	for _, msg := range messages {
		if msg.SessionID != session.ID {
			return fmt.Errorf("message %s belongs to session %s, not %s", msg.ID, msg.SessionID, session.ID)
		}
		if existing[msg.Sequence] {
			return fmt.Errorf("insert message: duplicate sequence %d", msg.Sequence)
		}
	}

	next := session.Clone()
	next.Token = cur.Token
	next.Metadata = cur.Metadata
	m.sessions[session.ID] = next
	for _, msg := range messages {
		cp := *msg
		m.messages[session.ID] = append(m.messages[session.ID], &cp)
	}
	return nil
}

// ListMessages returns a session transcript ordered by sentAt, then sequence.
func (m *Memory) ListMessages(_ context.Context, sessionID string) ([]*domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := sortedMessages(m.messages[sessionID])
	out := make([]*domain.Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

// MarkRead flips readByAgent on customer messages up to messageID.
func (m *Memory) MarkRead(_ context.Context, sessionID, messageID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := int64(-1)
	if messageID != "" {
		for _, msg := range m.messages[sessionID] {
			if msg.ID == messageID {
				limit = msg.Sequence
				break
			}
		}
		if limit < 0 {
			return 0, nil
		}
	}

	changed := 0
	for _, msg := range m.messages[sessionID] {
		if !msg.CountsAsUnread() {
			continue
		}
		if limit >= 0 && msg.Sequence > limit {
			continue
		}
		msg.ReadByAgent = true
		changed++
	}
	return changed, nil
}

// CountUnread returns customer messages not yet read by an agent.
func (m *Memory) CountUnread(_ context.Context, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, msg := range m.messages[sessionID] {
		if msg.CountsAsUnread() {
			n++
		}
	}
	return n, nil
}

// ListIdleSessions returns non-resolved sessions not updated since cutoff.
func (m *Memory) ListIdleSessions(_ context.Context, cutoff time.Time) ([]*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Session
	for _, s := range m.sessions {
		if !s.Status.Terminal() && s.UpdatedAt.Before(cutoff) {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func sortedMessages(msgs []*domain.Message) []*domain.Message {
	out := append([]*domain.Message(nil), msgs...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.Before(out[j].SentAt)
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

func containsStatus(list []domain.Status, s domain.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
