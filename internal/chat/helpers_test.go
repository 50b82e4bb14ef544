package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/shopchat/internal/domain"
	"github.com/ashureev/shopchat/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []Outbound
	fail   bool
	block  bool
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, ev Outbound) error {
	c.mu.Lock()
	fail, block := c.fail, c.block
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) received(typ OutboundType) []Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Outbound
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) messages() []*domain.Message {
	var out []*domain.Message
	for _, ev := range c.received(OutNewMessage) {
		out = append(out, ev.Data.(*domain.Message))
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// testStore wraps the in-memory repository with failure injection and call counting.
type testStore struct {
	*store.Memory
	gets       atomic.Int32
	getDelay   time.Duration
	failCommit atomic.Bool
	// conflictCommit makes every commit lose to a concurrent writer.
	conflictCommit atomic.Bool
}

func (s *testStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	s.gets.Add(1)
	if s.getDelay > 0 {
		time.Sleep(s.getDelay)
	}
	return s.Memory.GetSession(ctx, id)
}

func (s *testStore) Commit(ctx context.Context, session *domain.Session, msgs ...*domain.Message) error {
	if s.failCommit.Load() {
		return errors.New("disk I/O error")
	}
	if s.conflictCommit.Load() {
		return fmt.Errorf("%w: %s", store.ErrVersionConflict, session.ID)
	}
	return s.Memory.Commit(ctx, session, msgs...)
}

func newTestStore() *testStore {
	return &testStore{Memory: store.NewMemory()}
}

func createSession(t *testing.T, repo store.Repository) *domain.Session {
	t.Helper()
	ctx := context.Background()
	st, err := repo.EnsureStore(ctx, "test.myshopify.com")
	require.NoError(t, err)
	now := time.Now()
	s := &domain.Session{
		ID:            uuid.NewString(),
		StoreID:       st.ID,
		Token:         "tok",
		CustomerName:  "Guest",
		CustomerEmail: "guest@temp.com",
		Channel:       "widget",
		Language:      "en",
		Status:        domain.StatusActive,
		AIHandled:     true,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, repo.CreateSession(ctx, s))
	return s
}

func newTestRouter(t *testing.T, opts Options) (*Router, *testStore) {
	t.Helper()
	ts := newTestStore()
	r := NewRouter(ts, opts)
	t.Cleanup(r.Close)
	return r, ts
}

// join attaches a fake connection and subscribes it to the session.
func join(t *testing.T, r *Router, sessionID string, role domain.ViewerRole, id string) *fakeConn {
	t.Helper()
	c := newFakeConn(id)
	r.Attach(c)
	_, err := r.Join(context.Background(), c, sessionID, role, nil)
	require.NoError(t, err)
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

const defaultWait = 2 * time.Second
