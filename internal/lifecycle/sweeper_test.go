package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shopchat/internal/chat"
	"github.com/ashureev/shopchat/internal/domain"
	"github.com/ashureev/shopchat/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, repo *store.Memory, storeID string, status domain.Status, updated time.Time) *domain.Session {
	t.Helper()
	s := &domain.Session{
		ID: uuid.NewString(), StoreID: storeID, Token: "tok", CustomerName: "Guest",
		Channel: "widget", Language: "en", Status: status, AIHandled: true,
		StartedAt: updated, UpdatedAt: updated,
	}
	require.NoError(t, repo.CreateSession(context.Background(), s))
	return s
}

func status(t *testing.T, repo *store.Memory, id string) domain.Status {
	t.Helper()
	s, err := repo.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s.Status
}

func TestSweep_ResolvesIdleSessions(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	router := chat.NewRouter(repo, chat.Options{})
	t.Cleanup(router.Close)

	st, err := repo.EnsureStore(ctx, "acme.myshopify.com")
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	idleActive := seed(t, repo, st.ID, domain.StatusActive, old)
	idleWaiting := seed(t, repo, st.ID, domain.StatusNeedsAgent, old)
	fresh := seed(t, repo, st.ID, domain.StatusActive, time.Now())

	res := Sweep(ctx, repo, router, time.Now().Add(-time.Hour), nil)
	assert.Equal(t, 2, res.Resolved)
	assert.Zero(t, res.Failed)

	assert.Equal(t, domain.StatusResolved, status(t, repo, idleActive.ID))
	assert.Equal(t, domain.StatusResolved, status(t, repo, idleWaiting.ID))
	assert.Equal(t, domain.StatusActive, status(t, repo, fresh.ID))

	again := Sweep(ctx, repo, router, time.Now().Add(-time.Hour), nil)
	assert.Zero(t, again.Resolved, "resolved sessions are not listed again")
}

type fakeRouter struct {
	mu      sync.Mutex
	errs    map[string]error
	handled []string
	evicted int
}

func (f *fakeRouter) Handle(_ context.Context, _ chat.Conn, sessionID string, ev chat.Event) (*chat.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := ev.(chat.Resolve); !ok || r.Reason != IdleReason || r.IdleCutoff.IsZero() {
		return nil, chat.Malformed("unexpected event")
	}
	f.handled = append(f.handled, sessionID)
	return nil, f.errs[sessionID]
}

func (f *fakeRouter) EvictIdle(time.Time) int { return f.evicted }

type fakeSessions struct {
	list []*domain.Session
	err  error
}

func (f fakeSessions) ListIdleSessions(context.Context, time.Time) ([]*domain.Session, error) {
	return f.list, f.err
}

func TestSweep_Outcomes(t *testing.T) {
	sessions := fakeSessions{list: []*domain.Session{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}}
	router := &fakeRouter{
		errs: map[string]error{
			"b": chat.ErrSessionClosed,
			"c": chat.ErrStoreUnavailable,
			"d": chat.ErrNotIdle,
		},
		evicted: 4,
	}

	res := Sweep(context.Background(), sessions, router, time.Now(), nil)
	assert.Equal(t, SweepResult{Resolved: 1, Skipped: 1, Failed: 1, Evicted: 4}, res)
	assert.Equal(t, []string{"a", "b", "c", "d"}, router.handled)
}

// listThenTouch lists idle sessions, then lets the caller act on them before
// the sweep proceeds.
type listThenTouch struct {
	Sessions
	touch func(list []*domain.Session)
}

func (l listThenTouch) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*domain.Session, error) {
	list, err := l.Sessions.ListIdleSessions(ctx, cutoff)
	if err == nil {
		l.touch(list)
	}
	return list, err
}

func TestSweep_SkipsSessionActiveAfterListing(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	router := chat.NewRouter(repo, chat.Options{})
	t.Cleanup(router.Close)

	st, err := repo.EnsureStore(ctx, "acme.myshopify.com")
	require.NoError(t, err)
	busy := seed(t, repo, st.ID, domain.StatusActive, time.Now().Add(-2*time.Hour))
	quiet := seed(t, repo, st.ID, domain.StatusActive, time.Now().Add(-2*time.Hour))

	sessions := listThenTouch{Sessions: repo, touch: func(list []*domain.Session) {
		require.Len(t, list, 2)
		_, err := router.Handle(ctx, nil, busy.ID, chat.CustomerMessage{Text: "still there?"})
		require.NoError(t, err)
	}}

	res := Sweep(ctx, sessions, router, time.Now().Add(-time.Hour), nil)
	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Failed)

	assert.Equal(t, domain.StatusActive, status(t, repo, busy.ID))
	assert.Equal(t, domain.StatusResolved, status(t, repo, quiet.ID))
}

func TestSweep_ListFailure(t *testing.T) {
	router := &fakeRouter{evicted: 3}
	res := Sweep(context.Background(), fakeSessions{err: errors.New("disk I/O error")}, router, time.Now(), nil)
	assert.Equal(t, SweepResult{}, res)
	assert.Empty(t, router.handled)
}

func TestSweep_StopsWhenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	router := &fakeRouter{}
	Sweep(ctx, fakeSessions{list: []*domain.Session{{ID: "a"}}}, router, time.Now(), nil)
	assert.Empty(t, router.handled)
}

func TestStartSweeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := store.NewMemory()
	router := chat.NewRouter(repo, chat.Options{})
	t.Cleanup(router.Close)
	st, err := repo.EnsureStore(ctx, "acme.myshopify.com")
	require.NoError(t, err)
	idle := seed(t, repo, st.ID, domain.StatusActive, time.Now().Add(-time.Hour))

	StartSweeper(ctx, repo, router, time.Minute, 10*time.Millisecond, nil)

	assert.Eventually(t, func() bool {
		s, err := repo.GetSession(context.Background(), idle.ID)
		return err == nil && s != nil && s.Status == domain.StatusResolved
	}, 2*time.Second, 10*time.Millisecond)
}
