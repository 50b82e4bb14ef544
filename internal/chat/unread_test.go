package chat

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/ashureev/shopchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countSource struct {
	n     atomic.Int32
	calls atomic.Int32
	gate  chan struct{}
}

func (s *countSource) CountUnread(context.Context, string) (int, error) {
	s.calls.Add(1)
	n := int(s.n.Load())
	if s.gate != nil {
		<-s.gate
	}
	return n, nil
}

func TestUnread_LazyRecomputeThenIncremental(t *testing.T) {
	src := &countSource{}
	src.n.Store(2)
	u := NewUnreadTracker(src)
	ctx := context.Background()

	u.Increment("s1", domain.RoleAgent) // not cached: ignored
	_, cached := u.Cached("s1", domain.RoleAgent)
	assert.False(t, cached)

	n, err := u.Count(ctx, "s1", domain.RoleAgent)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	u.Increment("s1", domain.RoleAgent)
	n, err = u.Count(ctx, "s1", domain.RoleAgent)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.EqualValues(t, 1, src.calls.Load())

	u.Decrement("s1", domain.RoleAgent, 5)
	n, _ = u.Count(ctx, "s1", domain.RoleAgent)
	assert.Equal(t, 0, n, "never negative")

	u.Reset("s1", domain.RoleAgent)
	n, _ = u.Count(ctx, "s1", domain.RoleAgent)
	assert.Equal(t, 0, n)
}

func TestUnread_CustomerRoleNotTracked(t *testing.T) {
	u := NewUnreadTracker(&countSource{})
	u.Increment("s1", domain.RoleCustomer)
	n, err := u.Count(context.Background(), "s1", domain.RoleCustomer)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUnread_ConcurrentAdjustmentInvalidatesRecompute(t *testing.T) {
	src := &countSource{gate: make(chan struct{})}
	src.n.Store(1)
	u := NewUnreadTracker(src)

	done := make(chan int)
	go func() {
		n, _ := u.Count(context.Background(), "s1", domain.RoleAgent)
		done <- n
	}()

	// Wait until the recompute has read the store, then adjust concurrently.
	waitFor(t, defaultWait, func() bool { return src.calls.Load() == 1 })
	u.Increment("s1", domain.RoleAgent)
	close(src.gate)
	<-done

	_, cached := u.Cached("s1", domain.RoleAgent)
	assert.False(t, cached, "stale recompute must not be cached")

	src.n.Store(2)
	n, err := u.Count(context.Background(), "s1", domain.RoleAgent)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
