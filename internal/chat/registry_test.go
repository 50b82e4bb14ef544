package chat

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shopchat/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(timeout time.Duration) *Registry {
	return NewRegistry(timeout, NewMetrics(prometheus.NewRegistry()), nil)
}

func TestRegistry_JoinLeaveIdempotent(t *testing.T) {
	reg := newTestRegistry(time.Second)
	c := newFakeConn("c1")
	reg.Attach(c)
	reg.Attach(c)

	joined, err := reg.Join("s1", c, domain.RoleCustomer)
	require.NoError(t, err)
	assert.True(t, joined)

	joined, err = reg.Join("s1", c, domain.RoleCustomer)
	require.NoError(t, err)
	assert.False(t, joined)
	assert.Equal(t, []string{"c1"}, reg.Subscribers("s1"))

	assert.True(t, reg.Leave("s1", "c1"))
	assert.False(t, reg.Leave("s1", "c1"))
	assert.Empty(t, reg.Subscribers("s1"))
}

func TestRegistry_JoinRequiresAttach(t *testing.T) {
	reg := newTestRegistry(time.Second)
	c := newFakeConn("c1")

	_, err := reg.Join("s1", c, domain.RoleCustomer)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	reg.Attach(c)
	reg.Detach("c1")
	assert.ErrorIs(t, reg.JoinAdmin("store", c), ErrConnectionClosed)
	assert.False(t, reg.IsAttached("c1"))
}

func TestRegistry_BroadcastExcludesOrigin(t *testing.T) {
	reg := newTestRegistry(time.Second)
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	for _, conn := range []*fakeConn{a, b, c} {
		reg.Attach(conn)
		_, err := reg.Join("s1", conn, domain.RoleAgent)
		require.NoError(t, err)
	}

	d := reg.Broadcast(context.Background(), "s1", Outbound{Type: OutTyping, SessionID: "s1"}, "a")
	assert.Equal(t, 2, d.Delivered)
	assert.Empty(t, a.received(OutTyping))
	assert.Len(t, b.received(OutTyping), 1)
	assert.Len(t, c.received(OutTyping), 1)
}

func TestRegistry_FailedSubscriberIsPruned(t *testing.T) {
	reg := newTestRegistry(time.Second)
	good, bad := newFakeConn("good"), newFakeConn("bad")
	bad.fail = true

	var pruned []string
	reg.OnPrune(func(connID string, sessions []string) {
		pruned = append(pruned, connID)
		assert.Equal(t, []string{"s1"}, sessions)
	})

	for _, conn := range []*fakeConn{good, bad} {
		reg.Attach(conn)
		_, err := reg.Join("s1", conn, domain.RoleCustomer)
		require.NoError(t, err)
	}

	d := reg.Broadcast(context.Background(), "s1", Outbound{Type: OutNewMessage})
	assert.Equal(t, 1, d.Delivered)
	assert.Equal(t, []string{"bad"}, d.Failed)
	assert.Len(t, good.received(OutNewMessage), 1)
	assert.Equal(t, []string{"good"}, reg.Subscribers("s1"))
	assert.False(t, reg.IsAttached("bad"))
	assert.True(t, bad.isClosed())
	assert.Equal(t, []string{"bad"}, pruned)
}

func TestRegistry_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	reg := newTestRegistry(30 * time.Millisecond)
	fast, slow := newFakeConn("fast"), newFakeConn("slow")
	slow.block = true
	for _, conn := range []*fakeConn{fast, slow} {
		reg.Attach(conn)
		_, err := reg.Join("s1", conn, domain.RoleCustomer)
		require.NoError(t, err)
	}

	start := time.Now()
	d := reg.Broadcast(context.Background(), "s1", Outbound{Type: OutNewMessage})
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, d.Delivered)
	assert.Len(t, fast.received(OutNewMessage), 1)
	assert.Equal(t, []string{"fast"}, reg.Subscribers("s1"))
}

func TestRegistry_AdminRoom(t *testing.T) {
	reg := newTestRegistry(time.Second)
	op1, op2, other := newFakeConn("op1"), newFakeConn("op2"), newFakeConn("other")
	for _, c := range []*fakeConn{op1, op2, other} {
		reg.Attach(c)
	}
	require.NoError(t, reg.JoinAdmin("store-a", op1))
	require.NoError(t, reg.JoinAdmin("store-a", op1))
	require.NoError(t, reg.JoinAdmin("store-a", op2))
	require.NoError(t, reg.JoinAdmin("store-b", other))
	assert.Equal(t, 2, reg.AdminCount("store-a"))

	reg.BroadcastAdmin(context.Background(), "store-a", Outbound{Type: OutAgentRequested})
	assert.Len(t, op1.received(OutAgentRequested), 1)
	assert.Len(t, op2.received(OutAgentRequested), 1)
	assert.Empty(t, other.received(OutAgentRequested))

	reg.Detach("op2")
	assert.Equal(t, 1, reg.AdminCount("store-a"))
	reg.LeaveAdmin("store-a", "op1")
	assert.Equal(t, 0, reg.AdminCount("store-a"))
}

func TestRegistry_ConcurrentJoinLeave(t *testing.T) {
	reg := newTestRegistry(time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn("c" + strconv.Itoa(i))
			reg.Attach(c)
			_, _ = reg.Join("s1", c, domain.RoleCustomer)
			reg.Broadcast(context.Background(), "s1", Outbound{Type: OutTyping})
			if i%2 == 0 {
				reg.Leave("s1", c.ID())
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, reg.Subscribers("s1"), 25)
}
