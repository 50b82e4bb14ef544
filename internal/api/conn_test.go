//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"sync"

	"github.com/ashureev/shopchat/internal/chat"
)

type recordingConn struct {
	id     string
	mu     sync.Mutex
	events []chat.Outbound
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(_ context.Context, ev chat.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *recordingConn) types() []chat.OutboundType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.OutboundType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}
