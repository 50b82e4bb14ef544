package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shopchat/internal/chat"
	"github.com/ashureev/shopchat/internal/domain"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// view is how a connection joined one session.
type view struct {
	role  domain.ViewerRole
	agent *domain.Agent
}

// wsConn adapts a websocket to chat.Conn. Frames are queued on send and
// written by a single write pump, so Send never touches the socket.
type wsConn struct {
	id        string
	visitorID string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
	logger    *slog.Logger

	mu    sync.Mutex
	views map[string]view // sessionID -> view
}

func newWSConn(id, visitorID string, ws *websocket.Conn, buffer int, limiter *rate.Limiter, logger *slog.Logger) *wsConn {
	return &wsConn{
		id:        id,
		visitorID: visitorID,
		ws:        ws,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		limiter:   limiter,
		logger:    logger,
		views:     make(map[string]view),
	}
}

// ID implements chat.Conn.
func (c *wsConn) ID() string { return c.id }

// Send implements chat.Conn. It blocks while the queue is full until ctx expires.
func (c *wsConn) Send(ctx context.Context, ev chat.Outbound) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, data)
}

func (c *wsConn) enqueue(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return chat.ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return chat.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) reply(typ, requestID string, data any) {
	frame, err := json.Marshal(reply{Type: typ, RequestID: requestID, Data: data})
	if err != nil {
		c.logger.Error("Failed to encode reply", "conn_id", c.id, "type", typ, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.enqueue(ctx, frame); err != nil {
		c.logger.Debug("Reply not queued", "conn_id", c.id, "type", typ, "error", err)
	}
}

// Close tears the connection down. Safe to call more than once and from any goroutine.
func (c *wsConn) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		go func() {
			if err := c.ws.Close(websocket.StatusPolicyViolation, reason); err != nil {
				c.logger.Debug("Failed to close websocket", "conn_id", c.id, "error", err)
			}
		}()
	})
}

// writePump is the only writer of the socket.
func (c *wsConn) writePump(ctx context.Context, writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.logger.Debug("WebSocket write error", "conn_id", c.id, "error", err)
				c.Close("write failed")
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				c.logger.Debug("WebSocket ping failed", "conn_id", c.id, "error", err)
				c.Close("ping timeout")
				return
			}
		}
	}
}

func (c *wsConn) setView(sessionID string, v view) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[sessionID] = v
}

func (c *wsConn) dropView(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.views, sessionID)
}

func (c *wsConn) viewOf(sessionID string) (view, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.views[sessionID]
	return v, ok
}
