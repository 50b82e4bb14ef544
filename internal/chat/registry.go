package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shopchat/internal/domain"
)

// Conn is a live transport connection as seen by the router.
// Send must not block for long; transports queue and write asynchronously.
type Conn interface {
	ID() string
	Send(ctx context.Context, ev Outbound) error
}

// closer is implemented by connections that can be torn down when pruned.
type closer interface {
	Close(reason string)
}

// Delivery summarizes one broadcast.
type Delivery struct {
	Delivered int
	Failed    []string
}

type member struct {
	conn Conn
	role domain.ViewerRole
}

type membership struct {
	conn     Conn
	sessions map[string]struct{}
	stores   map[string]struct{}
}

// Registry maps sessions and store admin rooms to live connections.
// It is safe for concurrent use and independent of per-session write locks.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]member // sessionID -> connID -> member
	admins   map[string]map[string]Conn   // storeID -> connID -> conn
	conns    map[string]*membership       // connID -> rooms it joined

	timeout time.Duration
	logger  *slog.Logger
	metrics *Metrics
	onPrune []func(connID string, sessions []string)
}

// NewRegistry creates an empty registry. timeout bounds each per-destination send.
func NewRegistry(timeout time.Duration, metrics *Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{
		sessions: make(map[string]map[string]member),
		admins:   make(map[string]map[string]Conn),
		conns:    make(map[string]*membership),
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics,
	}
}

// OnPrune registers a callback run after a failed subscriber is dropped.
func (r *Registry) OnPrune(fn func(connID string, sessions []string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPrune = append(r.onPrune, fn)
}

// Attach makes a connection eligible to join rooms. Idempotent.
func (r *Registry) Attach(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[conn.ID()]; ok {
		return
	}
	r.conns[conn.ID()] = &membership{
		conn:     conn,
		sessions: make(map[string]struct{}),
		stores:   make(map[string]struct{}),
	}
	if r.metrics != nil {
		r.metrics.Connections.Inc()
	}
}

// IsAttached reports whether the connection is attached and not yet detached.
func (r *Registry) IsAttached(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[connID]
	return ok
}

// Detach removes a connection from every room and returns the sessions it had joined.
func (r *Registry) Detach(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detachLocked(connID)
}

func (r *Registry) detachLocked(connID string) []string {
	m, ok := r.conns[connID]
	if !ok {
		return nil
	}
	sessions := make([]string, 0, len(m.sessions))
	for sid := range m.sessions {
		r.removeMemberLocked(sid, connID)
		sessions = append(sessions, sid)
	}
	for storeID := range m.stores {
		r.removeAdminLocked(storeID, connID)
	}
	delete(r.conns, connID)
	if r.metrics != nil {
		r.metrics.Connections.Dec()
	}
	return sessions
}

// Join subscribes conn to a session. It returns false if the connection was
// already subscribed. Joining requires a prior Attach.
func (r *Registry) Join(sessionID string, conn Conn, role domain.ViewerRole) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[conn.ID()]
	if !ok {
		return false, ErrConnectionClosed
	}
	room, ok := r.sessions[sessionID]
	if !ok {
		room = make(map[string]member)
		r.sessions[sessionID] = room
	}
	_, existed := room[conn.ID()]
	room[conn.ID()] = member{conn: conn, role: role}
	m.sessions[sessionID] = struct{}{}
	return !existed, nil
}

// Leave unsubscribes a connection from a session. Idempotent.
func (r *Registry) Leave(sessionID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.conns[connID]; ok {
		delete(m.sessions, sessionID)
	}
	return r.removeMemberLocked(sessionID, connID)
}

func (r *Registry) removeMemberLocked(sessionID, connID string) bool {
	room, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if _, ok := room[connID]; !ok {
		return false
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(r.sessions, sessionID)
	}
	return true
}

// JoinAdmin subscribes conn to a store's admin room. Idempotent.
func (r *Registry) JoinAdmin(storeID string, conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[conn.ID()]
	if !ok {
		return ErrConnectionClosed
	}
	room, ok := r.admins[storeID]
	if !ok {
		room = make(map[string]Conn)
		r.admins[storeID] = room
	}
	room[conn.ID()] = conn
	m.stores[storeID] = struct{}{}
	return nil
}

// LeaveAdmin unsubscribes conn from a store's admin room. Idempotent.
func (r *Registry) LeaveAdmin(storeID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.conns[connID]; ok {
		delete(m.stores, storeID)
	}
	r.removeAdminLocked(storeID, connID)
}

func (r *Registry) removeAdminLocked(storeID, connID string) {
	room, ok := r.admins[storeID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(r.admins, storeID)
	}
}

// Subscribers returns the connection IDs subscribed to a session.
func (r *Registry) Subscribers(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions[sessionID]))
	for id := range r.sessions[sessionID] {
		ids = append(ids, id)
	}
	return ids
}

// HasRole reports whether any subscriber views the session with role.
func (r *Registry) HasRole(sessionID string, role domain.ViewerRole) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.sessions[sessionID] {
		if m.role == role {
			return true
		}
	}
	return false
}

// AdminCount returns the number of connections in a store's admin room.
func (r *Registry) AdminCount(storeID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.admins[storeID])
}

// Broadcast delivers ev to every subscriber of a session except the excluded
// connections. Failed subscribers are pruned; failures never abort the rest.
func (r *Registry) Broadcast(ctx context.Context, sessionID string, ev Outbound, exclude ...string) Delivery {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.sessions[sessionID]))
	for id, m := range r.sessions[sessionID] {
		if !excluded(id, exclude) {
			targets = append(targets, m.conn)
		}
	}
	r.mu.RUnlock()
	return r.deliver(ctx, targets, ev)
}

// BroadcastAdmin delivers ev to the admin room of a store.
func (r *Registry) BroadcastAdmin(ctx context.Context, storeID string, ev Outbound, exclude ...string) Delivery {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.admins[storeID]))
	for id, c := range r.admins[storeID] {
		if !excluded(id, exclude) {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()
	return r.deliver(ctx, targets, ev)
}

// SendTo delivers ev to a single attached connection.
func (r *Registry) SendTo(ctx context.Context, connID string, ev Outbound) error {
	r.mu.RLock()
	m, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrConnectionClosed
	}
	d := r.deliver(ctx, []Conn{m.conn}, ev)
	if len(d.Failed) > 0 {
		return ErrDeliveryFailed
	}
	return nil
}

// deliver sends to all targets concurrently, each bounded by the registry timeout.
func (r *Registry) deliver(ctx context.Context, targets []Conn, ev Outbound) Delivery {
	if len(targets) == 0 {
		return Delivery{}
	}

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, c := range targets {
		wg.Add(1)
		go func(i int, c Conn) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			errs[i] = c.Send(sendCtx, ev)
		}(i, c)
	}
	wg.Wait()

	var d Delivery
	for i, err := range errs {
		if err == nil {
			d.Delivered++
			continue
		}
		id := targets[i].ID()
		d.Failed = append(d.Failed, id)
		r.logger.Warn("Delivery failed, dropping subscriber",
			"conn_id", id, "event", ev.Type, "session_id", ev.SessionID, "error", err)
		r.prune(targets[i])
	}
	return d
}

func (r *Registry) prune(c Conn) {
	r.mu.Lock()
	if _, ok := r.conns[c.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	sessions := r.detachLocked(c.ID())
	hooks := append([]func(string, []string){}, r.onPrune...)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.BroadcastFailures.Inc()
	}
	if cl, ok := c.(closer); ok {
		cl.Close("delivery failed")
	}
	for _, fn := range hooks {
		fn(c.ID(), sessions)
	}
}

func excluded(id string, exclude []string) bool {
	for _, x := range exclude {
		if x == id {
			return true
		}
	}
	return false
}
