// Package chat routes customer, responder and agent events through the
// session lifecycle state machine and fans the results out to subscribers.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shopchat/internal/domain"
	"github.com/ashureev/shopchat/internal/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// SessionStore is the persistence the router depends on.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	Commit(ctx context.Context, session *domain.Session, messages ...*domain.Message) error
	MarkRead(ctx context.Context, sessionID, messageID string) (int, error)
	CountUnread(ctx context.Context, sessionID string) (int, error)
}

// Options configures a Router.
type Options struct {
	TypingExpiry     time.Duration
	BroadcastTimeout time.Duration
	Metrics          *Metrics
	Logger           *slog.Logger
}

// Committed describes an accepted, persisted event. Listeners must not block.
type Committed struct {
	Session  *domain.Session
	Previous domain.Status
	Event    Event
	Messages []*domain.Message
}

// Listener observes committed events.
type Listener func(Committed)

// Result is returned to the originator of an accepted event.
type Result struct {
	Session    *domain.Session
	Messages   []*domain.Message
	NoOp       bool
	Superseded bool
	Delivered  int
}

// maxReloads bounds how often one event is re-decided after another writer
// committed the same session first.
const maxReloads = 3

type sessionState struct {
	mu       sync.Mutex
	session  *domain.Session
	lastUsed time.Time
	evicted  bool
}

// Router is the single writer for every session it has loaded. All mutations
// of one session run under that session's lock, so persist order equals
// broadcast order. Different sessions never share a lock.
type Router struct {
	store    SessionStore
	registry *Registry
	presence *PresenceTracker
	unread   *UnreadTracker
	handoff  *HandoffCoordinator
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	loads     singleflight.Group
	mu        sync.Mutex
	sessions  map[string]*sessionState
	listeners []Listener
}

// NewRouter wires a router and its registry, trackers and handoff coordinator.
func NewRouter(sessions SessionStore, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}

	registry := NewRegistry(opts.BroadcastTimeout, metrics, logger)
	r := &Router{
		store:    sessions,
		registry: registry,
		unread:   NewUnreadTracker(sessions),
		handoff:  NewHandoffCoordinator(registry, metrics, logger),
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
		sessions: make(map[string]*sessionState),
	}
	r.presence = NewPresenceTracker(opts.TypingExpiry, r.typingExpired)
	registry.OnPrune(func(connID string, _ []string) {
		r.dropPresence(context.Background(), connID)
	})
	return r
}

// Registry returns the connection registry.
func (r *Router) Registry() *Registry { return r.registry }

// Presence returns the presence tracker.
func (r *Router) Presence() *PresenceTracker { return r.presence }

// SetAdminFanout routes store-wide alerts through f instead of the local registry.
func (r *Router) SetAdminFanout(f AdminFanout) { r.handoff.SetAdminFanout(f) }

// OnCommit registers a listener for accepted events.
func (r *Router) OnCommit(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Close stops pending typing timers.
func (r *Router) Close() {
	r.presence.Stop()
}

// Handle validates ev, runs it through the state machine, persists the result
// and broadcasts it to every subscriber except origin. origin is nil for
// events raised by the server itself. Errors go to the caller only.
func (r *Router) Handle(ctx context.Context, origin Conn, sessionID string, ev Event) (*Result, error) {
	start := time.Now()
	kind := "unknown"
	if ev != nil {
		kind = string(ev.Kind())
	}

	res, err := r.handle(ctx, origin, sessionID, ev)

	r.metrics.EventsTotal.WithLabelValues(kind, outcomeOf(err)).Inc()
	r.metrics.HandleDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	return res, err
}

func (r *Router) handle(ctx context.Context, origin Conn, sessionID string, ev Event) (*Result, error) {
	if err := Validate(ev); err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, Malformed("sessionId is required")
	}
	if origin != nil && !r.registry.IsAttached(origin.ID()) {
		return nil, ErrConnectionClosed
	}

	// Once accepted, an event completes even if its originator disconnects.
	ctx = context.WithoutCancel(ctx)

	for attempt := 1; ; attempt++ {
		st, err := r.acquire(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		var committed []Committed
		res, err := r.apply(ctx, st, origin, ev, &committed)
		if errors.Is(err, store.ErrVersionConflict) {
			// Another writer moved the session on; decide again on fresh state.
			r.evictLocked(sessionID, st)
			if attempt < maxReloads {
				st.mu.Unlock()
				r.logger.Info("Session changed elsewhere, reloading",
					"session_id", sessionID, "event", ev.Kind(), "attempt", attempt)
				continue
			}
		}
		if err == nil && !res.NoOp && r.handoff.WantsAgent(ev) {
			if _, ferr := r.apply(ctx, st, nil, AgentRequest{Source: SourceResponder}, &committed); ferr != nil {
				r.logger.Warn("Follow-up agent request failed", "session_id", sessionID, "error", ferr)
				if errors.Is(ferr, store.ErrVersionConflict) {
					r.evictLocked(sessionID, st)
				}
			}
		}
		st.mu.Unlock()

		r.notify(committed)
		return res, err
	}
}

// apply runs one event against a locked session.
func (r *Router) apply(ctx context.Context, st *sessionState, origin Conn, ev Event, committed *[]Committed) (*Result, error) {
	cur := st.session
	d, err := Decide(Snapshot{Status: cur.Status, Agent: cur.AssignedAgent, UpdatedAt: cur.UpdatedAt}, ev)
	if err != nil {
		r.logger.Info("Event rejected",
			"session_id", cur.ID, "event", ev.Kind(), "status", cur.Status, "error", err)
		return nil, err
	}
	if d.NoOp {
		return &Result{Session: cur.Clone(), NoOp: true}, nil
	}

	now := r.now()
	next := cur.Clone()
	next.Status = d.Next
	next.AssignedAgent = d.Agent
	next.AIHandled = d.AIHandled
	next.UpdatedAt = now
	next.Version = cur.Version + 1
	if d.Next == domain.StatusResolved {
		ended := now
		next.EndedAt = &ended
	}

	var msgs []*domain.Message
	if d.Append {
		msgs = append(msgs, messageFor(cur, ev, d, now))
	}
	if d.Transition {
		msgs = append(msgs, r.handoff.Synthesize(cur, next, now)...)
	}
	for _, m := range msgs {
		next.LastSequence++
		m.ID = r.newID()
		m.SessionID = next.ID
		m.Sequence = next.LastSequence
	}
	next.MessageCount += len(msgs)

	// Live events are numbered up front so the counter persists with the commit.
	live := 0
	for _, m := range msgs {
		if !m.Superseded {
			live++
		}
	}
	if d.Transition {
		live++
	}
	seq := cur.BroadcastSeq
	nextSeq := func() int64 {
		seq++
		return seq
	}
	next.BroadcastSeq = cur.BroadcastSeq + int64(live)

	if err := r.store.Commit(ctx, next, msgs...); err != nil {
		if errors.Is(err, store.ErrSessionMissing) {
			return nil, newError(CodeSessionNotFound, "session not found", err)
		}
		if errors.Is(err, store.ErrVersionConflict) {
			r.logger.Warn("Stale session state, commit rejected", "session_id", cur.ID, "event", ev.Kind(), "error", err)
		} else {
			r.logger.Error("Persist failed, event dropped", "session_id", cur.ID, "event", ev.Kind(), "error", err)
		}
		return nil, StoreUnavailable(err)
	}
	st.session = next

	for _, m := range msgs {
		if m.Sender == domain.SenderCustomer {
			r.unread.Increment(next.ID, domain.RoleAgent)
		}
	}

	res := &Result{Session: next.Clone(), Messages: msgs, Superseded: d.Superseded}
	exclude := connIDs(origin)
	for _, m := range msgs {
		if m.Superseded {
			r.metrics.SupersededReplies.Inc()
			r.logger.Info("Automated reply superseded by handoff",
				"session_id", next.ID, "message_id", m.ID, "status", next.Status)
			continue
		}
		ex := exclude
		if m.Sender == domain.SenderSystem {
			ex = nil
		}
		delivery := r.registry.Broadcast(ctx, next.ID, Outbound{
			Type:      OutNewMessage,
			SessionID: next.ID,
			StoreID:   next.StoreID,
			Seq:       nextSeq(),
			Data:      m,
		}, ex...)
		res.Delivered += delivery.Delivered

		unread, err := r.unread.Count(ctx, next.ID, domain.RoleAgent)
		if err != nil {
			r.logger.Warn("Unread count unavailable", "session_id", next.ID, "error", err)
		}
		r.handoff.Activity(ctx, next, m, unread)
	}
	if d.Transition {
		r.handoff.OnTransition(ctx, cur, next, ev, nextSeq, exclude)
	}

	*committed = append(*committed, Committed{
		Session:  next.Clone(),
		Previous: cur.Status,
		Event:    ev,
		Messages: msgs,
	})
	return res, nil
}

func messageFor(cur *domain.Session, ev Event, d Decision, now time.Time) *domain.Message {
	m := &domain.Message{SentAt: now}
	var stamped time.Time
	switch e := ev.(type) {
	case CustomerMessage:
		m.Sender = domain.SenderCustomer
		m.Text = e.Text
		stamped = e.SentAt
	case AIReply:
		m.Sender = domain.SenderAI
		m.Text = e.Text
		m.Intent = e.Intent
		m.Confidence = e.Confidence
		m.RecommendedProducts = e.Products
		m.Superseded = d.Superseded
		stamped = e.SentAt
	case AgentMessage:
		m.Sender = domain.SenderAgent
		m.Text = e.Text
		m.AgentName = cur.AssignedAgent.Name
		stamped = e.SentAt
	}
	// Source timestamps are kept only between the previous accepted event and
	// now, so the sentAt order of the transcript matches the commit order.
	if !stamped.IsZero() && !stamped.After(now) {
		m.SentAt = stamped
		if stamped.Before(cur.UpdatedAt) {
			m.SentAt = cur.UpdatedAt
		}
	}
	return m
}

func (r *Router) notify(committed []Committed) {
	if len(committed) == 0 {
		return
	}
	r.mu.Lock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()
	for _, c := range committed {
		for _, l := range listeners {
			l(c)
		}
	}
}

// acquire returns the loaded, locked state of a session.
func (r *Router) acquire(ctx context.Context, sessionID string) (*sessionState, error) {
	for {
		st, err := r.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		st.mu.Lock()
		if st.evicted {
			st.mu.Unlock()
			continue
		}
		st.lastUsed = r.now()
		return st, nil
	}
}

// load memoizes session state; concurrent misses share one store read.
func (r *Router) load(ctx context.Context, sessionID string) (*sessionState, error) {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if ok {
		return st, nil
	}

	v, err, _ := r.loads.Do(sessionID, func() (any, error) {
		r.mu.Lock()
		if st, ok := r.sessions[sessionID]; ok {
			r.mu.Unlock()
			return st, nil
		}
		r.mu.Unlock()

		s, err := r.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, StoreUnavailable(err)
		}
		if s == nil {
			return nil, ErrSessionNotFound
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if existing, ok := r.sessions[sessionID]; ok {
			return existing, nil
		}
		st := &sessionState{session: s, lastUsed: r.now()}
		r.sessions[sessionID] = st
		r.metrics.LoadedSessions.Set(float64(len(r.sessions)))
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sessionState), nil
}

// Session returns a copy of the session's current state.
func (r *Router) Session(ctx context.Context, sessionID string) (*domain.Session, error) {
	st, err := r.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer st.mu.Unlock()
	return st.session.Clone(), nil
}

// Attach registers a transport connection.
func (r *Router) Attach(conn Conn) {
	r.registry.Attach(conn)
}

// Detach removes a connection from every room and clears its presence.
// Events arriving on the connection afterwards are rejected.
func (r *Router) Detach(ctx context.Context, connID string) {
	r.registry.Detach(connID)
	r.dropPresence(ctx, connID)
}

// Join subscribes conn to a session and sends it the current presence snapshot.
// An agent joining alerts the other subscribers.
func (r *Router) Join(ctx context.Context, conn Conn, sessionID string, role domain.ViewerRole, agent *domain.Agent) (*domain.Session, error) {
	if sessionID == "" {
		return nil, Malformed("sessionId is required")
	}
	s, err := r.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	joined, err := r.registry.Join(sessionID, conn, role)
	if err != nil {
		return nil, err
	}
	r.presence.Touch(sessionID, role, conn.ID())

	if err := r.registry.SendTo(ctx, conn.ID(), Outbound{
		Type:      OutPresence,
		SessionID: sessionID,
		StoreID:   s.StoreID,
		Data:      PresenceData{SessionID: sessionID, Viewers: r.presence.Snapshot(sessionID)},
	}); err != nil {
		r.logger.Debug("Presence snapshot not delivered", "conn_id", conn.ID(), "error", err)
	}

	if joined && role == domain.RoleAgent {
		r.handoff.AgentViewing(ctx, s, agent, conn.ID())
	}
	r.logger.Info("Connection joined session", "conn_id", conn.ID(), "session_id", sessionID, "role", role)
	return s, nil
}

// Leave unsubscribes a connection from a session.
func (r *Router) Leave(ctx context.Context, connID, sessionID string) {
	r.registry.Leave(sessionID, connID)
	if e, ok := r.presence.Remove(sessionID, connID); ok && e.IsTyping {
		e.IsTyping = false
		r.broadcastTyping(ctx, e)
	}
}

// JoinAdmin subscribes conn to the store-wide admin room.
func (r *Router) JoinAdmin(_ context.Context, conn Conn, storeID string) error {
	if storeID == "" {
		return Malformed("storeId is required")
	}
	if err := r.registry.JoinAdmin(storeID, conn); err != nil {
		return err
	}
	r.logger.Info("Connection joined admin room", "conn_id", conn.ID(), "store_id", storeID)
	return nil
}

// Typing records a typing signal and relays it to the other subscribers.
func (r *Router) Typing(ctx context.Context, origin Conn, sessionID string, role domain.ViewerRole, isTyping bool) error {
	if origin == nil || !r.registry.IsAttached(origin.ID()) {
		return ErrConnectionClosed
	}
	s, err := r.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return ErrSessionClosed
	}
	r.presence.SetTyping(sessionID, role, origin.ID(), isTyping)
	r.broadcastTyping(ctx, PresenceEntry{SessionID: sessionID, Role: role, ViewerID: origin.ID(), IsTyping: isTyping})
	return nil
}

func (r *Router) typingExpired(e PresenceEntry) {
	r.broadcastTyping(context.Background(), e)
}

func (r *Router) broadcastTyping(ctx context.Context, e PresenceEntry) {
	r.registry.Broadcast(ctx, e.SessionID, Outbound{
		Type:      OutTyping,
		SessionID: e.SessionID,
		Data:      TypingData{SessionID: e.SessionID, UserType: e.Role, IsTyping: e.IsTyping},
	}, e.ViewerID)
}

func (r *Router) dropPresence(ctx context.Context, connID string) {
	for _, e := range r.presence.RemoveViewer(connID) {
		if e.IsTyping {
			e.IsTyping = false
			r.broadcastTyping(ctx, e)
		}
	}
}

// MarkRead marks customer messages read by the agent, up to messageID or all
// when messageID is empty, and returns the remaining unread count.
func (r *Router) MarkRead(ctx context.Context, origin Conn, sessionID, messageID string) (int, error) {
	if origin != nil && !r.registry.IsAttached(origin.ID()) {
		return 0, ErrConnectionClosed
	}
	st, err := r.acquire(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	defer st.mu.Unlock()

	changed, err := r.store.MarkRead(ctx, sessionID, messageID)
	if err != nil {
		return 0, StoreUnavailable(err)
	}
	if messageID == "" {
		r.unread.Reset(sessionID, domain.RoleAgent)
	} else {
		r.unread.Decrement(sessionID, domain.RoleAgent, changed)
	}

	unread, err := r.unread.Count(ctx, sessionID, domain.RoleAgent)
	if err != nil {
		return 0, StoreUnavailable(err)
	}
	if changed > 0 {
		r.handoff.UnreadChanged(ctx, st.session, unread)
	}
	return unread, nil
}

// Unread returns the agent unread count of a session. Counters are cached only
// for memoized sessions; others are read straight from the store.
func (r *Router) Unread(ctx context.Context, sessionID string) (int, error) {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	r.mu.Unlock()

	var n int
	var err error
	if ok {
		st.mu.Lock()
		if st.evicted {
			n, err = r.store.CountUnread(ctx, sessionID)
		} else {
			n, err = r.unread.Count(ctx, sessionID, domain.RoleAgent)
		}
		st.mu.Unlock()
	} else {
		n, err = r.store.CountUnread(ctx, sessionID)
	}
	if err != nil {
		return 0, StoreUnavailable(err)
	}
	return n, nil
}

// SessionCreated announces a newly created session to its store's admin room.
func (r *Router) SessionCreated(ctx context.Context, s *domain.Session) {
	r.handoff.SessionCreated(ctx, s)
}

// Evict drops the memoized state of a session. Subsequent events reload it.
func (r *Router) Evict(sessionID string) bool {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return r.evictLocked(sessionID, st)
}

func (r *Router) evictLocked(sessionID string, st *sessionState) bool {
	if st.evicted {
		return false
	}
	st.evicted = true
	r.mu.Lock()
	if r.sessions[sessionID] == st {
		delete(r.sessions, sessionID)
	}
	r.metrics.LoadedSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()
	r.unread.Forget(sessionID)
	return true
}

// EvictIdle drops memoized sessions unused since cutoff that have no subscribers.
func (r *Router) EvictIdle(cutoff time.Time) int {
	r.mu.Lock()
	candidates := make(map[string]*sessionState, len(r.sessions))
	for id, st := range r.sessions {
		candidates[id] = st
	}
	r.mu.Unlock()

	evicted := 0
	for id, st := range candidates {
		if len(r.registry.Subscribers(id)) > 0 {
			continue
		}
		st.mu.Lock()
		if st.lastUsed.Before(cutoff) && r.evictLocked(id, st) {
			evicted++
		}
		st.mu.Unlock()
	}
	return evicted
}

// Loaded returns how many sessions are memoized.
func (r *Router) Loaded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func connIDs(c Conn) []string {
	if c == nil {
		return nil
	}
	return []string{c.ID()}
}
