package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shopchat/internal/domain"
	"github.com/ashureev/shopchat/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrSessionMissing is returned by Commit when the session row does not exist.
	ErrSessionMissing = errors.New("session does not exist")

	// ErrVersionConflict is returned by Commit when the stored session has moved
	// past the version the caller started from.
	ErrVersionConflict = errors.New("session was modified concurrently")
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes write transactions to avoid SQLITE_BUSY
	retry   shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS stores (
		id TEXT PRIMARY KEY,
		shop_domain TEXT NOT NULL UNIQUE,
		shop_name TEXT NOT NULL,
		welcome_message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		store_id TEXT NOT NULL REFERENCES stores(id),
		token TEXT NOT NULL,
		customer_name TEXT NOT NULL,
		customer_email TEXT NOT NULL,
		channel TEXT NOT NULL,
		language TEXT NOT NULL,
		status TEXT NOT NULL,
		ai_handled INTEGER NOT NULL DEFAULT 1,
		agent_id TEXT,
		agent_name TEXT,
		metadata TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		last_sequence INTEGER NOT NULL DEFAULT 0,
		broadcast_seq INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		ended_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_store_status ON sessions(store_id, status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at) WHERE status != 'resolved';

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		sequence INTEGER NOT NULL,
		sender TEXT NOT NULL,
		text TEXT NOT NULL,
		agent_name TEXT NOT NULL DEFAULT '',
		intent TEXT NOT NULL DEFAULT '',
		confidence REAL,
		products TEXT,
		read_by_agent INTEGER NOT NULL DEFAULT 0,
		superseded INTEGER NOT NULL DEFAULT 0,
		sent_at INTEGER NOT NULL,
		UNIQUE(session_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(session_id, read_by_agent) WHERE sender = 'customer';
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// EnsureStore finds or creates the store for a shop domain.
func (s *SQLiteStore) EnsureStore(ctx context.Context, shopDomain string) (*domain.Store, error) {
	shopDomain = strings.ToLower(strings.TrimSpace(shopDomain))
	if shopDomain == "" {
		return nil, errors.New("shop domain cannot be empty")
	}

	err := s.write(ctx, "ensure store", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO stores (id, shop_domain, shop_name, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(shop_domain) DO NOTHING`,
			uuid.NewString(), shopDomain, domain.ShopNameFromDomain(shopDomain), time.Now().UnixMilli(),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert store: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT id, shop_domain, shop_name, welcome_message, created_at FROM stores WHERE shop_domain = ?`, shopDomain)
	st, err := scanStore(row)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// GetStore retrieves a store by ID.
func (s *SQLiteStore) GetStore(ctx context.Context, storeID string) (*domain.Store, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, shop_domain, shop_name, welcome_message, created_at FROM stores WHERE id = ?`, storeID)
	st, err := scanStore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

func scanStore(row *sql.Row) (*domain.Store, error) {
	var st domain.Store
	var createdAt int64
	if err := row.Scan(&st.ID, &st.ShopDomain, &st.ShopName, &st.WelcomeMessage, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan store row: %w", err)
	}
	st.CreatedAt = time.UnixMilli(createdAt)
	return &st, nil
}

// CreateSession inserts a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	agentID, agentName := agentColumns(session.AssignedAgent)
	err := s.write(ctx, "create session", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (
				id, store_id, token, customer_name, customer_email, channel, language,
				status, ai_handled, agent_id, agent_name, metadata, message_count,
				last_sequence, broadcast_seq, version, started_at, updated_at, ended_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID, session.StoreID, session.Token, session.CustomerName, session.CustomerEmail,
			session.Channel, session.Language, string(session.Status), session.AIHandled,
			agentID, agentName, nullableJSON(session.Metadata), session.MessageCount,
			session.LastSequence, session.BroadcastSeq, session.Version,
			session.StartedAt.UnixMilli(), session.UpdatedAt.UnixMilli(),
			nullableTime(session.EndedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, store_id, token, customer_name, customer_email, channel, language,
	status, ai_handled, agent_id, agent_name, metadata, message_count, last_sequence,
	broadcast_seq, version, started_at, updated_at, ended_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner, extra ...any) (*domain.Session, error) {
	var sess domain.Session
	var status string
	var agentID, agentName, metadata sql.NullString
	var startedAt, updatedAt int64
	var endedAt sql.NullInt64

	dest := []any{
		&sess.ID, &sess.StoreID, &sess.Token, &sess.CustomerName, &sess.CustomerEmail,
		&sess.Channel, &sess.Language, &status, &sess.AIHandled, &agentID, &agentName,
		&metadata, &sess.MessageCount, &sess.LastSequence, &sess.BroadcastSeq, &sess.Version,
		&startedAt, &updatedAt, &endedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	sess.Status = domain.Status(status)
	if agentID.Valid {
		sess.AssignedAgent = &domain.Agent{ID: agentID.String, Name: agentName.String}
	}
	if metadata.Valid && metadata.String != "" {
		sess.Metadata = []byte(metadata.String)
	}
	sess.StartedAt = time.UnixMilli(startedAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		sess.EndedAt = &t
	}
	return &sess, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions matching the filter, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE store_id = ?`
	args := []any{filter.StoreID}

	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.Search != "" {
		query += ` AND (customer_name LIKE ? OR customer_email LIKE ?)`
		like := "%" + filter.Search + "%"
		args = append(args, like, like)
	}
	if !filter.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, filter.Since.UnixMilli())
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ListActiveSummaries returns the live dashboard rows for a store.
func (s *SQLiteStore) ListActiveSummaries(ctx context.Context, storeID string) ([]*domain.SessionSummary, error) {
	query := `
		SELECT ` + sessionColumns + `,
			(SELECT m.text FROM messages m WHERE m.session_id = sessions.id AND m.superseded = 0
				ORDER BY m.sent_at DESC, m.sequence DESC LIMIT 1),
			(SELECT m.sent_at FROM messages m WHERE m.session_id = sessions.id AND m.superseded = 0
				ORDER BY m.sent_at DESC, m.sequence DESC LIMIT 1),
			(SELECT COUNT(*) FROM messages m WHERE m.session_id = sessions.id
				AND m.sender = 'customer' AND m.read_by_agent = 0)
		FROM sessions
		WHERE store_id = ? AND status != 'resolved'
		ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, storeID)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close active session rows", "error", closeErr)
		}
	}()

	var out []*domain.SessionSummary
	for rows.Next() {
		var lastText sql.NullString
		var lastAt sql.NullInt64
		var unread int
		sess, err := scanSession(rows, &lastText, &lastAt, &unread)
		if err != nil {
			return nil, fmt.Errorf("scan active session row: %w", err)
		}
		sum := &domain.SessionSummary{Session: *sess, LastMessage: lastText.String, UnreadCount: unread}
		if lastAt.Valid {
			t := time.UnixMilli(lastAt.Int64)
			sum.LastMessageAt = &t
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active sessions: %w", err)
	}
	return out, nil
}

// SessionStats counts sessions per status.
func (s *SQLiteStore) SessionStats(ctx context.Context, storeID string, since time.Time) (*domain.SessionStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sessions WHERE store_id = ? AND started_at >= ? GROUP BY status`,
		storeID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query session stats: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close stats rows", "error", closeErr)
		}
	}()

	stats := &domain.SessionStats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		addStat(stats, domain.Status(status), n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

func addStat(stats *domain.SessionStats, status domain.Status, n int) {
	stats.Total += n
	switch status {
	case domain.StatusActive:
		stats.Active += n
	case domain.StatusNeedsAgent:
		stats.NeedsAgent += n
	case domain.StatusAgentTakeover:
		stats.Takeover += n
	case domain.StatusResolved:
		stats.Resolved += n
	}
}

// Commit writes the session row and appends messages in one transaction.
func (s *SQLiteStore) Commit(ctx context.Context, session *domain.Session, messages ...*domain.Message) error {
	return s.write(ctx, "commit", func() error {
		return s.commitOnce(ctx, session, messages)
	})
}

func (s *SQLiteStore) commitOnce(ctx context.Context, session *domain.Session, messages []*domain.Message) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Warn("failed to roll back commit", "error", rbErr, "session_id", session.ID)
			}
		}
	}()

	agentID, agentName := agentColumns(session.AssignedAgent)
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?, ai_handled = ?, agent_id = ?, agent_name = ?,
			message_count = ?, last_sequence = ?, broadcast_seq = ?, version = ?,
			updated_at = ?, ended_at = ?
		WHERE id = ? AND version = ?`,
		string(session.Status), session.AIHandled, agentID, agentName,
		session.MessageCount, session.LastSequence, session.BroadcastSeq, session.Version,
		session.UpdatedAt.UnixMilli(), nullableTime(session.EndedAt),
		session.ID, session.Version-1,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, session.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if exists == 0 {
			err = fmt.Errorf("%w: %s", ErrSessionMissing, session.ID)
		} else {
			err = fmt.Errorf("%w: %s at version %d", ErrVersionConflict, session.ID, session.Version-1)
		}
		return err
	}

	for _, m := range messages {
		if m.SessionID != session.ID {
			return fmt.Errorf("message %s belongs to session %s, not %s", m.ID, m.SessionID, session.ID)
		}
		var confidence any
		if m.Confidence != nil {
			confidence = *m.Confidence
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO messages (
				id, session_id, sequence, sender, text, agent_name, intent,
				confidence, products, read_by_agent, superseded, sent_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.SessionID, m.Sequence, string(m.Sender), m.Text, m.AgentName, m.Intent,
			confidence, nullableJSON(m.RecommendedProducts), m.ReadByAgent, m.Superseded,
			m.SentAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListMessages returns the transcript of a session.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sequence, sender, text, agent_name, intent,
		       confidence, products, read_by_agent, superseded, sent_at
		FROM messages WHERE session_id = ?
		ORDER BY sent_at ASC, sequence ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var out []*domain.Message
	for rows.Next() {
		var m domain.Message
		var sender string
		var confidence sql.NullFloat64
		var products sql.NullString
		var sentAt int64
		if err := rows.Scan(
			&m.ID, &m.SessionID, &m.Sequence, &sender, &m.Text, &m.AgentName, &m.Intent,
			&confidence, &products, &m.ReadByAgent, &m.Superseded, &sentAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Sender = domain.Sender(sender)
		if confidence.Valid {
			c := confidence.Float64
			m.Confidence = &c
		}
		if products.Valid && products.String != "" {
			m.RecommendedProducts = []byte(products.String)
		}
		m.SentAt = time.UnixMilli(sentAt)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// MarkRead flips readByAgent on customer messages up to messageID.
func (s *SQLiteStore) MarkRead(ctx context.Context, sessionID, messageID string) (int, error) {
	query := `UPDATE messages SET read_by_agent = 1
		WHERE session_id = ? AND sender = 'customer' AND read_by_agent = 0`
	args := []any{sessionID}
	if messageID != "" {
		query += ` AND sequence <= (SELECT sequence FROM messages WHERE id = ? AND session_id = ?)`
		args = append(args, messageID, sessionID)
	}

	var changed int64
	err := s.write(ctx, "mark read", func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		changed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	return int(changed), nil
}

// CountUnread returns customer messages not yet read by an agent.
func (s *SQLiteStore) CountUnread(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ? AND sender = 'customer' AND read_by_agent = 0`,
		sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// ListIdleSessions returns non-resolved sessions not updated since cutoff.
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status != 'resolved' AND updated_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idle session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	return sessions, nil
}

// write serializes writers and retries on SQLITE_BUSY.
func (s *SQLiteStore) write(ctx context.Context, op string, fn func() error) error {
	return shared.RetryOnConflict(ctx, s.retry, op, func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return fn()
	})
}

func agentColumns(a *domain.Agent) (any, any) {
	if a == nil {
		return nil, nil
	}
	return a.ID, a.Name
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
