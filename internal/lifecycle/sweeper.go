// Package lifecycle runs background maintenance over chat sessions.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/shopchat/internal/chat"
	"github.com/ashureev/shopchat/internal/domain"
)

// IdleReason is recorded on sessions the sweeper resolves.
const IdleReason = "idle timeout"

// Sessions lists sessions that have gone quiet.
type Sessions interface {
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*domain.Session, error)
}

// Router resolves sessions and drops their memoized state.
type Router interface {
	Handle(ctx context.Context, origin chat.Conn, sessionID string, ev chat.Event) (*chat.Result, error)
	EvictIdle(cutoff time.Time) int
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Resolved int
	Skipped  int // active again since the listing
	Failed   int
	Evicted  int
}

// StartSweeper runs a background goroutine that periodically resolves
// sessions idle longer than ttl and evicts unused session state.
func StartSweeper(ctx context.Context, sessions Sessions, router Router, ttl, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("Idle session sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				Sweep(ctx, sessions, router, time.Now().Add(-ttl), logger)
			case <-ctx.Done():
				logger.Info("Idle session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep resolves every non-terminal session not updated since cutoff. The
// cutoff travels with each resolve, so a session that received an event after
// the listing is left open.
func Sweep(ctx context.Context, sessions Sessions, router Router, cutoff time.Time, logger *slog.Logger) SweepResult {
	if logger == nil {
		logger = slog.Default()
	}
	var res SweepResult

	idle, err := sessions.ListIdleSessions(ctx, cutoff)
	if err != nil {
		logger.Error("Sweeper failed to list idle sessions", "error", err)
		return res
	}
	if len(idle) > 0 {
		logger.Info("Sweeper found idle sessions", "count", len(idle))
	}

	for _, s := range idle {
		if ctx.Err() != nil {
			logger.Debug("Sweeper interrupted", "remaining", len(idle)-res.Resolved-res.Skipped-res.Failed)
			break
		}
		_, err := router.Handle(ctx, nil, s.ID, chat.Resolve{Reason: IdleReason, IdleCutoff: cutoff})
		switch {
		case err == nil:
			res.Resolved++
		case errors.Is(err, chat.ErrSessionClosed):
			// Resolved by someone else since the listing.
		case errors.Is(err, chat.ErrNotIdle):
			res.Skipped++
			logger.Debug("Sweeper skipped session with recent activity", "session_id", s.ID)
		default:
			res.Failed++
			logger.Warn("Sweeper failed to resolve session",
				"session_id", s.ID,
				"store_id", s.StoreID,
				"error", err)
		}
	}

	res.Evicted = router.EvictIdle(cutoff)
	if res.Resolved > 0 || res.Skipped > 0 || res.Failed > 0 || res.Evicted > 0 {
		logger.Info("Sweeper completed",
			"resolved", res.Resolved,
			"skipped", res.Skipped,
			"failed", res.Failed,
			"evicted", res.Evicted)
	}
	return res
}
