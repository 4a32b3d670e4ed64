// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

const (
	DefaultSessionTTL    = 30 * 24 * time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

// errSkipSweep vetoes the deletion of a session that is no longer idle.
var errSkipSweep = errors.New("session not idle")

// Sweeper deletes sessions that have not been updated for longer than the
// TTL. Deletion goes through the store's per-id serialized path with a guard
// that re-checks idleness, so a session touched meanwhile survives.
type Sweeper struct {
	engine   *Engine
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a Sweeper for e. Zero durations use the defaults.
func NewSweeper(e *Engine, ttl, interval time.Duration) *Sweeper {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{engine: e, ttl: ttl, interval: interval, now: time.Now}
}

// SetNowFunc replaces the clock (for testing).
func (s *Sweeper) SetNowFunc(now func() time.Time) { s.now = now }

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.engine.logger.Warn("session sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep performs one pass and returns the number of deleted sessions.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	e := s.engine
	cutoff := s.now().Add(-s.ttl)

	idle, err := e.sessions.List(ctx, store.ListFilter{UpdatedBefore: cutoff})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, sum := range idle {
		if ctx.Err() != nil {
			break
		}
		err := e.sessions.Delete(ctx, sum.ID, func(cur *store.Session) error {
			if !cur.UpdatedAt.Before(cutoff) || e.cancels.isRunning(cur.ID) {
				return errSkipSweep
			}
			return nil
		})
		switch {
		case err == nil:
			e.lanes.Remove(sum.ID)
			deleted++
		case errors.Is(err, errSkipSweep), nderr.IsNotFound(err):
		default:
			e.logger.Warn("deleting idle session failed",
				slog.String("session_id", sum.ID),
				slog.Any("error", err))
		}
	}

	e.metrics.Swept(deleted)
	if deleted > 0 {
		e.logger.Info("idle sessions deleted",
			slog.Int("count", deleted),
			slog.Duration("ttl", s.ttl))
	}
	return deleted, nil
}
