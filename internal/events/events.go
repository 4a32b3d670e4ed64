// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

// Package events delivers engine progress events to observers: a per-session
// fan-out broker for streaming clients, a logging sink, and a recorder used
// by tests and the CLI.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/netdiag/netdiag/internal/agent"
)

// Multi publishes every event to each sink in order. All sinks are called;
// their errors are joined.
func Multi(sinks ...agent.EventSink) agent.EventSink {
	return agent.EventSinkFunc(func(ctx context.Context, ev agent.Event) error {
		var errs []error
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Publish(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Logger returns a sink that writes each event to logger at Debug, and
// terminal events at Info.
func Logger(logger *slog.Logger) agent.EventSink {
	return agent.EventSinkFunc(func(ctx context.Context, ev agent.Event) error {
		level := slog.LevelDebug
		if ev.Type.Terminal() {
			level = slog.LevelInfo
		}
		logger.LogAttrs(ctx, level, "engine event",
			slog.String("session_id", ev.SessionID),
			slog.String("event", string(ev.Type)),
			slog.Int("step", ev.Step),
		)
		return nil
	})
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []agent.Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish implements agent.EventSink.
func (r *Recorder) Publish(_ context.Context, ev agent.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of all recorded events, or only those of the given
// sessions when ids are passed.
func (r *Recorder) Events(ids ...string) []agent.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]agent.Event, 0, len(r.events))
	for _, ev := range r.events {
		if len(ids) == 0 || contains(ids, ev.SessionID) {
			out = append(out, ev)
		}
	}
	return out
}

// Types returns the event types recorded for a session, in order.
func (r *Recorder) Types(sessionID string) []agent.EventType {
	evs := r.Events(sessionID)
	out := make([]agent.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
