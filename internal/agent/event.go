// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package agent

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/netdiag/netdiag/internal/metrics"
)

// EventType names a progress notification.
type EventType string

const (
	EventStart        EventType = "start"
	EventStepStart    EventType = "step_start"
	EventActionResult EventType = "action_result"
	EventAskUser      EventType = "ask_user"
	EventComplete     EventType = "complete"
	EventError        EventType = "error"
	EventCancelled    EventType = "cancelled"
)

// Terminal reports whether t ends a session's event stream.
func (t EventType) Terminal() bool {
	switch t {
	case EventComplete, EventError, EventCancelled:
		return true
	default:
		return false
	}
}

// Event is one progress notification of a session.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	Step      int            `json:"step"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventSink receives engine events. Publish must not block for long; an
// error is logged and never fails the loop.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event) error

// Publish calls f.
func (f EventSinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// NopSink discards events.
var NopSink EventSink = EventSinkFunc(func(context.Context, Event) error { return nil })

// publishEscalationThreshold is the number of consecutive publish failures
// after which they are logged at Error.
const publishEscalationThreshold = 3

// publisher stamps events and shields the loop from sink failures.
type publisher struct {
	sink        EventSink
	logger      *slog.Logger
	metrics     *metrics.Engine
	now         func() time.Time
	consecutive atomic.Int64
}

func (p *publisher) emit(ctx context.Context, typ EventType, sessionID string, step int, payload map[string]any) {
	ev := Event{
		Type:      typ,
		SessionID: sessionID,
		Step:      step,
		Payload:   payload,
		Timestamp: p.now().UTC(),
	}
	if err := p.sink.Publish(context.WithoutCancel(ctx), ev); err != nil {
		p.metrics.PublishError()
		logPublishFailure(ctx, p.logger, p.consecutive.Add(1), "event publish failed",
			slog.String("session_id", sessionID),
			slog.String("event", string(typ)),
			slog.Any("error", err))
		return
	}
	p.consecutive.Store(0)
}

// logPublishFailure logs a publish failure at an escalating level: Warn for
// the first publishEscalationThreshold-1 consecutive failures, Error
// thereafter.
func logPublishFailure(ctx context.Context, log *slog.Logger, consecutive int64, msg string, attrs ...slog.Attr) {
	level := slog.LevelWarn
	if consecutive >= publishEscalationThreshold {
		level = slog.LevelError
	}
	attrs = append(attrs, slog.Int64("consecutive_failures", consecutive))
	log.LogAttrs(ctx, level, msg, attrs...)
}
