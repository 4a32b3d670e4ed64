// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/netdiag/netdiag/internal/agent"
	"github.com/netdiag/netdiag/internal/metrics"
)

const (
	// DefaultBuffer is the per-subscriber queue length.
	DefaultBuffer = 32
	// DefaultRetain bounds how many terminal events are kept for late
	// subscribers.
	DefaultRetain = 1024
)

// Subscription is one observer of a session's events. C is closed after the
// terminal event or on Close.
type Subscription struct {
	C <-chan agent.Event

	ch        chan agent.Event
	sessionID string
	broker    *Broker
	closed    bool
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.broker.unsubscribe(s)
}

// Broker fans engine events out to per-session subscribers. A slow
// subscriber loses intermediate events but always receives the terminal one.
type Broker struct {
	mu       sync.Mutex
	subs     map[string]map[*Subscription]struct{}
	terminal map[string]agent.Event
	order    []string
	buffer   int
	retain   int
	logger   *slog.Logger
	metrics  *metrics.Engine
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithRetain sets how many terminal events are retained.
func WithRetain(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.retain = n
		}
	}
}

// WithMetrics counts dropped events as publish errors.
func WithMetrics(m *metrics.Engine) BrokerOption {
	return func(b *Broker) { b.metrics = m }
}

// NewBroker creates a Broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		subs:     make(map[string]map[*Subscription]struct{}),
		terminal: make(map[string]agent.Event),
		buffer:   DefaultBuffer,
		retain:   DefaultRetain,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe attaches to a session's events. If the session already finished,
// the returned channel yields the terminal event and is closed.
func (b *Broker) Subscribe(sessionID string) *Subscription {
	ch := make(chan agent.Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, sessionID: sessionID, broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ev, ok := b.terminal[sessionID]; ok {
		ch <- ev
		close(ch)
		sub.closed = true
		return sub
	}
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Subscribers returns the number of live subscriptions for a session.
func (b *Broker) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

// Publish implements agent.EventSink. It never blocks on a subscriber.
func (b *Broker) Publish(ctx context.Context, ev agent.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	terminal := ev.Type.Terminal()
	for sub := range b.subs[ev.SessionID] {
		if terminal {
			b.deliverFinal(sub, ev)
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.metrics.PublishError()
			b.logger.WarnContext(ctx, "dropping event for slow subscriber",
				slog.String("session_id", ev.SessionID),
				slog.String("event", string(ev.Type)),
				slog.Int("step", ev.Step),
			)
		}
	}
	if terminal {
		delete(b.subs, ev.SessionID)
		b.remember(ev)
	}
	return nil
}

// Forget drops the retained terminal event of a deleted session and closes
// its subscribers.
func (b *Broker) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.terminal[sessionID]; ok {
		delete(b.terminal, sessionID)
		for i, id := range b.order {
			if id == sessionID {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
	for sub := range b.subs[sessionID] {
		sub.closed = true
		close(sub.ch)
	}
	delete(b.subs, sessionID)
}

// Close detaches every subscriber.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, set := range b.subs {
		for sub := range set {
			sub.closed = true
			close(sub.ch)
		}
		delete(b.subs, id)
	}
}

// deliverFinal makes room for the terminal event by discarding the oldest
// queued one when the queue is full, then closes the channel.
func (b *Broker) deliverFinal(sub *Subscription, ev agent.Event) {
	for {
		select {
		case sub.ch <- ev:
			sub.closed = true
			close(sub.ch)
			return
		default:
		}
		select {
		case <-sub.ch:
			b.metrics.PublishError()
		default:
		}
	}
}

func (b *Broker) remember(ev agent.Event) {
	if _, ok := b.terminal[ev.SessionID]; !ok {
		b.order = append(b.order, ev.SessionID)
	}
	b.terminal[ev.SessionID] = ev
	for len(b.order) > b.retain {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.terminal, oldest)
	}
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if set, ok := b.subs[sub.sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.sessionID)
		}
	}
}
