// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// DefaultPersistTimeout bounds a single store call.
const DefaultPersistTimeout = 10 * time.Second

// SessionManager provides cached, time-bounded operations on sessions,
// delegating persistence to a store.SessionStore. Writes detach from the
// caller's cancellation so that a cancelled loop can still record its
// terminal status. Every store access that refreshes the cache holds the
// session's lock, so the cache never lags behind a completed write.
type SessionManager struct {
	ss      store.SessionStore
	cache   *sessionCache
	locks   store.KeyedMutex
	timeout time.Duration
	now     func() time.Time
}

// NewSessionManager returns a SessionManager backed by ss.
func NewSessionManager(ss store.SessionStore, cacheSize int64, timeout time.Duration) (*SessionManager, error) {
	cache, err := newSessionCache(cacheSize)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultPersistTimeout
	}
	return &SessionManager{ss: ss, cache: cache, timeout: timeout, now: time.Now}, nil
}

func (m *SessionManager) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
}

// Create stores a new session and its first messages.
func (m *SessionManager) Create(ctx context.Context, sess *store.Session, msgs ...*store.Message) error {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	if err := m.ss.CreateSession(ctx, sess); err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := m.append(ctx, sess.ID, msg); err != nil {
			return err
		}
	}
	stored, err := m.Reload(ctx, sess.ID)
	if err != nil {
		return err
	}
	*sess = *stored
	return nil
}

// Get returns the session, from the cache when possible.
func (m *SessionManager) Get(ctx context.Context, id string) (*store.Session, error) {
	if s, ok := m.cache.get(id); ok {
		return s, nil
	}
	return m.Reload(ctx, id)
}

// Reload reads the session from the store and refreshes the cache.
func (m *SessionManager) Reload(ctx context.Context, id string) (*store.Session, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	unlock := m.locks.Lock(id)
	defer unlock()

	s, err := m.ss.GetSession(ctx, id)
	if err != nil {
		m.cache.evict(id)
		return nil, err
	}
	m.refresh(s)
	return s, nil
}

// Update applies mutate atomically and refreshes the cache. mutate must not
// call back into the manager for the same id.
func (m *SessionManager) Update(ctx context.Context, id string, mutate store.MutateFunc) (*store.Session, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	unlock := m.locks.Lock(id)
	defer unlock()

	s, err := m.ss.UpdateSession(ctx, id, mutate)
	if err != nil {
		return nil, err
	}
	m.refresh(s)
	return s, nil
}

func (m *SessionManager) refresh(s *store.Session) {
	if s.Status.Terminal() {
		m.cache.evict(s.ID)
		return
	}
	m.cache.put(s)
}

// Append adds msg to the session log, filling in its id and timestamp.
func (m *SessionManager) Append(ctx context.Context, id string, msg *store.Message) error {
	ctx, cancel := m.bounded(ctx)
	defer cancel()
	return m.append(ctx, id, msg)
}

func (m *SessionManager) append(ctx context.Context, id string, msg *store.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	msg.SessionID = id
	return m.ss.AppendMessage(ctx, id, msg)
}

// Messages returns the session log in append order.
func (m *SessionManager) Messages(ctx context.Context, id string) ([]*store.Message, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.ss.Messages(ctx, id)
}

// List returns session summaries matching filter.
func (m *SessionManager) List(ctx context.Context, filter store.ListFilter) ([]*store.SessionSummary, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()
	return m.ss.ListSessions(ctx, filter)
}

// Delete removes the session when guard allows it.
func (m *SessionManager) Delete(ctx context.Context, id string, guard store.MutateFunc) error {
	ctx, cancel := m.bounded(ctx)
	defer cancel()

	unlock := m.locks.Lock(id)
	defer unlock()

	err := m.ss.DeleteSession(ctx, id, guard)
	if err == nil || nderr.IsNotFound(err) {
		m.cache.evict(id)
	}
	return err
}

// Evict drops id from the cache.
func (m *SessionManager) Evict(id string) {
	unlock := m.locks.Lock(id)
	defer unlock()
	m.cache.evict(id)
}

// Close releases the cache. The store is owned by the caller.
func (m *SessionManager) Close() {
	m.cache.close()
}
