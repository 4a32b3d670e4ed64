// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time interface check.
var _ SessionStore = (*MemoryStore)(nil)

// MemoryStore is a process-local SessionStore. It is not durable across
// restarts and backs tests and the "memory" backend.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]*Message
	locks    KeyedMutex
	now      func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
		now:      time.Now,
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, session *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if session == nil || session.ID == "" {
		return Invalid("session id is required")
	}

	unlock := m.locks.Lock(session.ID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return Exists(session.ID)
	}

	stored := CloneSession(session)
	now := m.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	if stored.Version == 0 {
		stored.Version = 1
	}
	m.sessions[session.ID] = stored
	m.messages[session.ID] = nil
	*session = *CloneSession(stored)
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, NotFound(id)
	}
	return CloneSession(s), nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, id string, mutate MutateFunc) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.RLock()
	current, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, NotFound(id)
	}

	next := CloneSession(current)
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.Version = current.Version + 1
	next.UpdatedAt = m.now()

	m.mu.Lock()
	m.sessions[id] = next
	m.mu.Unlock()
	return CloneSession(next), nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string, guard MutateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[id]
	if !ok {
		return NotFound(id)
	}
	if guard != nil {
		if err := guard(CloneSession(current)); err != nil {
			return err
		}
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, filter ListFilter) ([]*SessionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*SessionSummary, 0, len(m.sessions))
	for id, s := range m.sessions {
		if !filter.Matches(s) {
			continue
		}
		matched = append(matched, &SessionSummary{
			ID:           id,
			Title:        s.Title,
			Status:       s.Status,
			Step:         s.Step,
			MessageCount: len(m.messages[id]),
			CreatedAt:    s.CreatedAt,
			UpdatedAt:    s.UpdatedAt,
		})
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	return Page(matched, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg == nil {
		return Invalid("message is required")
	}

	unlock := m.locks.Lock(sessionID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return NotFound(sessionID)
	}

	msg.SessionID = sessionID
	msg.Seq = len(m.messages[sessionID]) + 1
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	m.messages[sessionID] = append(m.messages[sessionID], CloneMessage(msg))
	s.UpdatedAt = msg.CreatedAt
	return nil
}

func (m *MemoryStore) Messages(ctx context.Context, sessionID string) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, NotFound(sessionID)
	}
	log := m.messages[sessionID]
	out := make([]*Message, len(log))
	for i, msg := range log {
		out[i] = CloneMessage(msg)
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// Page applies offset and limit to a sorted listing. A non-positive limit
// defaults to 100.
func Page[T any](items []T, offset, limit int) []T {
	if limit <= 0 {
		limit = 100
	}
	if offset >= len(items) {
		return []T{}
	}
	if offset < 0 {
		offset = 0
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
