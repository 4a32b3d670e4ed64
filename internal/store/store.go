// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package store

import "context"

// MutateFunc edits a session inside UpdateSession. Returning an error aborts
// the update and nothing is written.
type MutateFunc func(s *Session) error

// SessionStore is the durable record of diagnosis sessions and their logs.
// Every write is durable before the call returns, and writes to the same
// session id are serialized.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)

	// UpdateSession is an atomic read-modify-write. The store bumps Version
	// and UpdatedAt and returns the stored copy.
	UpdateSession(ctx context.Context, id string, mutate MutateFunc) (*Session, error)

	// DeleteSession removes the session and its log. A non-nil guard runs
	// under the same per-id serialization and may veto the delete.
	DeleteSession(ctx context.Context, id string, guard MutateFunc) error

	ListSessions(ctx context.Context, filter ListFilter) ([]*SessionSummary, error)

	// AppendMessage adds msg to the end of the session log and assigns Seq.
	AppendMessage(ctx context.Context, sessionID string, msg *Message) error
	Messages(ctx context.Context, sessionID string) ([]*Message, error)

	Close() error
}
