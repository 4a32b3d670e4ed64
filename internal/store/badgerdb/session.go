// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package badgerdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// Compile-time interface check.
var _ store.SessionStore = (*SessionStore)(nil)

func init() {
	store.RegisterBackend("badger", func(cfg *store.StorageConfig) (store.SessionStore, error) {
		bcfg := DefaultConfig(filepath.Join(cfg.Path, "sessions.badger"))
		if cfg.InMemory {
			bcfg.InMemory = true
			bcfg.GCInterval = 0
		}
		return Open(bcfg)
	})
}

const (
	sessionPrefix = "session/"
	messagePrefix = "message/"
)

// record is the value stored under a session key.
type record struct {
	Session  *store.Session `json:"session"`
	Messages int            `json:"messages"`
}

// SessionStore implements store.SessionStore on BadgerDB. Sessions and log
// entries live under separate key prefixes so a log append never rewrites
// the session value beyond its counter.
type SessionStore struct {
	db     *badger.DB
	locks  store.KeyedMutex
	now    func() time.Time
	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens the database described by cfg.
func Open(cfg Config) (*SessionStore, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	s := &SessionStore{db: db, now: time.Now}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go gcLoop(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger, s.stopGC, s.gcDone)
	}
	return s, nil
}

// Close stops value log GC and closes the database.
func (s *SessionStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
		s.stopGC = nil
	}
	return s.db.Close()
}

func sessionKey(id string) []byte { return []byte(sessionPrefix + id) }

func messageKeyPrefix(id string) []byte { return []byte(messagePrefix + id + "/") }

func messageKey(id string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d", messagePrefix, id, seq))
}

func (s *SessionStore) CreateSession(ctx context.Context, session *store.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if session == nil || session.ID == "" {
		return store.Invalid("session id is required")
	}

	unlock := s.locks.Lock(session.ID)
	defer unlock()

	stored := store.CloneSession(session)
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	if stored.Version == 0 {
		stored.Version = 1
	}

	err := s.update(session.ID, func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(session.ID)); err == nil {
			return store.Exists(session.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return dbErr(err, "reading session", session.ID)
		}
		return putRecord(txn, &record{Session: stored})
	})
	if err != nil {
		return err
	}

	*session = *store.CloneSession(stored)
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *record
	err := s.view(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec.Session, nil
}

func (s *SessionStore) UpdateSession(ctx context.Context, id string, mutate store.MutateFunc) (*store.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	var next *store.Session
	err := s.update(id, func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		version := rec.Session.Version
		if err := mutate(rec.Session); err != nil {
			return err
		}
		rec.Session.ID = id
		rec.Session.Version = version + 1
		rec.Session.UpdatedAt = s.now()
		next = rec.Session
		return putRecord(txn, rec)
	})
	if err != nil {
		return nil, err
	}
	return store.CloneSession(next), nil
}

func (s *SessionStore) DeleteSession(ctx context.Context, id string, guard store.MutateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	return s.update(id, func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(rec.Session); err != nil {
				return err
			}
		}
		if err := txn.Delete(sessionKey(id)); err != nil {
			return dbErr(err, "deleting session", id)
		}
		for seq := 1; seq <= rec.Messages; seq++ {
			if err := txn.Delete(messageKey(id, seq)); err != nil {
				return dbErr(err, "deleting log of session", id)
			}
		}
		return nil
	})
}

func (s *SessionStore) ListSessions(ctx context.Context, filter store.ListFilter) ([]*store.SessionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matched := []*store.SessionSummary{}
	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return nderr.Wrapf(err, nderr.CodeStoreEncodeFailure, "decoding %s", it.Item().Key())
			}
			if !filter.Matches(rec.Session) {
				continue
			}
			matched = append(matched, &store.SessionSummary{
				ID:           rec.Session.ID,
				Title:        rec.Session.Title,
				Status:       rec.Session.Status,
				Step:         rec.Session.Step,
				MessageCount: rec.Messages,
				CreatedAt:    rec.Session.CreatedAt,
				UpdatedAt:    rec.Session.UpdatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	return store.Page(matched, filter.Offset, filter.Limit), nil
}

func (s *SessionStore) AppendMessage(ctx context.Context, sessionID string, msg *store.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg == nil {
		return store.Invalid("message is required")
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	var seq int
	err := s.update(sessionID, func(txn *badger.Txn) error {
		rec, err := getRecord(txn, sessionID)
		if err != nil {
			return err
		}
		seq = rec.Messages + 1

		stored := store.CloneMessage(msg)
		stored.SessionID = sessionID
		stored.Seq = seq
		raw, err := json.Marshal(stored)
		if err != nil {
			return nderr.Wrapf(err, nderr.CodeStoreEncodeFailure, "encoding message %s", msg.ID)
		}
		if err := txn.Set(messageKey(sessionID, seq), raw); err != nil {
			return dbErr(err, "appending to session", sessionID)
		}

		rec.Messages = seq
		rec.Session.UpdatedAt = msg.CreatedAt
		return putRecord(txn, rec)
	})
	if err != nil {
		return err
	}

	msg.SessionID = sessionID
	msg.Seq = seq
	return nil
}

func (s *SessionStore) Messages(ctx context.Context, sessionID string) ([]*store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs := []*store.Message{}
	err := s.view(func(txn *badger.Txn) error {
		if _, err := getRecord(txn, sessionID); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = messageKeyPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var msg store.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return nderr.Wrapf(err, nderr.CodeStoreEncodeFailure, "decoding %s", it.Item().Key())
			}
			msgs = append(msgs, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func getRecord(txn *badger.Txn, id string) (*record, error) {
	item, err := txn.Get(sessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.NotFound(id)
	}
	if err != nil {
		return nil, dbErr(err, "reading session", id)
	}
	var rec record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, nderr.Wrapf(err, nderr.CodeStoreEncodeFailure, "decoding session %s", id)
	}
	return &rec, nil
}

func putRecord(txn *badger.Txn, rec *record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nderr.Wrapf(err, nderr.CodeStoreEncodeFailure, "encoding session %s", rec.Session.ID)
	}
	if err := txn.Set(sessionKey(rec.Session.ID), raw); err != nil {
		return dbErr(err, "writing session", rec.Session.ID)
	}
	return nil
}

// update runs fn in a read-write transaction. Errors from fn, including
// those of caller-supplied mutators and guards, are returned untouched.
func (s *SessionStore) update(id string, fn func(txn *badger.Txn) error) error {
	var fnErr error
	err := s.db.Update(func(txn *badger.Txn) error {
		fnErr = fn(txn)
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if errors.Is(err, badger.ErrConflict) {
		return store.Conflict(id)
	}
	return nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "committing session %s", id)
}

func (s *SessionStore) view(fn func(txn *badger.Txn) error) error {
	return s.db.View(fn)
}

func dbErr(err error, op, id string) error {
	return nderr.Wrapf(err, nderr.CodeStoreDatabaseFailure, "%s %s", op, id)
}
