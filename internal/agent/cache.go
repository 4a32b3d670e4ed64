// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package agent

import (
	"github.com/dgraph-io/ristretto/v2"

	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// DefaultCacheSize bounds the number of cached sessions.
const DefaultCacheSize = 1024

// sessionCache is a bounded read-through cache over the store. The store
// stays the source of truth: admission may reject a Set, and a miss always
// falls back to a store read. Callers serialize put and evict per id.
type sessionCache struct {
	c *ristretto.Cache[string, *store.Session]
}

func newSessionCache(size int64) (*sessionCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, *store.Session]{
		NumCounters:        size * 10,
		MaxCost:            size,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, nderr.Wrap(err, nderr.CodeServerInternalFailure, "creating session cache")
	}
	return &sessionCache{c: c}, nil
}

func (s *sessionCache) get(id string) (*store.Session, bool) {
	v, ok := s.c.Get(id)
	if !ok {
		return nil, false
	}
	return store.CloneSession(v), true
}

// put stores sess and waits for the write to land. Sets are buffered, so a
// rejected or dropped Set could otherwise leave an older version readable.
func (s *sessionCache) put(sess *store.Session) {
	s.c.Set(sess.ID, store.CloneSession(sess), 1)
	s.c.Wait()
	if v, ok := s.c.Get(sess.ID); ok && v.Version != sess.Version {
		s.c.Del(sess.ID)
	}
}

func (s *sessionCache) evict(id string) {
	s.c.Del(id)
}

func (s *sessionCache) close() {
	s.c.Close()
}
