// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdiag/netdiag/internal/store"
)

func TestSessionCache_PutIsReadableAtOnce(t *testing.T) {
	c, err := newSessionCache(16)
	require.NoError(t, err)
	t.Cleanup(c.close)

	for v := int64(1); v <= 200; v++ {
		c.put(&store.Session{ID: "s1", Version: v, Status: store.SessionStatusActive})
		got, ok := c.get("s1")
		if ok {
			require.Equal(t, v, got.Version)
		}
		if v%7 == 0 {
			c.evict("s1")
			_, ok := c.get("s1")
			require.False(t, ok)
		}
	}
}

func TestSessionCache_GetReturnsCopy(t *testing.T) {
	c, err := newSessionCache(16)
	require.NoError(t, err)
	t.Cleanup(c.close)

	c.put(&store.Session{ID: "s1", Version: 1, Title: "before"})
	got, ok := c.get("s1")
	require.True(t, ok)
	got.Title = "mutated"

	again, ok := c.get("s1")
	require.True(t, ok)
	assert.Equal(t, "before", again.Title)
}
