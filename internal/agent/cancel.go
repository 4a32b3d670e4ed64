// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package agent

import (
	"context"
	"errors"
	"sync"
)

// errCancelRequested is the cause attached to a loop context by Cancel.
var errCancelRequested = errors.New("cancellation requested")

// cancellations maps a session id to the cancel function of its running
// loop. The loop context is the session's cancellation token: it is checked
// before every oracle call and every action call, and actions that honour
// their context abort cooperatively.
type cancellations struct {
	mu      sync.Mutex
	running map[string]*token
}

type token struct {
	cancel context.CancelCauseFunc
	refs   int
}

func newCancellations() *cancellations {
	return &cancellations{running: make(map[string]*token)}
}

// register derives the token context for id from parent. The returned
// release must be called when the loop stops.
func (c *cancellations) register(parent context.Context, id string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)

	c.mu.Lock()
	t, ok := c.running[id]
	if ok {
		// A second registration shares the raised state of the first.
		prev := t.cancel
		t.cancel = func(cause error) { prev(cause); cancel(cause) }
	} else {
		t = &token{cancel: cancel}
		c.running[id] = t
	}
	t.refs++
	c.mu.Unlock()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			t.refs--
			if t.refs == 0 {
				delete(c.running, id)
			}
			cancel(nil)
		})
	}
}

// raise cancels the loop of id and reports whether one was registered. A
// raise that returns true happens before the matching release, so the
// loop's context carries errCancelRequested once release returns.
func (c *cancellations) raise(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.running[id]
	if ok {
		t.cancel(errCancelRequested)
	}
	return ok
}

// cancelRequested reports whether ctx was ended by raise.
func cancelRequested(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errCancelRequested)
}

func (c *cancellations) isRunning(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[id]
	return ok
}
