// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package agent

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// laneDepth bounds how many tasks may wait on one session's lane.
const laneDepth = 64

type laneTask struct {
	ctx  context.Context
	run  func(context.Context) error
	done chan<- error
}

// Lane runs the loop transitions of one session strictly one after another,
// in the order they were submitted.
type Lane struct {
	sessionID string
	logger    *slog.Logger

	tasks   chan laneTask
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewLane starts the worker of a lane for sessionID.
func NewLane(sessionID string, logger *slog.Logger) *Lane {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Lane{
		sessionID: sessionID,
		logger:    logger,
		tasks:     make(chan laneTask, laneDepth),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go l.loop()
	return l
}

func (l *Lane) loop() {
	defer close(l.stopped)
	for {
		select {
		case t := <-l.tasks:
			l.exec(t)
		case <-l.stop:
			l.drain()
			return
		}
	}
}

// drain finishes tasks that were accepted before the lane stopped.
func (l *Lane) drain() {
	for {
		select {
		case t := <-l.tasks:
			l.exec(t)
		default:
			return
		}
	}
}

func (l *Lane) exec(t laneTask) {
	if err := t.ctx.Err(); err != nil {
		t.done <- err
		return
	}
	t.done <- l.guard(t)
}

// guard runs t and reports a panic as an error.
func (l *Lane) guard(t laneTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("lane task panicked",
				slog.String("session_id", l.sessionID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = nderr.Errorf(nderr.CodeServerInternalFailure, "worker panic: %v", r)
		}
	}()
	return t.run(t.ctx)
}

func (l *Lane) closedErr() error {
	return nderr.New(nderr.CodeAgentLaneClosed, "lane is closed", nderr.FieldSessionID(l.sessionID))
}

// Submit queues fn and waits for its result. A ctx that ends before fn
// starts skips it and returns ctx.Err().
func (l *Lane) Submit(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-l.stop:
		return l.closedErr()
	default:
	}

	done := make(chan error, 1)
	select {
	case l.tasks <- laneTask{ctx: ctx, run: fn, done: done}:
	case <-l.stop:
		return l.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, runs the ones already queued and waits for
// the worker to exit. It is idempotent and must not be called from a task
// running on the same lane.
func (l *Lane) Close() {
	l.once.Do(func() {
		close(l.stop)
		<-l.stopped
	})
}

// LanePool hands out one Lane per session id, creating it on first use.
type LanePool struct {
	logger *slog.Logger

	mu    sync.Mutex
	lanes map[string]*Lane
}

func NewLanePool(logger *slog.Logger) *LanePool {
	return &LanePool{logger: logger, lanes: make(map[string]*Lane)}
}

// Get returns the lane of sessionID.
func (p *LanePool) Get(sessionID string) *Lane {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.lanes[sessionID]
	if !ok {
		l = NewLane(sessionID, p.logger)
		p.lanes[sessionID] = l
	}
	return l
}

// Remove closes and forgets the lane of sessionID, if any.
func (p *LanePool) Remove(sessionID string) {
	p.mu.Lock()
	l := p.lanes[sessionID]
	delete(p.lanes, sessionID)
	p.mu.Unlock()
	if l != nil {
		l.Close()
	}
}

// Len returns the number of live lanes.
func (p *LanePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lanes)
}

// Close closes every lane.
func (p *LanePool) Close() {
	p.mu.Lock()
	lanes := p.lanes
	p.lanes = make(map[string]*Lane)
	p.mu.Unlock()
	for _, l := range lanes {
		l.Close()
	}
}
