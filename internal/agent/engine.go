// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

// Package agent implements the diagnosis engine: the step-bounded loop that
// alternates oracle decisions with action invocations, the session state
// machine, and the cancellation protocol.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/netdiag/netdiag/internal/action"
	"github.com/netdiag/netdiag/internal/metrics"
	"github.com/netdiag/netdiag/internal/oracle"
	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

const (
	// DefaultMaxSteps is the step budget when Config.MaxSteps is zero.
	DefaultMaxSteps = 10

	titleLimit = 50
)

var (
	// errFinished aborts a loop transition on a session that some other path
	// has already moved out of active.
	errFinished = errors.New("session already finished")

	// errCancelRaised aborts a direct cancellation when a running loop took
	// over the request.
	errCancelRaised = errors.New("cancellation raised on running loop")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds the dependencies and limits of an Engine.
type Config struct {
	Store   store.SessionStore
	Actions *action.Registry
	Oracles oracle.Builder
	Sink    EventSink
	Metrics *metrics.Engine
	Logger  *slog.Logger

	MaxSteps int
	// ActionTimeout applies to actions that declare no timeout of their own.
	ActionTimeout  time.Duration
	PersistTimeout time.Duration
	CacheSize      int64
	// DefaultOracle fills the zero fields of a request's oracle config.
	DefaultOracle store.OracleConfig
}

// StartRequest describes a new diagnosis.
type StartRequest struct {
	Task   store.DiagnosticTask
	Title  string
	Oracle store.OracleConfig
}

// Engine runs diagnosis sessions. Work for one session is serialized on its
// lane; different sessions progress in parallel.
type Engine struct {
	sessions      *SessionManager
	actions       *action.Registry
	oracles       oracle.Builder
	events        *publisher
	metrics       *metrics.Engine
	logger        *slog.Logger
	lanes         *LanePool
	cancels       *cancellations
	maxSteps      int
	actionTimeout time.Duration
	defaultOracle store.OracleConfig
	now           func() time.Time

	background sync.WaitGroup
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Actions == nil || cfg.Oracles == nil {
		return nil, nderr.New(nderr.CodeServerConfigInvalid, "engine requires a store, an action registry and an oracle builder")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = NopSink
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	sessions, err := NewSessionManager(cfg.Store, cfg.CacheSize, cfg.PersistTimeout)
	if err != nil {
		return nil, err
	}

	return &Engine{
		sessions:      sessions,
		actions:       cfg.Actions,
		oracles:       cfg.Oracles,
		events:        &publisher{sink: sink, logger: logger, metrics: cfg.Metrics, now: time.Now},
		metrics:       cfg.Metrics,
		logger:        logger,
		lanes:         NewLanePool(logger),
		cancels:       newCancellations(),
		maxSteps:      maxSteps,
		actionTimeout: cfg.ActionTimeout,
		defaultOracle: cfg.DefaultOracle,
		now:           time.Now,
	}, nil
}

// MaxSteps returns the step budget.
func (e *Engine) MaxSteps() int { return e.maxSteps }

// Start creates a session for req and runs it until it suspends or ends.
// When the session ends in error the returned session is accompanied by a
// coded error carrying the failure kind.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*store.Session, error) {
	sess, err := e.create(ctx, req)
	if err != nil {
		return nil, err
	}
	runCtx, release := e.cancels.register(ctx, sess.ID)
	defer release()
	return e.runOnLane(runCtx, sess.ID, release)
}

// StartAsync creates a session and returns once it is persisted; the loop
// continues in the background.
func (e *Engine) StartAsync(ctx context.Context, req StartRequest) (*store.Session, error) {
	sess, err := e.create(ctx, req)
	if err != nil {
		return nil, err
	}
	e.runAsync(ctx, sess.ID)
	return sess, nil
}

// Resume answers the pending question of a waiting session and runs the loop
// again. It fails with a not-found error for unknown sessions and an
// invalid-state error unless the session is waiting for the user.
func (e *Engine) Resume(ctx context.Context, id, answer string) (*store.Session, error) {
	if err := e.prepareResume(ctx, id, answer); err != nil {
		return nil, err
	}
	runCtx, release := e.cancels.register(ctx, id)
	defer release()
	return e.runOnLane(runCtx, id, release)
}

// ResumeAsync is Resume with the loop running in the background.
func (e *Engine) ResumeAsync(ctx context.Context, id, answer string) (*store.Session, error) {
	if err := e.prepareResume(ctx, id, answer); err != nil {
		return nil, err
	}
	sess, err := e.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.runAsync(ctx, id)
	return sess, nil
}

// Continue runs the loop of an active session that has no loop running, as
// after a process restart.
func (e *Engine) Continue(ctx context.Context, id string) (*store.Session, error) {
	if err := e.checkContinuable(ctx, id); err != nil {
		return nil, err
	}
	runCtx, release := e.cancels.register(ctx, id)
	defer release()
	return e.runOnLane(runCtx, id, release)
}

// Recover restarts the loops of all active sessions in the background and
// returns how many it restarted.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	active, err := e.sessions.List(ctx, store.ListFilter{Status: store.SessionStatusActive})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range active {
		if e.cancels.isRunning(s.ID) {
			continue
		}
		e.runAsync(ctx, s.ID)
		n++
	}
	if n > 0 {
		e.logger.Info("recovered active sessions", slog.Int("count", n))
	}
	return n, nil
}

// Cancel requests cancellation of a session. It is idempotent and a no-op
// on terminal sessions. A session with a running loop is handed to that
// loop, which persists cancelled at its next checkpoint or, when it already
// suspended, as it stops. Any other non-terminal session is cancelled
// directly.
func (e *Engine) Cancel(ctx context.Context, id string) (*store.Session, error) {
	updated, err := e.sessions.Update(ctx, id, func(s *store.Session) error {
		if s.Status.Terminal() {
			return errFinished
		}
		if e.cancels.raise(id) {
			return errCancelRaised
		}
		s.Status = store.SessionStatusCancelled
		s.PendingQuestion = ""
		return nil
	})
	switch {
	case nderr.IsNotFound(err):
		return nil, sessionNotFound(id)
	case errors.Is(err, errCancelRaised):
		e.logger.Info("cancellation requested", slog.String("session_id", id))
		return e.getSession(ctx, id)
	case errors.Is(err, errFinished):
		return e.getSession(ctx, id)
	case err != nil:
		return nil, nderr.With(err, nderr.FieldSessionID(id))
	}

	e.finishedCancelled(ctx, updated, "cancelled while no loop was running")
	if !e.cancels.isRunning(id) {
		e.lanes.Remove(id)
	}
	return updated, nil
}

// Session returns the current state of a session.
func (e *Engine) Session(ctx context.Context, id string) (*store.Session, error) {
	return e.getSession(ctx, id)
}

// Messages returns the log of a session.
func (e *Engine) Messages(ctx context.Context, id string) ([]*store.Message, error) {
	msgs, err := e.sessions.Messages(ctx, id)
	if nderr.IsNotFound(err) {
		return nil, sessionNotFound(id)
	}
	return msgs, err
}

// List returns session summaries.
func (e *Engine) List(ctx context.Context, filter store.ListFilter) ([]*store.SessionSummary, error) {
	return e.sessions.List(ctx, filter)
}

// Rename sets the title of a session.
func (e *Engine) Rename(ctx context.Context, id, title string) (*store.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, nderr.New(nderr.CodeAgentTaskInvalid, "title is required", nderr.FieldSessionID(id))
	}
	s, err := e.sessions.Update(ctx, id, func(s *store.Session) error {
		s.Title = title
		return nil
	})
	if nderr.IsNotFound(err) {
		return nil, sessionNotFound(id)
	}
	return s, err
}

// Delete removes a session and its log. Sessions with a running loop must
// be cancelled first.
func (e *Engine) Delete(ctx context.Context, id string) error {
	err := e.sessions.Delete(ctx, id, func(s *store.Session) error {
		if e.cancels.isRunning(id) {
			return nderr.New(nderr.CodeAgentSessionInvalidState,
				"session is running; cancel it before deleting", nderr.FieldSessionID(id))
		}
		return nil
	})
	if nderr.IsNotFound(err) {
		return sessionNotFound(id)
	}
	if err != nil {
		return err
	}
	e.lanes.Remove(id)
	return nil
}

// Close waits for background loops to finish or ctx to expire, then
// releases the lanes and the cache.
func (e *Engine) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.background.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.lanes.Close()
	e.sessions.Close()
	return nil
}

func (e *Engine) create(ctx context.Context, req StartRequest) (*store.Session, error) {
	now := e.now()
	task := req.Task
	task.UserInput = strings.TrimSpace(task.UserInput)
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if err := validate.Struct(task); err != nil {
		return nil, invalidTask(err)
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = head(task.UserInput, titleLimit)
	}

	sess := &store.Session{
		ID:           uuid.New().String(),
		Title:        title,
		Task:         task,
		Status:       store.SessionStatusActive,
		OracleConfig: e.oracleConfig(req.Oracle),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	taskMsg := &store.Message{
		Role:    store.MessageRoleUser,
		Kind:    store.MessageKindTask,
		Content: task.UserInput,
	}
	if err := e.sessions.Create(ctx, sess, taskMsg); err != nil {
		return nil, nderr.With(err, nderr.FieldSessionID(sess.ID))
	}

	e.logger.Info("diagnosis started",
		slog.String("session_id", sess.ID),
		slog.String("task_id", task.ID),
		slog.String("target", task.Target))
	e.events.emit(ctx, EventStart, sess.ID, 0, map[string]any{
		"task":  task,
		"title": title,
	})
	return sess, nil
}

func (e *Engine) oracleConfig(cfg store.OracleConfig) store.OracleConfig {
	d := e.defaultOracle
	if cfg.Provider == "" && cfg.Model == "" {
		cfg.Provider, cfg.Model = d.Provider, d.Model
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = d.Temperature
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = d.MaxTokens
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = d.BaseDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = d.MaxDelay
	}
	return cfg
}

func (e *Engine) prepareResume(ctx context.Context, id, answer string) error {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nderr.New(nderr.CodeAgentTaskInvalid, "answer is required", nderr.FieldSessionID(id))
	}

	return e.lanes.Get(id).Submit(context.WithoutCancel(ctx), func(context.Context) error {
		_, err := e.sessions.Update(ctx, id, func(s *store.Session) error {
			if s.Status != store.SessionStatusWaitingUser {
				return invalidState(id, s.Status, "resume requires waiting_user")
			}
			s.Status = store.SessionStatusActive
			s.PendingQuestion = ""
			return nil
		})
		if nderr.IsNotFound(err) {
			return sessionNotFound(id)
		}
		if err != nil {
			return err
		}

		msg := &store.Message{Role: store.MessageRoleUser, Kind: store.MessageKindAnswer, Content: answer}
		if err := e.sessions.Append(ctx, id, msg); err != nil {
			return nderr.With(nderr.Errorf(nderr.CodeAgentPersistFailure, "recording answer: %v", err), nderr.FieldSessionID(id))
		}
		e.logger.Info("session resumed", slog.String("session_id", id))
		return nil
	})
}

func (e *Engine) checkContinuable(ctx context.Context, id string) error {
	sess, err := e.getSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != store.SessionStatusActive {
		return invalidState(id, sess.Status, "continue requires active")
	}
	if e.cancels.isRunning(id) {
		return nderr.New(nderr.CodeAgentSessionInvalidState, "session loop is already running", nderr.FieldSessionID(id))
	}
	return nil
}

func (e *Engine) runAsync(ctx context.Context, id string) {
	runCtx, release := e.cancels.register(context.WithoutCancel(ctx), id)
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		defer release()
		if _, err := e.runOnLane(runCtx, id, release); err != nil {
			e.logger.Error("diagnosis loop failed",
				slog.String("session_id", id),
				slog.String("kind", string(KindOf(err))),
				slog.Any("error", err))
		}
	}()
}

// runOnLane runs the loop of id on its lane. The lane wait detaches from
// runCtx so that a raised token still reaches the loop's first checkpoint
// and is persisted. release deregisters the token on the lane once the loop
// stops; a cancellation raised after the loop's last checkpoint is then
// settled here.
func (e *Engine) runOnLane(runCtx context.Context, id string, release func()) (*store.Session, error) {
	// runCtx ends at release, inside the lane task.
	ctx := context.WithoutCancel(runCtx)
	var runErr error
	err := e.lanes.Get(id).Submit(ctx, func(context.Context) error {
		runErr = e.run(runCtx, id)
		release()
		if cancelRequested(runCtx) {
			e.settleCancel(ctx, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sess, err := e.getSession(ctx, id)
	if err != nil {
		return nil, nderr.Join(runErr, err)
	}
	if sess.Status.Terminal() {
		e.sessions.Evict(id)
		e.lanes.Remove(id)
	}
	return sess, runErr
}

// settleCancel persists cancelled for a session whose loop stopped without
// observing a raised token, for example right after it suspended.
func (e *Engine) settleCancel(ctx context.Context, id string) {
	updated, err := e.sessions.Update(ctx, id, func(s *store.Session) error {
		if s.Status.Terminal() {
			return errFinished
		}
		s.Status = store.SessionStatusCancelled
		s.PendingQuestion = ""
		return nil
	})
	switch {
	case errors.Is(err, errFinished):
	case err != nil:
		e.logger.Error("persisting cancellation failed",
			slog.String("session_id", id), slog.Any("error", err))
	default:
		e.finishedCancelled(ctx, updated, "cancelled by request")
	}
}

func (e *Engine) getSession(ctx context.Context, id string) (*store.Session, error) {
	s, err := e.sessions.Get(ctx, id)
	if nderr.IsNotFound(err) {
		return nil, sessionNotFound(id)
	}
	return s, err
}

// KindOf returns the failure kind carried by an engine error, or "" when
// err is nil or not a session failure.
func KindOf(err error) store.FailureKind {
	switch nderr.CodeOf(err) {
	case "":
		return ""
	case nderr.CodeOracleCallFatal, nderr.CodeOracleDecisionInvalid:
		return store.FailureOracleFatal
	case nderr.CodeOracleCallTransient:
		return store.FailureOracleTransient
	case nderr.CodeAgentLoopRepeatedFailure:
		return store.FailureRepeatedFailureLoop
	case nderr.CodeAgentPersistFailure:
		return store.FailurePersistence
	case nderr.CodeActionArgsInvalid, nderr.CodeAgentTaskInvalid:
		return store.FailureValidation
	case nderr.CodeActionNotFound:
		return store.FailureActionNotFound
	case nderr.CodeActionInvokeTimeout:
		return store.FailureActionTimeout
	default:
		return ""
	}
}

func sessionNotFound(id string) error {
	return nderr.New(nderr.CodeAgentSessionNotFound, fmt.Sprintf("session %s not found", id), nderr.FieldSessionID(id))
}

func invalidState(id string, status store.SessionStatus, want string) error {
	return nderr.New(nderr.CodeAgentSessionInvalidState,
		fmt.Sprintf("session %s is %s; %s", id, status, want),
		nderr.FieldSessionID(id), nderr.Field("status", string(status)))
}

func invalidTask(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
		}
		return nderr.New(nderr.CodeAgentTaskInvalid, "invalid task: "+strings.Join(msgs, "; "))
	}
	return nderr.Errorf(nderr.CodeAgentTaskInvalid, "invalid task: %v", err)
}
