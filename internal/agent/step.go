// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/netdiag/netdiag/internal/oracle"
	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// runState is the in-memory view of one session while its loop runs.
type runState struct {
	sess   *store.Session
	log    []*store.Message
	oracle oracle.Oracle
}

// RunStep performs exactly one loop iteration on an active session: one
// oracle consultation plus at most one action invocation. The session is
// reloaded from the store, which stays the source of truth; ctx acts as the
// cancellation token.
func (e *Engine) RunStep(ctx context.Context, session *store.Session) (oracle.Decision, error) {
	if session == nil {
		return nil, nderr.New(nderr.CodeAgentTaskInvalid, "session is required")
	}
	st, err := e.load(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if st.sess.Status != store.SessionStatusActive {
		return nil, invalidState(st.sess.ID, st.sess.Status, "a step requires active")
	}
	if e.cancels.isRunning(st.sess.ID) {
		return nil, nderr.New(nderr.CodeAgentSessionInvalidState, "session loop is already running", nderr.FieldSessionID(st.sess.ID))
	}
	d, err := e.step(ctx, st)
	if errors.Is(err, errFinished) {
		return d, nil
	}
	return d, err
}

// run drives the loop until the session leaves the active status.
func (e *Engine) run(ctx context.Context, id string) error {
	st, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if st.sess.Status != store.SessionStatusActive {
		return nil
	}

	done := e.metrics.LoopStarted()
	defer done()

	for st.sess.Status == store.SessionStatusActive {
		if _, err := e.step(ctx, st); err != nil {
			if errors.Is(err, errFinished) {
				return nil
			}
			return err
		}
	}
	return nil
}

// load reads the session from the store rather than the cache so the loop
// starts from the latest committed state.
func (e *Engine) load(ctx context.Context, id string) (*runState, error) {
	sess, err := e.sessions.Reload(ctx, id)
	if nderr.IsNotFound(err) {
		return nil, sessionNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	log, err := e.sessions.Messages(ctx, id)
	if err != nil {
		return nil, nderr.With(err, nderr.FieldSessionID(id))
	}
	st := &runState{sess: sess, log: log}
	if sess.Status != store.SessionStatusActive {
		return st, nil
	}

	o, err := e.oracles.Build(sess.OracleConfig)
	if err != nil {
		return st, e.fail(ctx, st, store.FailureOracleFatal,
			nderr.Errorf(nderr.CodeOracleCallFatal, "building oracle: %v", err))
	}
	st.oracle = o
	return st, nil
}

func (e *Engine) step(ctx context.Context, st *runState) (oracle.Decision, error) {
	// Checkpoint before the oracle call.
	if ctx.Err() != nil {
		return nil, e.cancel(ctx, st)
	}
	if st.sess.Step >= e.maxSteps {
		return e.exhausted(ctx, st)
	}

	stepNo := st.sess.Step + 1
	e.events.emit(ctx, EventStepStart, st.sess.ID, stepNo, nil)

	d, err := st.oracle.Decide(ctx, oracle.Request{
		SessionID: st.sess.ID,
		Task:      st.sess.Task,
		Log:       st.log,
		Actions:   e.actions.Catalogue(),
		Step:      stepNo,
		MaxSteps:  e.maxSteps,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, e.cancel(ctx, st)
		}
		if !nderr.HasCode(err, nderr.CodeOracleCallFatal) {
			err = nderr.Errorf(nderr.CodeOracleCallFatal, "oracle: %v", err)
		}
		return nil, e.fail(ctx, st, store.FailureOracleFatal, err)
	}

	e.metrics.Decision(d.Kind())
	e.logger.Debug("oracle decided",
		slog.String("session_id", st.sess.ID),
		slog.Int("step", stepNo),
		slog.String("decision", d.Kind()))

	switch d := d.(type) {
	case oracle.FinalAnswer:
		return d, e.complete(ctx, st, buildReport(st.sess.Task, st.log, d, e.now()))
	case oracle.AskUser:
		return d, e.suspend(ctx, st, d.Question)
	case oracle.CallAction:
		return d, e.invoke(ctx, st, d)
	default:
		return nil, e.fail(ctx, st, store.FailureOracleFatal,
			nderr.Errorf(nderr.CodeOracleDecisionInvalid, "unsupported decision %T", d))
	}
}

func (e *Engine) invoke(ctx context.Context, st *runState, call oracle.CallAction) error {
	// Checkpoint before the action call.
	if ctx.Err() != nil {
		return e.cancel(ctx, st)
	}

	timeout := e.actionTimeout
	if def, ok := e.actions.Lookup(call.Name); ok && def.Timeout > 0 {
		timeout = 0
	}

	startedAt := e.now()
	res := e.actions.Invoke(ctx, call.Name, call.Args, timeout)
	inv := &store.ActionInvocation{
		Step:      st.sess.Step + 1,
		CallID:    call.ID,
		Action:    call.Name,
		Args:      store.CloneArgs(call.Args),
		Result:    res,
		StartedAt: startedAt,
	}
	repeated := repeatsLast(st.log, inv)

	msg := &store.Message{
		Role:       store.MessageRoleAssistant,
		Kind:       store.MessageKindAction,
		Content:    describeInvocation(inv),
		Invocation: inv,
	}
	if err := e.append(ctx, st, msg); err != nil {
		return err
	}
	if err := e.transition(ctx, st, func(s *store.Session) {
		s.Step = inv.Step
	}); err != nil {
		return err
	}

	e.metrics.Action(inv.Action, outcome(res), res.Duration)
	e.logger.Info("action invoked",
		slog.String("session_id", st.sess.ID),
		slog.Int("step", inv.Step),
		slog.String("action", inv.Action),
		slog.Bool("success", res.Success),
		slog.String("error_kind", string(res.ErrorKind)),
		slog.Duration("duration", res.Duration))
	e.events.emit(ctx, EventActionResult, st.sess.ID, inv.Step, map[string]any{
		"action":     inv.Action,
		"args":       inv.Args,
		"success":    res.Success,
		"output":     head(res.Output, evidenceLimit),
		"error":      head(res.ErrorOutput, evidenceLimit),
		"error_kind": res.ErrorKind,
		"duration":   res.Duration.Seconds(),
	})

	if repeated {
		return e.fail(ctx, st, store.FailureRepeatedFailureLoop, nderr.New(nderr.CodeAgentLoopRepeatedFailure,
			fmt.Sprintf("action %s failed identically on two consecutive steps", inv.Action),
			nderr.FieldAction(inv.Action), nderr.FieldStep(inv.Step)))
	}
	return nil
}

func (e *Engine) complete(ctx context.Context, st *runState, report *store.DiagnosticReport) error {
	msg := &store.Message{
		Role:    store.MessageRoleAssistant,
		Kind:    store.MessageKindReport,
		Content: report.RootCause,
		Report:  report,
	}
	if err := e.append(ctx, st, msg); err != nil {
		return err
	}
	if err := e.transition(ctx, st, func(s *store.Session) {
		s.Status = store.SessionStatusCompleted
		s.Report = report
		s.PendingQuestion = ""
	}); err != nil {
		return err
	}

	e.metrics.Finished(string(store.SessionStatusCompleted), "")
	e.logger.Info("diagnosis completed",
		slog.String("session_id", st.sess.ID),
		slog.Int("step", st.sess.Step),
		slog.Float64("confidence", report.Confidence),
		slog.Bool("need_human", report.NeedHuman))
	e.events.emit(ctx, EventComplete, st.sess.ID, st.sess.Step, map[string]any{"report": report})
	return nil
}

// exhausted ends a session that used its whole step budget.
func (e *Engine) exhausted(ctx context.Context, st *runState) (oracle.Decision, error) {
	report := budgetReport(st.sess.Task, st.log, e.maxSteps, e.now())
	e.logger.Warn("step budget exhausted",
		slog.String("session_id", st.sess.ID),
		slog.Int("step", st.sess.Step))
	d := oracle.FinalAnswer{
		RootCause:   report.RootCause,
		Confidence:  report.Confidence,
		Evidence:    report.Evidence,
		Suggestions: report.Suggestions,
	}
	return d, e.complete(ctx, st, report)
}

func (e *Engine) suspend(ctx context.Context, st *runState, question string) error {
	msg := &store.Message{Role: store.MessageRoleAssistant, Kind: store.MessageKindQuestion, Content: question}
	if err := e.append(ctx, st, msg); err != nil {
		return err
	}
	if err := e.transition(ctx, st, func(s *store.Session) {
		s.Status = store.SessionStatusWaitingUser
		s.PendingQuestion = question
	}); err != nil {
		return err
	}

	e.logger.Info("waiting for user",
		slog.String("session_id", st.sess.ID),
		slog.Int("step", st.sess.Step))
	e.events.emit(ctx, EventAskUser, st.sess.ID, st.sess.Step, map[string]any{"question": question})
	return nil
}

// cancel persists the cancelled status after a checkpoint observed the
// token.
func (e *Engine) cancel(ctx context.Context, st *runState) error {
	reason := "cancelled by request"
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, errCancelRequested) {
		reason = "cancelled: " + cause.Error()
	}
	if err := e.transition(ctx, st, func(s *store.Session) {
		s.Status = store.SessionStatusCancelled
		s.PendingQuestion = ""
	}); err != nil {
		return err
	}
	e.finishedCancelled(ctx, st.sess, reason)
	return nil
}

func (e *Engine) finishedCancelled(ctx context.Context, sess *store.Session, reason string) {
	note := &store.Message{Role: store.MessageRoleSystem, Kind: store.MessageKindNote, Content: reason}
	if err := e.sessions.Append(ctx, sess.ID, note); err != nil {
		e.logger.Warn("recording cancellation note failed",
			slog.String("session_id", sess.ID), slog.Any("error", err))
	}
	e.metrics.Finished(string(store.SessionStatusCancelled), "")
	e.logger.Info("diagnosis cancelled",
		slog.String("session_id", sess.ID),
		slog.Int("step", sess.Step),
		slog.String("reason", reason))
	e.events.emit(ctx, EventCancelled, sess.ID, sess.Step, map[string]any{"reason": reason})
}

// fail moves the session to error with kind and returns cause annotated
// with the session id.
func (e *Engine) fail(ctx context.Context, st *runState, kind store.FailureKind, cause error) error {
	cause = nderr.With(cause, nderr.FieldSessionID(st.sess.ID), nderr.Field("kind", string(kind)))
	if err := e.transition(ctx, st, func(s *store.Session) {
		s.Status = store.SessionStatusError
		s.PendingQuestion = ""
		s.Failure = &store.Failure{Kind: kind, Message: cause.Error()}
	}); err != nil {
		return err
	}

	note := &store.Message{
		Role:    store.MessageRoleSystem,
		Kind:    store.MessageKindNote,
		Content: fmt.Sprintf("diagnosis failed (%s): %s", kind, cause.Error()),
	}
	if err := e.sessions.Append(ctx, st.sess.ID, note); err != nil {
		e.logger.Warn("recording failure note failed",
			slog.String("session_id", st.sess.ID), slog.Any("error", err))
	}

	e.metrics.Finished(string(store.SessionStatusError), string(kind))
	e.logger.Error("diagnosis failed",
		slog.String("session_id", st.sess.ID),
		slog.Int("step", st.sess.Step),
		slog.String("kind", string(kind)),
		slog.Any("error", cause))
	e.events.emit(ctx, EventError, st.sess.ID, st.sess.Step, map[string]any{
		"kind":    kind,
		"message": cause.Error(),
	})
	return cause
}

// transition applies mutate to the stored record, which must still be
// active, and keeps st in sync with it. Every loop transition starts from
// active; only Resume moves a session out of waiting_user.
func (e *Engine) transition(ctx context.Context, st *runState, mutate func(*store.Session)) error {
	updated, err := e.sessions.Update(ctx, st.sess.ID, func(s *store.Session) error {
		if s.Status != store.SessionStatusActive {
			return errFinished
		}
		mutate(s)
		return nil
	})
	if errors.Is(err, errFinished) {
		if cur, gerr := e.sessions.Get(ctx, st.sess.ID); gerr == nil {
			st.sess = cur
		}
		return errFinished
	}
	if err != nil {
		return e.persistFailure(ctx, st, err)
	}
	st.sess = updated
	return nil
}

func (e *Engine) append(ctx context.Context, st *runState, msg *store.Message) error {
	if err := e.sessions.Append(ctx, st.sess.ID, msg); err != nil {
		return e.persistFailure(ctx, st, err)
	}
	st.log = append(st.log, msg)
	return nil
}

// persistFailure aborts the step. It makes one attempt to record the
// PersistenceFailure status and always returns a coded error.
func (e *Engine) persistFailure(ctx context.Context, st *runState, cause error) error {
	err := nderr.With(
		nderr.Errorf(nderr.CodeAgentPersistFailure, "persisting session %s: %v", st.sess.ID, cause),
		nderr.FieldSessionID(st.sess.ID),
		nderr.Field("kind", string(store.FailurePersistence)),
	)

	updated, rerr := e.sessions.Update(ctx, st.sess.ID, func(s *store.Session) error {
		if s.Status != store.SessionStatusActive {
			return errFinished
		}
		s.Status = store.SessionStatusError
		s.PendingQuestion = ""
		s.Failure = &store.Failure{Kind: store.FailurePersistence, Message: cause.Error()}
		return nil
	})
	if rerr == nil {
		st.sess = updated
		e.metrics.Finished(string(store.SessionStatusError), string(store.FailurePersistence))
		e.events.emit(ctx, EventError, st.sess.ID, st.sess.Step, map[string]any{
			"kind":    store.FailurePersistence,
			"message": cause.Error(),
		})
	} else {
		// The record could not be written; stop the loop regardless.
		st.sess.Status = store.SessionStatusError
	}

	e.logger.Error("persisting session failed",
		slog.String("session_id", st.sess.ID),
		slog.Int("step", st.sess.Step),
		slog.Any("error", cause),
		slog.Any("record_error", rerr))
	return err
}

// repeatsLast reports whether inv repeats the immediately preceding log
// entry: the same action with the same arguments failing the same way.
func repeatsLast(log []*store.Message, inv *store.ActionInvocation) bool {
	if len(log) == 0 || inv.Result.Success {
		return false
	}
	last := log[len(log)-1]
	if last.Kind != store.MessageKindAction || last.Invocation == nil {
		return false
	}
	prev := last.Invocation
	return !prev.Result.Success &&
		prev.Action == inv.Action &&
		canonicalArgs(prev.Args) == canonicalArgs(inv.Args) &&
		sameFailure(prev.Result, inv.Result)
}

// canonicalArgs renders args with sorted keys so equal maps compare equal.
func canonicalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(raw)
}

func sameFailure(a, b store.ActionResult) bool {
	if a.Output != b.Output || a.ErrorOutput != b.ErrorOutput || a.ErrorKind != b.ErrorKind {
		return false
	}
	switch {
	case a.ExitCode == nil && b.ExitCode == nil:
		return true
	case a.ExitCode == nil || b.ExitCode == nil:
		return false
	default:
		return *a.ExitCode == *b.ExitCode
	}
}

func describeInvocation(inv *store.ActionInvocation) string {
	status := "ok"
	if !inv.Result.Success {
		status = "failed"
		if inv.Result.ErrorKind != "" {
			status = fmt.Sprintf("failed (%s)", inv.Result.ErrorKind)
		}
	}
	return fmt.Sprintf("%s %s -> %s", inv.Action, canonicalArgs(inv.Args), status)
}

func outcome(r store.ActionResult) string {
	switch {
	case r.Success:
		return "success"
	case r.ErrorKind != "":
		return string(r.ErrorKind)
	default:
		return "failure"
	}
}
