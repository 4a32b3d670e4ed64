// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

// Package storetest holds the behavioural suite every SessionStore backend
// must pass.
package storetest

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// Run executes the suite. newStore must return an empty store; the suite
// closes it.
func Run(t *testing.T, newStore func(t *testing.T) store.SessionStore) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.SessionStore)
	}{
		{"RoundTripIsLossless", testRoundTrip},
		{"CreateDuplicateConflicts", testCreateDuplicate},
		{"GetMissingIsNotFound", testGetMissing},
		{"UpdateBumpsVersion", testUpdateBumpsVersion},
		{"UpdateMutatorErrorAborts", testUpdateAbort},
		{"UpdateMissingIsNotFound", testUpdateMissing},
		{"ConcurrentUpdatesSerialize", testConcurrentUpdates},
		{"MessagesKeepAppendOrder", testMessageOrder},
		{"AppendToMissingSession", testAppendMissing},
		{"DeleteCascadesMessages", testDeleteCascades},
		{"DeleteGuardVetoes", testDeleteGuard},
		{"ListFilters", testListFilters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

// NewSession returns a fully populated session for fixtures.
func NewSession(id string) *store.Session {
	port := 5432
	created := time.Date(2026, 3, 1, 12, 0, 0, 123000000, time.UTC)
	return &store.Session{
		ID:    id,
		Title: "db01 unreachable",
		Task: store.DiagnosticTask{
			ID:        "task-" + id,
			UserInput: "app01 cannot reach db01 on 5432",
			Source:    "app01",
			Target:    "db01",
			Protocol:  store.ProtocolTCP,
			Port:      &port,
			FaultType: store.FaultPortUnreachable,
			Context: map[string]any{
				"ticket": "INC-1042",
				"hops":   float64(3),
				"tags":   []any{"prod", "db"},
				"owner":  map[string]any{"team": "dba"},
			},
			CreatedAt: created,
		},
		Status:          store.SessionStatusWaitingUser,
		PendingQuestion: "Is db01 behind the new firewall?",
		Step:            2,
		OracleConfig: store.OracleConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			MaxTokens:   2048,
			Timeout:     60 * time.Second,
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func testRoundTrip(t *testing.T, s store.SessionStore) {
	ctx := context.Background()
	want := NewSession("sess-rt")
	exit := 1
	want.Failure = &store.Failure{Kind: store.FailureOracleFatal, Message: "auth failed"}
	want.Report = &store.DiagnosticReport{
		TaskID:      want.Task.ID,
		RootCause:   "port closed",
		Confidence:  0.85,
		Evidence:    []string{"probe_port: connection refused"},
		Suggestions: []string{"check the service"},
		Invocations: []store.ActionInvocation{{
			Step:   1,
			Action: "probe_port",
			Args:   map[string]any{"host": "db01", "port": float64(5432)},
			Result: store.ActionResult{
				ErrorOutput: "connection refused",
				ExitCode:    &exit,
				Duration:    15 * time.Millisecond,
			},
			StartedAt: want.CreatedAt,
		}},
		TotalDuration: 2 * time.Second,
		CreatedAt:     want.CreatedAt,
	}
	require.NoError(t, s.CreateSession(ctx, want))

	got, err := s.GetSession(ctx, want.ID)
	require.NoError(t, err)
	assert.Equal(t, want.Task, got.Task)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.PendingQuestion, got.PendingQuestion)
	assert.Equal(t, want.OracleConfig, got.OracleConfig)
	assert.Equal(t, want.Step, got.Step)
	assert.Equal(t, want.Title, got.Title)
	assert.Equal(t, want.Report, got.Report)
	assert.Equal(t, want.Failure, got.Failure)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
}

func testCreateDuplicate(t *testing.T, s store.SessionStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, NewSession("dup")))
	err := s.CreateSession(ctx, NewSession("dup"))
	require.Error(t, err)
	assert.True(t, nderr.IsConflict(err))
}

func testGetMissing(t *testing.T, s store.SessionStore) {
	_, err := s.GetSession(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, nderr.IsNotFound(err))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testUpdateBumpsVersion(t *testing.T, s store.SessionStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, NewSession("upd")))
	before, err := s.GetSession(ctx, "upd")
	require.NoError(t, err)

	updated, err := s.UpdateSession(ctx, "upd", func(sess *store.Session) error {
		sess.Status = store.SessionStatusActive
		sess.PendingQuestion = ""
		sess.Step++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, before.Version+1, updated.Version)
	assert.Equal(t, store.SessionStatusActive, updated.Status)

	got, err := s.GetSession(ctx, "upd")
	require.NoError(t, err)
	assert.Equal(t, updated.Version, got.Version)
	assert.Equal(t, 3, got.Step)
	assert.Empty(t, got.PendingQuestion)
	assert.Equal(t, before.Task, got.Task)
}

func testUpdateAbort(t *testing.T, s store.SessionStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, NewSession("abort")))
	sentinel := stderrors.New("veto")

	_, err := s.UpdateSession(ctx, "abort", func(sess *store.Session) error {
		sess.Status = store.SessionStatusCancelled
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	got, err := s.GetSession(ctx, "abort")
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusWaitingUser, got.Status)
}

func testUpdateMissing(t *testing.T, s store.SessionStore) {
	_, err := s.UpdateSession(context.Background(), "ghost", func(*store.Session) error { return nil })
	require.Error(t, err)
	assert.True(t, nderr.IsNotFound(err))
}

func testConcurrentUpdates(t *testing.T, s store.SessionStore) {
	ctx := context.Background()
	sess := NewSession("conc")
	sess.Step = 0
	require.NoError(t, s.CreateSession(ctx, sess))

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateSession(ctx, "conc", func(sess *store.Session) error {
				sess.Step++
				return nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetSession(ctx, "conc")
	require.NoError(t, err)
	assert.Equal(t, workers, got.Step)
}

func testMessageOrder(t *testing.T, s store.SessionStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, NewSession("log")))

	for i := 1; i <= 5; i++ {
		msg := &store.Message{
			ID:      fmt.Sprintf("m-%d", i),
			Role:    store.MessageRoleAssistant,
			Kind:    store.MessageKindAction,
			Content: fmt.Sprintf("step %d", i),
			Invocation: &store.ActionInvocation{
				Step:   i,
				Action: "resolve_host",
				Args:   map[string]any{"host": "db01"},
				Result: store.ActionResult{Success: true, Output: "10.0.0.5"},
			},
		}
		require.NoError(t, s.AppendMessage(ctx, "log", msg))
		assert.Equal(t, i, msg.Seq)
	}

	msgs, err := s.Messages(ctx, "log")
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, msg := range msgs {
		assert.Equal(t, i+1, msg.Seq)
		assert.Equal(t, fmt.Sprintf("m-%d", i+1), msg.ID)
		assert.Equal(t, "log", msg.SessionID)
		require.NotNil(t, msg.Invocation)
		assert.Equal(t, i+1, msg.Invocation.Step)
		assert.Equal(t, "db01", msg.Invocation.Args["host"])
	}
}

func testAppendMissing(t *testing.T, s store.SessionStore) {
	err := s.AppendMessage(context.Background(), "ghost", &store.Message{ID: "m", Role: store.MessageRoleUser})
	require.Error(t, err)
	assert.True(t, nderr.IsNotFound(err))
}

func testDeleteCascades(t *testing.T, s store.SessionStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, NewSession("del")))
	require.NoError(t, s.AppendMessage(ctx, "del", &store.Message{ID: "del-1", Role: store.MessageRoleUser, Kind: store.MessageKindTask}))

	require.NoError(t, s.DeleteSession(ctx, "del", nil))

	_, err := s.GetSession(ctx, "del")
	assert.True(t, nderr.IsNotFound(err))
	_, err = s.Messages(ctx, "del")
	assert.True(t, nderr.IsNotFound(err))

	err = s.DeleteSession(ctx, "del", nil)
	assert.True(t, nderr.IsNotFound(err))

	// The id is reusable and starts with an empty log.
	require.NoError(t, s.CreateSession(ctx, NewSession("del")))
	msgs, err := s.Messages(ctx, "del")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func testDeleteGuard(t *testing.T, s store.SessionStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, NewSession("guarded")))
	sentinel := stderrors.New("still active")

	err := s.DeleteSession(ctx, "guarded", func(sess *store.Session) error {
		assert.Equal(t, "guarded", sess.ID)
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, err = s.GetSession(ctx, "guarded")
	assert.NoError(t, err)
}

func testListFilters(t *testing.T, s store.SessionStore) {
	ctx := context.Background()
	for i, status := range []store.SessionStatus{
		store.SessionStatusActive,
		store.SessionStatusCompleted,
		store.SessionStatusCompleted,
	} {
		sess := NewSession(fmt.Sprintf("list-%d", i))
		sess.Status = status
		require.NoError(t, s.CreateSession(ctx, sess))
	}
	require.NoError(t, s.AppendMessage(ctx, "list-0", &store.Message{ID: "l0-1", Role: store.MessageRoleUser}))
	require.NoError(t, s.AppendMessage(ctx, "list-0", &store.Message{ID: "l0-2", Role: store.MessageRoleUser}))

	all, err := s.ListSessions(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	completed, err := s.ListSessions(ctx, store.ListFilter{Status: store.SessionStatusCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 2)

	active, err := s.ListSessions(ctx, store.ListFilter{Status: store.SessionStatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 2, active[0].MessageCount)

	page, err := s.ListSessions(ctx, store.ListFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	future, err := s.ListSessions(ctx, store.ListFilter{UpdatedBefore: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, future, 3)

	past, err := s.ListSessions(ctx, store.ListFilter{UpdatedBefore: time.Unix(0, 0)})
	require.NoError(t, err)
	assert.Empty(t, past)
}
