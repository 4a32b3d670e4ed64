// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdiag/netdiag/internal/agent"
	"github.com/netdiag/netdiag/internal/server"
	"github.com/netdiag/netdiag/internal/store"
)

type sseFrame struct {
	event string
	data  map[string]any
}

func parseFrames(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.data))
		case line == "" && cur.event != "":
			frames = append(frames, cur)
			cur = sseFrame{}
		}
	}
	return frames
}

func TestEvents_UnknownSession(t *testing.T) {
	f := newFixture(t, server.Config{}, newFakeEngine(), nil)
	w := f.do(t, http.MethodGet, "/api/v1/sessions/missing/events", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Zero(t, f.broker.Subscribers("missing"))
}

func TestEvents_FinishedSessionReplaysTerminal(t *testing.T) {
	tests := []struct {
		name  string
		sess  *store.Session
		event string
		check func(t *testing.T, payload map[string]any)
	}{
		{
			name: "completed",
			sess: &store.Session{
				ID:     "s1",
				Status: store.SessionStatusCompleted,
				Step:   4,
				Report: &store.DiagnosticReport{RootCause: "port 5432 filtered", Confidence: 0.85},
			},
			event: "complete",
			check: func(t *testing.T, payload map[string]any) {
				report, ok := payload["report"].(map[string]any)
				require.True(t, ok)
				assert.Equal(t, "port 5432 filtered", report["root_cause"])
			},
		},
		{
			name: "error",
			sess: &store.Session{
				ID:      "s1",
				Status:  store.SessionStatusError,
				Failure: &store.Failure{Kind: store.FailureOracleTransient, Message: "retries exhausted"},
			},
			event: "error",
			check: func(t *testing.T, payload map[string]any) {
				assert.Equal(t, "OracleTransient", payload["kind"])
				assert.Equal(t, "retries exhausted", payload["message"])
			},
		},
		{
			name:  "cancelled",
			sess:  &store.Session{ID: "s1", Status: store.SessionStatusCancelled},
			event: "cancelled",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, server.Config{}, newFakeEngine(tt.sess), nil)
			w := f.do(t, http.MethodGet, "/api/v1/sessions/s1/events", "")
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

			frames := parseFrames(t, w.Body.String())
			require.Len(t, frames, 1)
			assert.Equal(t, tt.event, frames[0].event)
			assert.Equal(t, "s1", frames[0].data["session_id"])
			if tt.check != nil {
				payload, _ := frames[0].data["payload"].(map[string]any)
				tt.check(t, payload)
			}
		})
	}
}

func TestEvents_PrefersRetainedEvent(t *testing.T) {
	sess := &store.Session{ID: "s1", Status: store.SessionStatusCompleted}
	f := newFixture(t, server.Config{}, newFakeEngine(sess), nil)
	require.NoError(t, f.broker.Publish(context.Background(), agent.Event{
		Type:      agent.EventComplete,
		SessionID: "s1",
		Step:      2,
		Payload:   map[string]any{"source": "broker"},
	}))

	w := f.do(t, http.MethodGet, "/api/v1/sessions/s1/events", "")
	frames := parseFrames(t, w.Body.String())
	require.Len(t, frames, 1)
	payload, _ := frames[0].data["payload"].(map[string]any)
	assert.Equal(t, "broker", payload["source"])
}

func TestEvents_StreamsUntilTerminal(t *testing.T) {
	sess := &store.Session{ID: "s1", Status: store.SessionStatusActive}
	f := newFixture(t, server.Config{}, newFakeEngine(sess), nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1/events", nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.srv.Handler().ServeHTTP(w, req)
	}()

	require.Eventually(t, func() bool { return f.broker.Subscribers("s1") == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	for _, ev := range []agent.Event{
		{Type: agent.EventStepStart, SessionID: "s1", Step: 1},
		{Type: agent.EventActionResult, SessionID: "s1", Step: 1, Payload: map[string]any{"action": "ping"}},
		{Type: agent.EventComplete, SessionID: "s1", Step: 2},
	} {
		require.NoError(t, f.broker.Publish(ctx, ev))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after terminal event")
	}

	frames := parseFrames(t, w.Body.String())
	var types []string
	for _, fr := range frames {
		types = append(types, fr.event)
	}
	assert.Equal(t, []string{"step_start", "action_result", "complete"}, types)
	assert.Zero(t, f.broker.Subscribers("s1"))
}

func TestEvents_KeepAliveAndDisconnect(t *testing.T) {
	sess := &store.Session{ID: "s1", Status: store.SessionStatusWaitingUser}
	f := newFixture(t, server.Config{KeepAlive: 10 * time.Millisecond}, newFakeEngine(sess), nil)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/sessions/s1/events", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": keep-alive\n", line)

	cancel()
	require.Eventually(t, func() bool { return f.broker.Subscribers("s1") == 0 }, 2*time.Second, 10*time.Millisecond)
}
