// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdiag/netdiag/internal/agent"
	"github.com/netdiag/netdiag/internal/events"
	"github.com/netdiag/netdiag/internal/metrics"
	"github.com/netdiag/netdiag/internal/provider"
	"github.com/netdiag/netdiag/internal/server"
	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

type fakeEngine struct {
	mu       sync.Mutex
	sessions map[string]*store.Session
	started  []agent.StartRequest
	answers  map[string]string
	filter   store.ListFilter
	err      error
}

func newFakeEngine(sessions ...*store.Session) *fakeEngine {
	f := &fakeEngine{sessions: make(map[string]*store.Session), answers: make(map[string]string)}
	for _, s := range sessions {
		f.sessions[s.ID] = s
	}
	return f
}

func (f *fakeEngine) lookup(id string) (*store.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, nderr.New(nderr.CodeAgentSessionNotFound, "session not found", nderr.FieldSessionID(id))
	}
	return s, nil
}

func (f *fakeEngine) StartAsync(_ context.Context, req agent.StartRequest) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.started = append(f.started, req)
	s := &store.Session{ID: "new-session", Title: req.Title, Task: req.Task, Status: store.SessionStatusActive}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeEngine) ResumeAsync(_ context.Context, id, answer string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	if s.Status != store.SessionStatusWaitingUser {
		return nil, nderr.New(nderr.CodeAgentSessionInvalidState, "session is not waiting for an answer")
	}
	f.answers[id] = answer
	s.Status = store.SessionStatusActive
	return s, nil
}

func (f *fakeEngine) Cancel(_ context.Context, id string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	s.Status = store.SessionStatusCancelled
	return s, nil
}

func (f *fakeEngine) Session(_ context.Context, id string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookup(id)
}

func (f *fakeEngine) Messages(_ context.Context, id string) ([]*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.lookup(id); err != nil {
		return nil, err
	}
	return []*store.Message{
		{ID: "m1", SessionID: id, Seq: 1, Role: store.MessageRoleUser, Kind: store.MessageKindTask, Content: "cannot reach db"},
	}, nil
}

func (f *fakeEngine) List(_ context.Context, filter store.ListFilter) ([]*store.SessionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	var out []*store.SessionSummary
	for _, s := range f.sessions {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		out = append(out, &store.SessionSummary{ID: s.ID, Title: s.Title, Status: s.Status})
	}
	return out, nil
}

func (f *fakeEngine) Rename(_ context.Context, id, title string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	s.Title = title
	return s, nil
}

func (f *fakeEngine) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.lookup(id); err != nil {
		return err
	}
	delete(f.sessions, id)
	return nil
}

type fakeProviders struct{}

func (fakeProviders) Statuses(context.Context) []provider.ProviderStatus {
	return []provider.ProviderStatus{
		{Provider: "openai", Available: true, Message: "ok"},
		{Provider: "anthropic", Available: false, Message: "cooling down"},
	}
}

type fixture struct {
	srv    *server.Server
	engine *fakeEngine
	broker *events.Broker
}

func newFixture(t *testing.T, cfg server.Config, engine *fakeEngine, providers server.ProviderService) *fixture {
	t.Helper()
	broker := events.NewBroker(nil)
	t.Cleanup(broker.Close)

	svc, err := server.NewServices(engine, broker, providers)
	require.NoError(t, err)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	srv, err := server.New(cfg, svc)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, engine: engine, broker: broker}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := server.New(server.Config{}, &server.Services{})
	assert.True(t, nderr.HasCode(err, nderr.CodeServerConfigInvalid))

	_, err = server.New(server.Config{ListenAddr: "127.0.0.1:0"}, nil)
	assert.True(t, nderr.HasCode(err, nderr.CodeServerConfigInvalid))

	_, err = server.NewServices(nil, events.NewBroker(nil), nil)
	assert.True(t, nderr.HasCode(err, nderr.CodeServerConfigInvalid))

	_, err = server.NewServices(newFakeEngine(), nil, nil)
	assert.True(t, nderr.HasCode(err, nderr.CodeServerConfigInvalid))
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t, server.Config{}, newFakeEngine(), nil)
	w := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestServer_StartDiagnosis(t *testing.T) {
	f := newFixture(t, server.Config{}, newFakeEngine(), nil)

	w := f.do(t, http.MethodPost, "/api/v1/diagnoses", `{
		"title": "db outage",
		"task": {"user_input": "app cannot reach db", "target": "10.0.0.5", "protocol": "tcp", "port": 5432},
		"oracle": {"provider": "anthropic", "model": "claude", "temperature": 0}
	}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "new-session", body["session_id"])
	assert.Equal(t, "active", body["status"])

	require.Len(t, f.engine.started, 1)
	req := f.engine.started[0]
	assert.Equal(t, "db outage", req.Title)
	assert.Equal(t, "10.0.0.5", req.Task.Target)
	assert.Equal(t, store.ProtocolTCP, req.Task.Protocol)
	require.NotNil(t, req.Task.Port)
	assert.Equal(t, 5432, *req.Task.Port)
	assert.Equal(t, "anthropic", req.Oracle.Provider)
	assert.Equal(t, "claude", req.Oracle.Model)
}

func TestServer_StartDiagnosis_RejectsBadBody(t *testing.T) {
	f := newFixture(t, server.Config{}, newFakeEngine(), nil)

	w := f.do(t, http.MethodPost, "/api/v1/diagnoses", `{"task": {"user_input": "x", "port": 70000}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Empty(t, f.engine.started)
}

func TestServer_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		detail string
	}{
		{
			name:   "invalid task",
			err:    nderr.New(nderr.CodeAgentTaskInvalid, "task.user_input is required"),
			status: http.StatusUnprocessableEntity,
			detail: "task.user_input is required",
		},
		{
			name:   "oracle upstream",
			err:    nderr.New(nderr.CodeProviderUpstreamFailure, "connection refused to 10.1.1.1"),
			status: http.StatusBadGateway,
			detail: "starting diagnosis failed",
		},
		{
			name:   "internal",
			err:    nderr.New(nderr.CodeStoreDatabaseFailure, "disk I/O error"),
			status: http.StatusInternalServerError,
			detail: "starting diagnosis failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newFakeEngine()
			engine.err = tt.err
			f := newFixture(t, server.Config{}, engine, nil)

			w := f.do(t, http.MethodPost, "/api/v1/diagnoses", `{"task": {"user_input": "slow dns"}}`)
			require.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.detail, decode(t, w)["detail"])
		})
	}
}

func TestServer_GetSession(t *testing.T) {
	sess := &store.Session{
		ID:     "s1",
		Title:  "dns",
		Status: store.SessionStatusCompleted,
		Step:   3,
		Report: &store.DiagnosticReport{RootCause: "resolver down", Confidence: 0.9},
	}
	f := newFixture(t, server.Config{}, newFakeEngine(sess), nil)

	w := f.do(t, http.MethodGet, "/api/v1/sessions/s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "s1", body["session_id"])
	assert.Equal(t, "completed", body["status"])
	assert.InDelta(t, 3, body["step"], 0)
	report, ok := body["report"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "resolver down", report["root_cause"])

	w = f.do(t, http.MethodGet, "/api/v1/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_ListSessions(t *testing.T) {
	engine := newFakeEngine(
		&store.Session{ID: "a", Status: store.SessionStatusCompleted},
		&store.Session{ID: "b", Status: store.SessionStatusWaitingUser},
	)
	f := newFixture(t, server.Config{}, engine, nil)

	w := f.do(t, http.MethodGet, "/api/v1/sessions?status=waiting_user&limit=10&offset=0", "")
	require.Equal(t, http.StatusOK, w.Code)
	sessions, ok := decode(t, w)["sessions"].([]any)
	require.True(t, ok)
	require.Len(t, sessions, 1)
	assert.Equal(t, "b", sessions[0].(map[string]any)["session_id"])
	assert.Equal(t, store.SessionStatusWaitingUser, engine.filter.Status)
	assert.Equal(t, 10, engine.filter.Limit)

	w = f.do(t, http.MethodGet, "/api/v1/sessions?status=bogus", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestServer_ListSessions_EmptyIsArray(t *testing.T) {
	f := newFixture(t, server.Config{}, newFakeEngine(), nil)
	w := f.do(t, http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessions": []}`, stripSchema(t, w.Body.Bytes()))
}

// stripSchema drops the $schema link huma adds to response bodies.
func stripSchema(t *testing.T, raw []byte) string {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	delete(m, "$schema")
	out, err := json.Marshal(m)
	require.NoError(t, err)
	return string(out)
}

func TestServer_Messages(t *testing.T) {
	f := newFixture(t, server.Config{}, newFakeEngine(&store.Session{ID: "s1"}), nil)
	w := f.do(t, http.MethodGet, "/api/v1/sessions/s1/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	msgs, ok := decode(t, w)["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.Equal(t, "cannot reach db", msgs[0].(map[string]any)["content"])
}

func TestServer_Answer(t *testing.T) {
	engine := newFakeEngine(
		&store.Session{ID: "waiting", Status: store.SessionStatusWaitingUser, PendingQuestion: "which port?"},
		&store.Session{ID: "done", Status: store.SessionStatusCompleted},
	)
	f := newFixture(t, server.Config{}, engine, nil)

	w := f.do(t, http.MethodPost, "/api/v1/sessions/waiting/answer", `{"answer": "5432"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "5432", engine.answers["waiting"])

	w = f.do(t, http.MethodPost, "/api/v1/sessions/done/answer", `{"answer": "5432"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/sessions/waiting/answer", `{"answer": ""}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestServer_CancelRenameDelete(t *testing.T) {
	engine := newFakeEngine(&store.Session{ID: "s1", Status: store.SessionStatusActive})
	f := newFixture(t, server.Config{}, engine, nil)

	w := f.do(t, http.MethodPost, "/api/v1/sessions/s1/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decode(t, w)["status"])

	w = f.do(t, http.MethodPatch, "/api/v1/sessions/s1", `{"title": "renamed"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "renamed", decode(t, w)["title"])

	sub := f.broker.Subscribe("s1")
	w = f.do(t, http.MethodDelete, "/api/v1/sessions/s1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	_, open := <-sub.C
	assert.False(t, open, "delete must close event subscriptions")

	w = f.do(t, http.MethodDelete, "/api/v1/sessions/s1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_Providers(t *testing.T) {
	f := newFixture(t, server.Config{}, newFakeEngine(), nil)
	w := f.do(t, http.MethodGet, "/api/v1/providers", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	f = newFixture(t, server.Config{}, newFakeEngine(), fakeProviders{})
	w = f.do(t, http.MethodGet, "/api/v1/providers", "")
	require.Equal(t, http.StatusOK, w.Code)
	providers, ok := decode(t, w)["providers"].([]any)
	require.True(t, ok)
	require.Len(t, providers, 2)
	assert.Equal(t, "openai", providers[0].(map[string]any)["provider"])
	assert.Equal(t, false, providers[1].(map[string]any)["available"])
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewEngine(reg)
	m.Decision("final_answer")

	f := newFixture(t, server.Config{Gatherer: reg}, newFakeEngine(), nil)
	w := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "netdiag_")

	f = newFixture(t, server.Config{}, newFakeEngine(), nil)
	w = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_OpenAPIDocumentsEventStream(t *testing.T) {
	f := newFixture(t, server.Config{}, newFakeEngine(), nil)
	paths := f.srv.API().OpenAPI().Paths
	require.Contains(t, paths, "/api/v1/sessions/{id}/events")
	assert.NotNil(t, paths["/api/v1/sessions/{id}/events"].Get)
}

func TestServer_RateLimit(t *testing.T) {
	cfg := server.Config{RateLimit: server.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}}
	f := newFixture(t, cfg, newFakeEngine(), nil)

	for range 2 {
		w := f.do(t, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "rate limit exceeded", decode(t, w)["detail"])

	// A different client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "198.51.100.7:4242"
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     server.RateLimitConfig
		wantErr bool
	}{
		{name: "disabled", cfg: server.RateLimitConfig{}},
		{name: "valid", cfg: server.RateLimitConfig{RequestsPerSecond: 5, Burst: 10}},
		{name: "negative rate", cfg: server.RateLimitConfig{RequestsPerSecond: -1}, wantErr: true},
		{name: "rate without burst", cfg: server.RateLimitConfig{RequestsPerSecond: 5}, wantErr: true},
		{name: "negative visitors", cfg: server.RateLimitConfig{MaxVisitors: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Validate()
			if tt.wantErr {
				assert.True(t, nderr.HasCode(err, nderr.CodeServerConfigInvalid))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 10000, cfg.MaxVisitors)
		})
	}
}

func TestServer_Start(t *testing.T) {
	f := newFixture(t, server.Config{ListenAddr: "127.0.0.1:0"}, newFakeEngine(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_StartListenFailure(t *testing.T) {
	f := newFixture(t, server.Config{ListenAddr: "256.0.0.1:99999"}, newFakeEngine(), nil)
	err := f.srv.Start(context.Background())
	assert.True(t, nderr.HasCode(err, nderr.CodeServerStartFailure))
}
