// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package agent_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netdiag/netdiag/internal/action"
	"github.com/netdiag/netdiag/internal/agent"
	"github.com/netdiag/netdiag/internal/events"
	"github.com/netdiag/netdiag/internal/oracle"
	"github.com/netdiag/netdiag/internal/store"
)

// scriptedOracle answers with steps in order, repeating the last one.
type scriptedOracle struct {
	mu       sync.Mutex
	steps    []func(oracle.Request) (oracle.Decision, error)
	requests []oracle.Request
}

func script(steps ...func(oracle.Request) (oracle.Decision, error)) *scriptedOracle {
	return &scriptedOracle{steps: steps}
}

func (o *scriptedOracle) Decide(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
	o.mu.Lock()
	i := len(o.requests)
	o.requests = append(o.requests, req)
	if i >= len(o.steps) {
		i = len(o.steps) - 1
	}
	step := o.steps[i]
	o.mu.Unlock()
	return step(req)
}

func (o *scriptedOracle) calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

func (o *scriptedOracle) request(i int) oracle.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[i]
}

func decide(d oracle.Decision) func(oracle.Request) (oracle.Decision, error) {
	return func(oracle.Request) (oracle.Decision, error) { return d, nil }
}

func failWith(err error) func(oracle.Request) (oracle.Decision, error) {
	return func(oracle.Request) (oracle.Decision, error) { return nil, err }
}

func probe(host string, port int) oracle.CallAction {
	return oracle.CallAction{ID: "call", Name: "probe_port", Args: map[string]any{"host": host, "port": port}}
}

// probeBehaviour decides what the fake probe_port action does.
type probeBehaviour func(ctx context.Context, args map[string]any) (action.Result, error)

func refused(context.Context, map[string]any) (action.Result, error) {
	code := 1
	return action.Result{ErrorOutput: "connection refused: 10.0.2.20:80", ExitCode: &code}, nil
}

func open(_ context.Context, args map[string]any) (action.Result, error) {
	return action.Result{Success: true, Output: "port open"}, nil
}

func hangs(started chan<- struct{}) probeBehaviour {
	var once sync.Once
	return func(ctx context.Context, _ map[string]any) (action.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return action.Result{}, ctx.Err()
	}
}

func newRegistry(t *testing.T, behaviour probeBehaviour) *action.Registry {
	t.Helper()
	reg := action.NewRegistry(nil)
	require.NoError(t, reg.Register(action.Definition{
		Name:        "probe_port",
		Description: "Probe a TCP port",
		Schema: &action.Schema{
			Type: action.TypeObject,
			Properties: map[string]*action.Schema{
				"host": {Type: action.TypeString},
				"port": {Type: action.TypeInteger, Minimum: action.Float(1), Maximum: action.Float(65535)},
			},
			Required: []string{"host", "port"},
		},
	}, action.ExecutorFunc(behaviour)))
	require.NoError(t, reg.Register(action.Definition{
		Name:   "resolve_host",
		Schema: &action.Schema{Type: action.TypeObject, Properties: map[string]*action.Schema{"host": {Type: action.TypeString}}},
	}, action.ExecutorFunc(func(_ context.Context, args map[string]any) (action.Result, error) {
		return action.Result{Success: true, Output: action.String(args, "host") + " resolves to 10.0.2.20"}, nil
	})))
	return reg
}

type testEngine struct {
	*agent.Engine
	store    store.SessionStore
	recorder *events.Recorder
}

type engineOption func(*agent.Config)

func withMaxSteps(n int) engineOption {
	return func(c *agent.Config) { c.MaxSteps = n }
}

func withActionTimeout(d time.Duration) engineOption {
	return func(c *agent.Config) { c.ActionTimeout = d }
}

func withStore(s store.SessionStore) engineOption {
	return func(c *agent.Config) { c.Store = s }
}

// withSink publishes to s after the recorder.
func withSink(s agent.EventSink) engineOption {
	return func(c *agent.Config) { c.Sink = events.Multi(c.Sink, s) }
}

func newEngine(t *testing.T, o oracle.Oracle, reg *action.Registry, opts ...engineOption) *testEngine {
	t.Helper()
	rec := events.NewRecorder()
	cfg := agent.Config{
		Store:   store.NewMemoryStore(),
		Actions: reg,
		Oracles: oracle.Static(o),
		Sink:    rec,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := agent.NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return &testEngine{Engine: e, store: cfg.Store, recorder: rec}
}

func task(input string) agent.StartRequest {
	port := 80
	return agent.StartRequest{Task: store.DiagnosticTask{
		UserInput: input,
		Source:    "web-01",
		Target:    "10.0.2.20",
		Protocol:  store.ProtocolTCP,
		Port:      &port,
	}}
}

func invocationsOf(msgs []*store.Message) []*store.ActionInvocation {
	var out []*store.ActionInvocation
	for _, m := range msgs {
		if m.Invocation != nil {
			out = append(out, m.Invocation)
		}
	}
	return out
}

func countKind(msgs []*store.Message, kind store.MessageKind) int {
	n := 0
	for _, m := range msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

// flakyStore fails AppendMessage once armed.
type flakyStore struct {
	*store.MemoryStore
	armed atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (f *flakyStore) AppendMessage(ctx context.Context, id string, msg *store.Message) error {
	if f.armed.Load() {
		return errDiskFull
	}
	return f.MemoryStore.AppendMessage(ctx, id, msg)
}
