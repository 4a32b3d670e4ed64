// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package action_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdiag/netdiag/internal/action"
	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

func probeSchema() *action.Schema {
	return &action.Schema{
		Type: action.TypeObject,
		Properties: map[string]*action.Schema{
			"host":     {Type: action.TypeString, Format: "host"},
			"port":     {Type: action.TypeInteger, Minimum: action.Float(1), Maximum: action.Float(65535)},
			"protocol": {Type: action.TypeString, Enum: []any{"tcp", "udp"}},
		},
		Required:             []string{"host", "port"},
		AdditionalProperties: action.Closed(),
	}
}

func echoExecutor(calls *atomic.Int32) action.Executor {
	return action.ExecutorFunc(func(_ context.Context, args map[string]any) (action.Result, error) {
		if calls != nil {
			calls.Add(1)
		}
		return action.Result{Success: true, Output: action.String(args, "host")}, nil
	})
}

func TestRegistry_InvokeSuccess(t *testing.T) {
	r := action.NewRegistry(nil)
	require.NoError(t, r.Register(action.Definition{Name: "probe_port", Schema: probeSchema()}, echoExecutor(nil)))

	res := r.Invoke(context.Background(), "probe_port", map[string]any{"host": "db01", "port": float64(5432)}, time.Second)
	assert.True(t, res.Success)
	assert.Equal(t, "db01", res.Output)
	assert.Empty(t, res.ErrorKind)
	assert.GreaterOrEqual(t, res.Duration, time.Duration(0))
}

func TestRegistry_UnknownActionIsStructuredResult(t *testing.T) {
	r := action.NewRegistry(nil)
	require.NoError(t, r.Register(action.Definition{Name: "resolve_host"}, echoExecutor(nil)))

	res := r.Invoke(context.Background(), "traceroute", nil, time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, store.FailureActionNotFound, res.ErrorKind)
	assert.Contains(t, res.ErrorOutput, "traceroute")
	assert.Contains(t, res.ErrorOutput, "resolve_host")
}

func TestRegistry_InvalidArgsNeverReachExecutor(t *testing.T) {
	var calls atomic.Int32
	r := action.NewRegistry(nil)
	require.NoError(t, r.Register(action.Definition{Name: "probe_port", Schema: probeSchema()}, echoExecutor(&calls)))

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing port", map[string]any{"host": "db01"}, "port: required"},
		{"port out of range", map[string]any{"host": "db01", "port": float64(70000)}, "port: must be <= 65535"},
		{"fractional port", map[string]any{"host": "db01", "port": 22.5}, "port: expected integer"},
		{"bad protocol", map[string]any{"host": "db01", "port": float64(22), "protocol": "sctp"}, "protocol: must be one of"},
		{"bad host", map[string]any{"host": "db 01!", "port": float64(22)}, "host: not a valid host"},
		{"unknown property", map[string]any{"host": "db01", "port": float64(22), "ttl": float64(3)}, "ttl: unknown property"},
		{"wrong type", map[string]any{"host": float64(1), "port": float64(22)}, "host: expected string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Invoke(context.Background(), "probe_port", tt.args, time.Second)
			assert.False(t, res.Success)
			assert.Equal(t, store.FailureValidation, res.ErrorKind)
			assert.Contains(t, res.ErrorOutput, tt.want)
		})
	}
	assert.Zero(t, calls.Load())
}

func TestRegistry_TimeoutYieldsActionTimeout(t *testing.T) {
	r := action.NewRegistry(nil)
	require.NoError(t, r.Register(action.Definition{Name: "hang"}, action.ExecutorFunc(
		func(ctx context.Context, _ map[string]any) (action.Result, error) {
			time.Sleep(2 * time.Second)
			return action.Result{Success: true}, nil
		})))

	start := time.Now()
	res := r.Invoke(context.Background(), "hang", nil, 50*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, store.FailureActionTimeout, res.ErrorKind)
}

func TestRegistry_DefinitionTimeoutIsDefault(t *testing.T) {
	r := action.NewRegistry(nil)
	require.NoError(t, r.Register(action.Definition{Name: "slow", Timeout: 30 * time.Millisecond}, action.ExecutorFunc(
		func(ctx context.Context, _ map[string]any) (action.Result, error) {
			<-ctx.Done()
			return action.Result{}, ctx.Err()
		})))

	res := r.Invoke(context.Background(), "slow", nil, 0)
	assert.Equal(t, store.FailureActionTimeout, res.ErrorKind)
}

func TestRegistry_ExecutorErrorIsFailedResult(t *testing.T) {
	r := action.NewRegistry(nil)
	require.NoError(t, r.Register(action.Definition{Name: "refuse"}, action.ExecutorFunc(
		func(context.Context, map[string]any) (action.Result, error) {
			return action.Result{Success: true}, errors.New("connection refused")
		})))

	res := r.Invoke(context.Background(), "refuse", nil, time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, "connection refused", res.ErrorOutput)
	assert.Empty(t, res.ErrorKind)
}

func TestRegistry_PanicIsContained(t *testing.T) {
	r := action.NewRegistry(nil)
	require.NoError(t, r.Register(action.Definition{Name: "boom"}, action.ExecutorFunc(
		func(context.Context, map[string]any) (action.Result, error) {
			panic("kaboom")
		})))

	res := r.Invoke(context.Background(), "boom", nil, time.Second)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorOutput, "kaboom")
}

func TestRegistry_NoImplicitRetry(t *testing.T) {
	var calls atomic.Int32
	r := action.NewRegistry(nil)
	require.NoError(t, r.Register(action.Definition{Name: "flaky"}, action.ExecutorFunc(
		func(context.Context, map[string]any) (action.Result, error) {
			calls.Add(1)
			return action.Result{}, errors.New("transient")
		})))

	r.Invoke(context.Background(), "flaky", nil, time.Second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRegistry_RegisterRejectsDuplicatesAndBadSchemas(t *testing.T) {
	r := action.NewRegistry(nil)
	require.NoError(t, r.Register(action.Definition{Name: "a"}, echoExecutor(nil)))

	err := r.Register(action.Definition{Name: "a"}, echoExecutor(nil))
	assert.True(t, nderr.IsConflict(err))

	err = r.Register(action.Definition{Name: "b", Schema: &action.Schema{Type: action.TypeString}}, echoExecutor(nil))
	assert.True(t, nderr.HasCode(err, nderr.CodeActionDefinitionInvalid))

	err = r.Register(action.Definition{Name: ""}, echoExecutor(nil))
	assert.Error(t, err)
}

func TestRegistry_CatalogueSorted(t *testing.T) {
	r := action.NewRegistry(nil)
	for _, name := range []string{"resolve_host", "http_check", "probe_port"} {
		require.NoError(t, r.Register(action.Definition{Name: name}, echoExecutor(nil)))
	}
	assert.Equal(t, []string{"http_check", "probe_port", "resolve_host"}, r.Names())

	def, ok := r.Lookup("probe_port")
	require.True(t, ok)
	assert.Equal(t, "probe_port", def.Name)
	_, ok = r.Lookup("nope")
	assert.False(t, ok)
}

func TestSchema_MapAndValidateError(t *testing.T) {
	s := probeSchema()
	m := s.Map()
	assert.Equal(t, "object", m["type"])
	props, ok := m["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "port")
	assert.Equal(t, false, m["additionalProperties"])

	err := s.Validate(map[string]any{})
	require.Error(t, err)
	assert.True(t, nderr.HasCode(err, nderr.CodeActionArgsInvalid))
	assert.True(t, nderr.IsInvalidInput(err))
}

func TestSchema_ArraysAndNumberEnums(t *testing.T) {
	s := &action.Schema{
		Type: action.TypeObject,
		Properties: map[string]*action.Schema{
			"hosts": {Type: action.TypeArray, MaxItems: 2, Items: &action.Schema{Type: action.TypeString}},
			"ratio": {Type: action.TypeNumber, Enum: []any{0.5, 1.0}},
		},
	}
	assert.NoError(t, s.Validate(map[string]any{"hosts": []any{"a", "b"}, "ratio": 0.5}))

	err := s.Validate(map[string]any{"hosts": []any{"a", float64(2), "c"}, "ratio": 0.7})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hosts: at most 2 items")
	assert.Contains(t, err.Error(), "hosts[1]: expected string")
	assert.Contains(t, err.Error(), "ratio: must be one of")
}

func TestArgHelpers(t *testing.T) {
	args := map[string]any{"host": "db01", "port": float64(22), "hosts": []any{"a", 1, "b"}}
	assert.Equal(t, "db01", action.String(args, "host"))
	assert.Equal(t, "", action.String(args, "port"))
	port, ok := action.Int(args, "port")
	assert.True(t, ok)
	assert.Equal(t, 22, port)
	_, ok = action.Int(args, "host")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, action.Strings(args, "hosts"))
}
