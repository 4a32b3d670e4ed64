// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package openai_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdiag/netdiag/internal/provider"
	"github.com/netdiag/netdiag/internal/provider/openai"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

var _ provider.Provider = (*openai.Provider)(nil)

func mustNewProvider(t *testing.T, baseURL string) *openai.Provider {
	t.Helper()
	p, err := openai.New(openai.Config{APIKey: "test-key-not-real", BaseURL: baseURL})
	require.NoError(t, err)
	return p
}

func collect(t *testing.T, ch <-chan provider.ChatEvent) []provider.ChatEvent {
	t.Helper()
	var events []provider.ChatEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestOpenAIProvider_Basics(t *testing.T) {
	p := mustNewProvider(t, "")
	assert.Equal(t, "openai", p.Name())
	assert.True(t, p.Available(context.Background()))

	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, models)
	for _, m := range models {
		assert.Equal(t, "openai", m.Provider)
		assert.True(t, m.Capabilities.SupportsTools)
	}

	status, err := p.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Available)
	require.NotNil(t, status.Health)
	assert.NoError(t, p.Close())
}

func TestOpenAIProvider_MissingAPIKey(t *testing.T) {
	_, err := openai.New(openai.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
	assert.True(t, nderr.HasCode(err, nderr.CodeProviderRequestInvalid))
}

func TestConvertMessages(t *testing.T) {
	msgs := []provider.Message{
		{Role: provider.MessageRoleUser, Content: "port 5432 unreachable"},
		{Role: provider.MessageRoleAssistant, Content: "checking"},
	}
	params, err := openai.ConvertMessages(msgs, "you are a triage agent")
	require.NoError(t, err)
	require.Len(t, params, 3)
	require.NotNil(t, params[0].OfSystem)
	require.NotNil(t, params[1].OfUser)
	assert.Equal(t, "port 5432 unreachable", params[1].OfUser.Content.OfString.Value)
	require.NotNil(t, params[2].OfAssistant)

	_, err = openai.ConvertMessages([]provider.Message{{Role: "robot"}}, "")
	assert.True(t, nderr.HasCode(err, nderr.CodeProviderRequestInvalid))
}

func TestBuildParams(t *testing.T) {
	temp := float32(0.2)
	params, err := openai.BuildParams(provider.ChatRequest{
		Model:    "gpt-4.1",
		Messages: []provider.Message{{Role: provider.MessageRoleUser, Content: "hi"}},
		Tools: []provider.ToolDefinition{{
			Name:        "probe_port",
			Description: "probe",
			InputSchema: map[string]any{"type": "object"},
		}},
		Options: provider.ChatOptions{Temperature: &temp, MaxTokens: 1024},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", string(params.Model))
	require.Len(t, params.Tools, 1)
	assert.Equal(t, "probe_port", params.Tools[0].Function.Name)
	assert.Equal(t, int64(1024), params.MaxCompletionTokens.Value)
	assert.InDelta(t, 0.2, params.Temperature.Value, 1e-6)
}

func sse(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestChat_StreamsTextAndToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		sse(w,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4.1","choices":[{"index":0,"delta":{"content":"Probing db01."}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4.1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"probe_port","arguments":"{\"host\":\"db01\","}}]}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4.1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"port\":5432}"}}]}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4.1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4.1","choices":[],"usage":{"prompt_tokens":120,"completion_tokens":30,"total_tokens":150}}`,
		)
	}))
	defer srv.Close()

	p := mustNewProvider(t, srv.URL)
	ch, err := p.Chat(context.Background(), provider.ChatRequest{
		Model:    "gpt-4.1",
		Messages: []provider.Message{{Role: provider.MessageRoleUser, Content: "db01 unreachable"}},
	})
	require.NoError(t, err)
	events := collect(t, ch)

	var text string
	var calls []*provider.ToolCall
	for _, ev := range events {
		switch ev.Type {
		case provider.EventTypeTextDelta:
			text += ev.Text
		case provider.EventTypeToolCall:
			calls = append(calls, ev.ToolCall)
		case provider.EventTypeError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}
	assert.Equal(t, "Probing db01.", text)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "probe_port", calls[0].Name)
	assert.JSONEq(t, `{"host":"db01","port":5432}`, calls[0].Arguments)
	assert.Equal(t, provider.EventTypeDone, events[len(events)-1].Type)
}

func TestChat_ErrorsCarryProviderCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"unauthorized", http.StatusUnauthorized, nderr.IsUnauthorized},
		{"rate limited", http.StatusTooManyRequests, nderr.IsRateLimited},
		{"server error", http.StatusInternalServerError, nderr.IsUpstreamFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"nope","type":"error"}}`)
			}))
			defer srv.Close()

			p := mustNewProvider(t, srv.URL)
			ch, err := p.Chat(context.Background(), provider.ChatRequest{
				Model:    "gpt-4.1",
				Messages: []provider.Message{{Role: provider.MessageRoleUser, Content: "hi"}},
			})
			require.NoError(t, err)
			events := collect(t, ch)
			require.NotEmpty(t, events)
			last := events[len(events)-1]
			require.Equal(t, provider.EventTypeError, last.Type)
			assert.True(t, tt.check(last.Err), "code %s", nderr.CodeOf(last.Err))
			assert.False(t, p.Available(context.Background()))
		})
	}
}
