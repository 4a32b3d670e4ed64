// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package openai

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/netdiag/netdiag/internal/provider"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

const name = "openai"

// Config holds OpenAI provider configuration.
type Config struct {
	APIKey  string
	BaseURL string // optional, useful for testing against a mock server
}

// Provider implements provider.Provider using the OpenAI Chat Completions API.
type Provider struct {
	provider.Tracked
	client openaisdk.Client
	config Config
}

// New creates a new OpenAI provider. Returns an error if the API key is missing.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, nderr.New(nderr.CodeProviderRequestInvalid, "openai: missing api_key in config", nderr.FieldProvider(name))
	}

	// Retries belong to the oracle so the SDK must not retry on its own.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		Tracked: provider.NewTracked(),
		client:  openaisdk.NewClient(opts...),
		config:  cfg,
	}, nil
}

func (p *Provider) Name() string { return name }

func (p *Provider) Available(_ context.Context) bool { return p.IsHealthy() }

func (p *Provider) ListModels(_ context.Context) ([]provider.ModelInfo, error) {
	return []provider.ModelInfo{
		{ID: "gpt-4.1", Name: "GPT-4.1", Provider: name, Capabilities: caps(1047576, 32768)},
		{ID: "gpt-4.1-mini", Name: "GPT-4.1 Mini", Provider: name, Capabilities: caps(1047576, 32768)},
		{ID: "o4-mini", Name: "o4-mini", Provider: name, Capabilities: caps(200000, 100000)},
	}, nil
}

func caps(ctxTokens, outTokens int) provider.ModelCapabilities {
	return provider.ModelCapabilities{
		SupportsTools:     true,
		SupportsStreaming: true,
		MaxContextTokens:  ctxTokens,
		MaxOutputTokens:   outTokens,
	}
}

func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, nderr.Wrap(err, nderr.CodeProviderRequestInvalid, "openai: building request params")
	}

	eventCh := make(chan provider.ChatEvent, 100)
	go func() {
		defer close(eventCh)
		p.streamChat(ctx, params, eventCh)
	}()
	return eventCh, nil
}

func (p *Provider) Status(ctx context.Context) (provider.ProviderStatus, error) {
	return provider.ProviderStatus{
		Available: p.Available(ctx),
		Provider:  name,
		Message:   "ok",
		Health:    ptr(p.HealthMetrics()),
	}, nil
}

func (p *Provider) Close() error { return nil }

func ptr[T any](v T) *T { return &v }

// buildParams converts a provider.ChatRequest into SDK params.
func buildParams(req provider.ChatRequest) (openaisdk.ChatCompletionNewParams, error) {
	msgs, err := convertMessages(req.Messages, req.SystemPrompt)
	if err != nil {
		return openaisdk.ChatCompletionNewParams{}, err
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: msgs,
	}
	if req.Options.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.Options.MaxTokens))
	}
	if req.Options.Temperature != nil {
		params.Temperature = param.NewOpt(float64(*req.Options.Temperature))
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	return params, nil
}

// convertMessages prepends the system prompt as a system message.
func convertMessages(msgs []provider.Message, systemPrompt string) ([]openaisdk.ChatCompletionMessageParamUnion, error) {
	var result []openaisdk.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		result = append(result, openaisdk.SystemMessage(systemPrompt))
	}

	for _, msg := range msgs {
		switch msg.Role {
		case provider.MessageRoleUser:
			result = append(result, openaisdk.UserMessage(msg.Content))
		case provider.MessageRoleAssistant:
			result = append(result, openaisdk.AssistantMessage(msg.Content))
		case provider.MessageRoleSystem:
			result = append(result, openaisdk.SystemMessage(msg.Content))
		default:
			return nil, nderr.Errorf(nderr.CodeProviderRequestInvalid, "openai: unsupported message role %q", msg.Role)
		}
	}
	return result, nil
}

func convertTools(tools []provider.ToolDefinition) []openaisdk.ChatCompletionToolParam {
	result := make([]openaisdk.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		result = append(result, openaisdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(t.InputSchema),
			},
		})
	}
	return result
}

type toolAccum struct {
	id          string
	name        string
	partialArgs string
}

// streamChat converts SDK chunks into provider.ChatEvent values.
func (p *Provider) streamChat(ctx context.Context, params openaisdk.ChatCompletionNewParams, ch chan<- provider.ChatEvent) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	toolCalls := make(map[int64]*toolAccum)

	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			delta := choice.Delta
			if delta.Content != "" {
				ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: delta.Content}
			}
			for _, tc := range delta.ToolCalls {
				acc, ok := toolCalls[tc.Index]
				if !ok {
					acc = &toolAccum{}
					toolCalls[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.partialArgs += tc.Function.Arguments
			}
			if choice.FinishReason == "tool_calls" {
				flushToolCalls(toolCalls, ch)
			}
		}
	}

	if err := stream.Err(); err != nil {
		p.RecordFailure()
		ch <- provider.ErrorEvent(provider.StatusError(name, statusOf(err), err))
		return
	}

	flushToolCalls(toolCalls, ch)
	p.RecordSuccess()
	ch <- provider.ChatEvent{Type: provider.EventTypeDone}
}

// flushToolCalls emits accumulated calls in index order.
func flushToolCalls(toolCalls map[int64]*toolAccum, ch chan<- provider.ChatEvent) {
	idxs := make([]int64, 0, len(toolCalls))
	for idx := range toolCalls {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	for _, idx := range idxs {
		acc := toolCalls[idx]
		if !json.Valid([]byte(acc.partialArgs)) {
			acc.partialArgs = "{}"
		}
		ch <- provider.ChatEvent{
			Type:     provider.EventTypeToolCall,
			ToolCall: &provider.ToolCall{ID: acc.id, Name: acc.name, Arguments: acc.partialArgs},
		}
		delete(toolCalls, idx)
	}
}

func statusOf(err error) int {
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
