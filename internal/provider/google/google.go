// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package google

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"google.golang.org/genai"

	"github.com/netdiag/netdiag/internal/provider"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

const name = "google"

// Config holds Google provider configuration.
type Config struct {
	APIKey  string
	BaseURL string
}

// Provider implements provider.Provider using the Gemini API.
type Provider struct {
	provider.Tracked
	client *genai.Client
	config Config
}

// New creates a new Google provider. Returns an error if the API key is missing.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, nderr.New(nderr.CodeProviderRequestInvalid, "google: missing api_key in config", nderr.FieldProvider(name))
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, nderr.Wrapf(err, nderr.CodeProviderUpstreamFailure, "google: creating client")
	}

	return &Provider{
		Tracked: provider.NewTracked(),
		client:  client,
		config:  cfg,
	}, nil
}

func (p *Provider) Name() string { return name }

func (p *Provider) Available(_ context.Context) bool { return p.IsHealthy() }

func (p *Provider) ListModels(_ context.Context) ([]provider.ModelInfo, error) {
	caps := provider.ModelCapabilities{
		SupportsTools:     true,
		SupportsStreaming: true,
		MaxContextTokens:  1048576,
		MaxOutputTokens:   65536,
	}
	return []provider.ModelInfo{
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", Provider: name, Capabilities: caps},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", Provider: name, Capabilities: caps},
	}, nil
}

func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	contents, err := convertMessages(req.Messages)
	if err != nil {
		return nil, nderr.Wrapf(err, nderr.CodeProviderRequestInvalid, "google: converting messages")
	}
	config := buildConfig(req)

	eventCh := make(chan provider.ChatEvent, 100)
	go func() {
		defer close(eventCh)
		p.streamChat(ctx, req.Model, contents, config, eventCh)
	}()
	return eventCh, nil
}

func (p *Provider) Status(ctx context.Context) (provider.ProviderStatus, error) {
	h := p.HealthMetrics()
	return provider.ProviderStatus{
		Available: p.Available(ctx),
		Provider:  name,
		Message:   "ok",
		Health:    &h,
	}, nil
}

func (p *Provider) Close() error { return nil }

func buildConfig(req provider.ChatRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.Options.Temperature != nil {
		cfg.Temperature = genai.Ptr(*req.Options.Temperature)
	}
	if req.Options.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.Options.MaxTokens)
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemPrompt}}}
	}
	if len(req.Tools) > 0 {
		cfg.Tools = convertTools(req.Tools)
	}
	return cfg
}

// convertMessages maps roles onto Gemini's user/model contents. System
// messages travel in SystemInstruction.
func convertMessages(msgs []provider.Message) ([]*genai.Content, error) {
	var result []*genai.Content

	for _, msg := range msgs {
		switch msg.Role {
		case provider.MessageRoleUser:
			result = append(result, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: msg.Content}}})
		case provider.MessageRoleAssistant:
			result = append(result, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: msg.Content}}})
		case provider.MessageRoleSystem:
			continue
		default:
			return nil, nderr.Errorf(nderr.CodeProviderRequestInvalid, "google: unsupported message role %q", msg.Role)
		}
	}
	return result, nil
}

func convertTools(tools []provider.ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: t.InputSchema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func (p *Provider) streamChat(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
	ch chan<- provider.ChatEvent,
) {
	for result, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			p.RecordFailure()
			ch <- provider.ErrorEvent(provider.StatusError(name, statusOf(err), err))
			return
		}

		for _, candidate := range result.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: part.Text}
				}
				if part.FunctionCall == nil {
					continue
				}
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					p.RecordFailure()
					slog.Error("failed to marshal tool call arguments",
						"function", part.FunctionCall.Name,
						"error", err,
					)
					ch <- provider.ErrorEvent(nderr.Wrapf(err, nderr.CodeProviderResponseInvalid,
						"google: marshaling tool call arguments for %q", part.FunctionCall.Name))
					return
				}
				ch <- provider.ChatEvent{
					Type: provider.EventTypeToolCall,
					ToolCall: &provider.ToolCall{
						ID:        part.FunctionCall.ID,
						Name:      part.FunctionCall.Name,
						Arguments: string(args),
					},
				}
			}
		}
	}

	p.RecordSuccess()
	ch <- provider.ChatEvent{Type: provider.EventTypeDone}
}

func statusOf(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code
	}
	return 0
}
