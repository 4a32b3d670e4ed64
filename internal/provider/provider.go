// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package provider

import (
	"context"
)

// Provider is the core interface for LLM providers.
type Provider interface {
	Name() string
	Available(ctx context.Context) bool
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Chat(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error)
	Status(ctx context.Context) (ProviderStatus, error)
	Close() error
}

// Router resolves a "provider/model" reference to a live provider.
type Router interface {
	Route(ctx context.Context, ref string) (Provider, string, error)
	Close() error
}

// ChatRequest represents a request to the LLM.
type ChatRequest struct {
	Model        string
	Messages     []Message
	Tools        []ToolDefinition
	SystemPrompt string
	Options      ChatOptions
}

// ChatOptions contains model configuration.
type ChatOptions struct {
	Temperature *float32
	MaxTokens   int
}

// Message represents a conversation message.
type Message struct {
	Role    MessageRole
	Content string
}

// MessageRole defines the role of a message sender.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ChatEvent is a streaming response event.
type ChatEvent struct {
	Type     EventType
	Text     string
	ToolCall *ToolCall
	// Err is set on EventTypeError and carries a provider code.
	Err error
}

// EventType defines the type of chat event.
type EventType string

const (
	EventTypeTextDelta EventType = "text_delta"
	EventTypeToolCall  EventType = "tool_call"
	EventTypeDone      EventType = "done"
	EventTypeError     EventType = "error"
)

// ToolCall represents a tool invocation by the LLM.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// ModelInfo describes a model's capabilities.
type ModelInfo struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Provider     string            `json:"provider"`
	Capabilities ModelCapabilities `json:"capabilities"`
}

// ModelCapabilities declares what a model supports.
type ModelCapabilities struct {
	SupportsTools     bool `json:"supports_tools"`
	SupportsStreaming bool `json:"supports_streaming"`
	MaxContextTokens  int  `json:"max_context_tokens"`
	MaxOutputTokens   int  `json:"max_output_tokens"`
}

// ProviderStatus indicates provider health.
type ProviderStatus struct {
	Available bool           `json:"available"`
	Provider  string         `json:"provider"`
	Message   string         `json:"message"`
	Health    *HealthMetrics `json:"health,omitempty"`
}
