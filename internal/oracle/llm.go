// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package oracle

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/netdiag/netdiag/internal/action"
	"github.com/netdiag/netdiag/internal/provider"
	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// Control tool names offered next to the action catalogue.
const (
	ToolAskUser      = "ask_user"
	ToolSubmitReport = "submit_report"
)

// plainTextConfidence is assigned to a conclusion given as plain text.
const plainTextConfidence = 0.8

var askUserSchema = &action.Schema{
	Type: action.TypeObject,
	Properties: map[string]*action.Schema{
		"question": {Type: action.TypeString, Description: "Question for the user, e.g. whether a firewall sits in front of the target"},
	},
	Required:             []string{"question"},
	AdditionalProperties: action.Closed(),
}

var submitReportSchema = &action.Schema{
	Type: action.TypeObject,
	Properties: map[string]*action.Schema{
		"root_cause":  {Type: action.TypeString, Description: "The identified root cause"},
		"confidence":  {Type: action.TypeNumber, Minimum: action.Float(0), Maximum: action.Float(1), Description: "Confidence between 0 and 1"},
		"evidence":    {Type: action.TypeArray, Items: &action.Schema{Type: action.TypeString}, Description: "Observations supporting the conclusion"},
		"suggestions": {Type: action.TypeArray, Items: &action.Schema{Type: action.TypeString}, Description: "Suggested fixes"},
	},
	Required: []string{"root_cause"},
}

// LLMOracle decides by asking a chat model routed through a provider.Router.
type LLMOracle struct {
	router provider.Router
	ref    string
	cfg    store.OracleConfig
}

// NewLLMOracle creates an oracle for the "provider/model" ref. An empty ref
// uses the router's default.
func NewLLMOracle(router provider.Router, ref string, cfg store.OracleConfig) *LLMOracle {
	return &LLMOracle{router: router, ref: ref, cfg: cfg}
}

// Decide performs a single model call. It does not retry.
func (o *LLMOracle) Decide(ctx context.Context, req Request) (Decision, error) {
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	p, model, err := o.router.Route(ctx, o.ref)
	if err != nil {
		return nil, err
	}

	events, err := p.Chat(ctx, o.chatRequest(model, req))
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	var call *provider.ToolCall
	var streamErr error
	for ev := range events {
		switch ev.Type {
		case provider.EventTypeTextDelta:
			text.WriteString(ev.Text)
		case provider.EventTypeToolCall:
			if call == nil {
				call = ev.ToolCall
			}
		case provider.EventTypeError:
			streamErr = ev.Err
		}
	}

	if streamErr != nil {
		return nil, streamErr
	}
	if ctx.Err() != nil {
		return nil, nderr.Wrap(ctx.Err(), nderr.CodeProviderTimeout, "oracle call interrupted")
	}
	return decode(call, text.String())
}

func (o *LLMOracle) chatRequest(model string, req Request) provider.ChatRequest {
	tools := make([]provider.ToolDefinition, 0, len(req.Actions)+2)
	for _, def := range req.Actions {
		tools = append(tools, provider.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Schema.Map(),
		})
	}
	tools = append(tools,
		provider.ToolDefinition{
			Name:        ToolAskUser,
			Description: "Ask the user for information you cannot obtain with the available actions. The diagnosis pauses until they answer.",
			InputSchema: askUserSchema.Map(),
		},
		provider.ToolDefinition{
			Name:        ToolSubmitReport,
			Description: "Finish the diagnosis with the root cause, your confidence, the evidence and fix suggestions.",
			InputSchema: submitReportSchema.Map(),
		},
	)

	opts := provider.ChatOptions{MaxTokens: o.cfg.MaxTokens}
	if o.cfg.Temperature > 0 {
		t := float32(o.cfg.Temperature)
		opts.Temperature = &t
	}

	return provider.ChatRequest{
		Model:        model,
		SystemPrompt: SystemPrompt(req.MaxSteps),
		Messages:     []provider.Message{{Role: provider.MessageRoleUser, Content: BuildPrompt(req)}},
		Tools:        tools,
		Options:      opts,
	}
}

// decode turns the first tool call, or the plain text when there is none,
// into a Decision.
func decode(call *provider.ToolCall, text string) (Decision, error) {
	text = strings.TrimSpace(text)
	if call == nil {
		if text == "" {
			return nil, nderr.New(nderr.CodeOracleDecisionInvalid, "model returned neither a tool call nor text")
		}
		return FinalAnswer{RootCause: text, Confidence: plainTextConfidence}, nil
	}

	args := map[string]any{}
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return nil, nderr.Wrapf(err, nderr.CodeOracleDecisionInvalid, "decoding arguments of %q", call.Name)
		}
	}

	switch call.Name {
	case ToolAskUser:
		if err := askUserSchema.Validate(args); err != nil {
			return nil, nderr.Errorf(nderr.CodeOracleDecisionInvalid, "invalid ask_user call: %v", err)
		}
		q := strings.TrimSpace(action.String(args, "question"))
		if q == "" {
			return nil, nderr.New(nderr.CodeOracleDecisionInvalid, "ask_user requires a question")
		}
		return AskUser{Question: q}, nil

	case ToolSubmitReport:
		if err := submitReportSchema.Validate(args); err != nil {
			return nil, nderr.Errorf(nderr.CodeOracleDecisionInvalid, "invalid submit_report call: %v", err)
		}
		fa := FinalAnswer{
			RootCause:   action.String(args, "root_cause"),
			Confidence:  plainTextConfidence,
			Evidence:    action.Strings(args, "evidence"),
			Suggestions: action.Strings(args, "suggestions"),
		}
		if c, ok := args["confidence"].(float64); ok {
			fa.Confidence = c
		}
		return fa, nil

	default:
		return CallAction{ID: call.ID, Name: call.Name, Args: args, Reasoning: text}, nil
	}
}
