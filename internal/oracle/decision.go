// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

// Package oracle turns a session's history into the next decision of the
// diagnosis loop by consulting an LLM provider.
package oracle

import (
	"context"

	"github.com/netdiag/netdiag/internal/action"
	"github.com/netdiag/netdiag/internal/store"
)

// Decision is one of FinalAnswer, CallAction or AskUser.
type Decision interface {
	decision()
	// Kind names the variant for logs and events.
	Kind() string
}

// FinalAnswer concludes the diagnosis. Empty Evidence or Suggestions are
// filled in by the engine from the invocation log.
type FinalAnswer struct {
	RootCause   string
	Confidence  float64
	Evidence    []string
	Suggestions []string
}

// CallAction asks the engine to invoke a registered action.
type CallAction struct {
	ID        string
	Name      string
	Args      map[string]any
	Reasoning string
}

// AskUser suspends the session until the user answers Question.
type AskUser struct {
	Question string
}

func (FinalAnswer) decision() {}
func (CallAction) decision()  {}
func (AskUser) decision()     {}

func (FinalAnswer) Kind() string { return "final_answer" }
func (CallAction) Kind() string  { return "call_action" }
func (AskUser) Kind() string     { return "ask_user" }

// Request is everything the oracle may look at when deciding.
type Request struct {
	SessionID string
	Task      store.DiagnosticTask
	Log       []*store.Message
	Actions   []action.Definition
	Step      int
	MaxSteps  int
}

// Oracle decides the next step of a diagnosis.
type Oracle interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, req Request) (Decision, error)

// Decide calls f.
func (f Func) Decide(ctx context.Context, req Request) (Decision, error) { return f(ctx, req) }
