// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package oracle_test

import (
	"context"
	"sync"

	"github.com/netdiag/netdiag/internal/oracle"
	"github.com/netdiag/netdiag/internal/provider"
)

// scriptedProvider replays one event list per Chat call.
type scriptedProvider struct {
	mu       sync.Mutex
	scripts  [][]provider.ChatEvent
	requests []provider.ChatRequest
}

func (p *scriptedProvider) Name() string                    { return "scripted" }
func (p *scriptedProvider) Available(context.Context) bool { return true }
func (p *scriptedProvider) ListModels(context.Context) ([]provider.ModelInfo, error) {
	return nil, nil
}

func (p *scriptedProvider) Chat(_ context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	var events []provider.ChatEvent
	if len(p.scripts) > 0 {
		events, p.scripts = p.scripts[0], p.scripts[1:]
	}
	ch := make(chan provider.ChatEvent, len(events)+1)
	for _, ev := range events {
		ch <- ev
	}
	ch <- provider.ChatEvent{Type: provider.EventTypeDone}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Status(context.Context) (provider.ProviderStatus, error) {
	return provider.ProviderStatus{Available: true, Provider: "scripted"}, nil
}

func (p *scriptedProvider) Close() error { return nil }

// staticRouter routes every ref to one provider.
type staticRouter struct {
	p      provider.Provider
	model  string
	routed []string
}

func (r *staticRouter) Route(_ context.Context, ref string) (provider.Provider, string, error) {
	r.routed = append(r.routed, ref)
	return r.p, r.model, nil
}

func (r *staticRouter) Close() error { return nil }

func toolCall(name, args string) provider.ChatEvent {
	return provider.ChatEvent{
		Type:     provider.EventTypeToolCall,
		ToolCall: &provider.ToolCall{ID: "call-1", Name: name, Arguments: args},
	}
}

// sequence returns an oracle answering with the given results in order.
func sequence(results ...func() (oracle.Decision, error)) (oracle.Oracle, *int) {
	calls := 0
	return oracle.Func(func(context.Context, oracle.Request) (oracle.Decision, error) {
		i := calls
		calls++
		if i >= len(results) {
			i = len(results) - 1
		}
		return results[i]()
	}), &calls
}
