// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package server

import (
	"context"

	"github.com/netdiag/netdiag/internal/agent"
	"github.com/netdiag/netdiag/internal/events"
	"github.com/netdiag/netdiag/internal/provider"
	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// Diagnoser is the engine surface the API drives.
type Diagnoser interface {
	StartAsync(ctx context.Context, req agent.StartRequest) (*store.Session, error)
	ResumeAsync(ctx context.Context, id, answer string) (*store.Session, error)
	Cancel(ctx context.Context, id string) (*store.Session, error)
	Session(ctx context.Context, id string) (*store.Session, error)
	Messages(ctx context.Context, id string) ([]*store.Message, error)
	List(ctx context.Context, filter store.ListFilter) ([]*store.SessionSummary, error)
	Rename(ctx context.Context, id, title string) (*store.Session, error)
	Delete(ctx context.Context, id string) error
}

// EventStream hands out per-session event subscriptions.
type EventStream interface {
	Subscribe(sessionID string) *events.Subscription
	Forget(sessionID string)
}

// ProviderService reports oracle provider health.
type ProviderService interface {
	Statuses(ctx context.Context) []provider.ProviderStatus
}

// Services holds dependencies injected into route handlers. Each field is an
// interface so subsystems can be mocked in tests.
type Services struct {
	engine    Diagnoser
	events    EventStream
	providers ProviderService // optional; nil = /api/v1/providers returns 503
}

// NewServices validates and bundles the handler dependencies.
func NewServices(engine Diagnoser, stream EventStream, providers ProviderService) (*Services, error) {
	if engine == nil {
		return nil, nderr.New(nderr.CodeServerConfigInvalid, "diagnosis engine is required")
	}
	if stream == nil {
		return nil, nderr.New(nderr.CodeServerConfigInvalid, "event stream is required")
	}
	return &Services{engine: engine, events: stream, providers: providers}, nil
}
