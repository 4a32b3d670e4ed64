// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package oracle

import (
	"log/slog"

	"github.com/netdiag/netdiag/internal/provider"
	"github.com/netdiag/netdiag/internal/store"
)

// Builder creates the oracle for a session from its persisted config.
type Builder interface {
	Build(cfg store.OracleConfig) (Oracle, error)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(cfg store.OracleConfig) (Oracle, error)

// Build calls f.
func (f BuilderFunc) Build(cfg store.OracleConfig) (Oracle, error) { return f(cfg) }

// Static returns a Builder that always yields o.
func Static(o Oracle) Builder {
	return BuilderFunc(func(store.OracleConfig) (Oracle, error) { return o, nil })
}

// Factory builds retrying LLM oracles over a provider router. Because a
// session stores only its OracleConfig, a restarted process rebuilds an
// equivalent oracle from it.
type Factory struct {
	router   provider.Router
	logger   *slog.Logger
	observer AttemptObserver
}

// NewFactory creates a Factory. observer may be nil.
func NewFactory(router provider.Router, logger *slog.Logger, observer AttemptObserver) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{router: router, logger: logger, observer: observer}
}

// Build implements Builder.
func (f *Factory) Build(cfg store.OracleConfig) (Oracle, error) {
	ref := ""
	if cfg.Provider != "" && cfg.Model != "" {
		ref = provider.JoinRef(cfg.Provider, cfg.Model)
	}
	opts := []RetryOption{WithLogger(f.logger)}
	if f.observer != nil {
		opts = append(opts, WithObserver(f.observer))
	}
	return NewRetrying(NewLLMOracle(f.router, ref, cfg), PolicyFrom(cfg), opts...), nil
}
