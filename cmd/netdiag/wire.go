// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/netdiag/netdiag/internal/action"
	"github.com/netdiag/netdiag/internal/action/netprobe"
	"github.com/netdiag/netdiag/internal/agent"
	"github.com/netdiag/netdiag/internal/config"
	"github.com/netdiag/netdiag/internal/events"
	"github.com/netdiag/netdiag/internal/metrics"
	"github.com/netdiag/netdiag/internal/oracle"
	"github.com/netdiag/netdiag/internal/provider"
	anthropicprov "github.com/netdiag/netdiag/internal/provider/anthropic"
	googleprov "github.com/netdiag/netdiag/internal/provider/google"
	openaiprov "github.com/netdiag/netdiag/internal/provider/openai"
	"github.com/netdiag/netdiag/internal/secrets"
	"github.com/netdiag/netdiag/internal/store"
	_ "github.com/netdiag/netdiag/internal/store/badgerdb" // register badger backend
	_ "github.com/netdiag/netdiag/internal/store/sqlite"   // register sqlite backend
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

const closeTimeout = 15 * time.Second

// App holds all wired subsystems and manages their lifecycle.
type App struct {
	Config    *config.Config
	Store     store.SessionStore
	Actions   *action.Registry
	Providers *provider.Registry
	Broker    *events.Broker
	Engine    *agent.Engine
	Sweeper   *agent.Sweeper
	Registry  *prometheus.Registry
	Metrics   *metrics.Engine
}

type wireOptions struct {
	oracles oracle.Builder
	sinks   []agent.EventSink
}

// WireOption customizes Wire.
type WireOption func(*wireOptions)

// withOracles replaces the provider-backed oracle builder.
func withOracles(b oracle.Builder) WireOption {
	return func(o *wireOptions) { o.oracles = b }
}

// withSink adds an event sink next to the broker and the log sink.
func withSink(s agent.EventSink) WireOption {
	return func(o *wireOptions) { o.sinks = append(o.sinks, s) }
}

// Wire creates all subsystems and wires them together. dataDir holds the
// session store unless storage.path overrides it.
func Wire(cfg *config.Config, dataDir string, logger *slog.Logger, opts ...WireOption) (*App, error) {
	var wo wireOptions
	for _, opt := range opts {
		opt(&wo)
	}

	storeCfg := cfg.Storage.Store()
	if storeCfg.Path == "" {
		storeCfg.Path = dataDir
	}
	if storeCfg.Backend != "memory" {
		if err := os.MkdirAll(storeCfg.Path, 0o700); err != nil {
			return nil, nderr.Errorf(nderr.CodeCLISetupFailure, "creating data directory: %v", err)
		}
	}

	// 1. Session store.
	st, err := store.New(storeCfg)
	if err != nil {
		return nil, nderr.Errorf(nderr.CodeCLISetupFailure, "opening session store: %v", err)
	}

	// 2. Metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewEngine(reg)

	// 3. Providers and routing.
	provReg := provider.NewRegistry()
	registerBuiltinProviders(cfg, provReg, logger)
	if err := provReg.SetDefault(cfg.Oracle.Ref()); err != nil {
		logger.Warn("default oracle provider unavailable, sessions will fail until it is configured",
			slog.String("oracle", cfg.Oracle.Ref()), slog.Any("error", err))
	}
	if len(cfg.Oracle.Failover) > 0 {
		if err := provReg.SetFailover(cfg.Oracle.Failover); err != nil {
			logger.Warn("ignoring oracle failover chain", slog.Any("error", err))
		}
	}

	// 4. Actions.
	actions := action.NewRegistry(logger)
	probeOpts := netprobe.Options{Timeout: cfg.Actions.Timeout}
	if cfg.Actions.Inventory != "" {
		inv, err := netprobe.LoadInventory(cfg.Actions.Inventory)
		if err != nil {
			_ = st.Close()
			return nil, nderr.Wrapf(err, nderr.CodeCLISetupFailure, "loading inventory %s", cfg.Actions.Inventory)
		}
		probeOpts.Inventory = inv
		logger.Info("loaded host inventory", slog.Int("hosts", inv.Len()))
	}
	if err := netprobe.Register(actions, probeOpts); err != nil {
		_ = st.Close()
		return nil, nderr.Wrapf(err, nderr.CodeCLISetupFailure, "registering actions")
	}

	// 5. Events.
	broker := events.NewBroker(logger, events.WithMetrics(m))
	sinks := append([]agent.EventSink{broker, events.Logger(logger)}, wo.sinks...)

	// 6. Engine.
	oracles := wo.oracles
	if oracles == nil {
		oracles = oracle.NewFactory(provReg, logger, func(attempt int, class oracle.FailureClass, err error, delay time.Duration) {
			m.OracleRetry(string(class))
		})
	}
	engine, err := agent.NewEngine(agent.Config{
		Store:          st,
		Actions:        actions,
		Oracles:        oracles,
		Sink:           events.Multi(sinks...),
		Metrics:        m,
		Logger:         logger,
		MaxSteps:       cfg.Agent.MaxSteps,
		ActionTimeout:  cfg.Agent.ActionTimeout,
		PersistTimeout: cfg.Agent.PersistTimeout,
		CacheSize:      int64(cfg.Agent.CacheSize),
		DefaultOracle:  cfg.Oracle.Session(),
	})
	if err != nil {
		broker.Close()
		_ = st.Close()
		return nil, nderr.Wrapf(err, nderr.CodeCLISetupFailure, "creating engine")
	}

	return &App{
		Config:    cfg,
		Store:     st,
		Actions:   actions,
		Providers: provReg,
		Broker:    broker,
		Engine:    engine,
		Sweeper:   agent.NewSweeper(engine, cfg.Sessions.TTL, cfg.Sessions.SweepInterval),
		Registry:  reg,
		Metrics:   m,
	}, nil
}

// Close waits for running loops and releases all resources.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	if err := a.Engine.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	a.Broker.Close()
	if err := a.Providers.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// providerFactory builds a provider.Provider from a ProviderConfig.
type providerFactory func(config.ProviderConfig) (provider.Provider, error)

// builtinProviderFactories maps provider names to their constructors.
// Declared as a variable so tests can inject failing factories.
var builtinProviderFactories = map[string]providerFactory{
	"anthropic": func(pc config.ProviderConfig) (provider.Provider, error) {
		return anthropicprov.New(anthropicprov.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL})
	},
	"google": func(pc config.ProviderConfig) (provider.Provider, error) {
		return googleprov.New(googleprov.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL})
	},
	"openai": func(pc config.ProviderConfig) (provider.Provider, error) {
		return openaiprov.New(openaiprov.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL})
	},
}

// registerBuiltinProviders registers every configured provider that has a
// built-in implementation. Unknown names, empty keys and unresolved keyring
// references are logged and skipped.
func registerBuiltinProviders(cfg *config.Config, reg *provider.Registry, logger *slog.Logger) {
	for name, pc := range cfg.Providers {
		if pc.APIKey == "" || secrets.IsRef(pc.APIKey) {
			logger.Warn("skipping provider without api key", slog.String("provider", name))
			continue
		}
		factory, ok := builtinProviderFactories[name]
		if !ok {
			logger.Warn("unknown provider in config, skipping", slog.String("provider", name))
			continue
		}
		p, err := factory(pc)
		if err != nil {
			logger.Warn("failed to create provider", slog.String("provider", name), slog.Any("error", err))
			continue
		}
		reg.Register(p)
		logger.Debug("registered provider", slog.String("provider", name))
	}
}
