// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdiag/netdiag/internal/config"
	"github.com/netdiag/netdiag/internal/provider"
	"github.com/netdiag/netdiag/internal/server"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

type stubProvider struct{ name string }

func (s *stubProvider) Name() string                   { return s.name }
func (s *stubProvider) Available(context.Context) bool { return true }
func (s *stubProvider) ListModels(context.Context) ([]provider.ModelInfo, error) {
	return nil, nil
}

func (s *stubProvider) Chat(context.Context, provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	ch := make(chan provider.ChatEvent)
	close(ch)
	return ch, nil
}

func (s *stubProvider) Status(context.Context) (provider.ProviderStatus, error) {
	return provider.ProviderStatus{Provider: s.name, Available: true}, nil
}
func (s *stubProvider) Close() error { return nil }

func useStubProviders(t *testing.T) {
	t.Helper()
	orig := builtinProviderFactories
	stub := func(name string) providerFactory {
		return func(config.ProviderConfig) (provider.Provider, error) { return &stubProvider{name: name}, nil }
	}
	builtinProviderFactories = map[string]providerFactory{
		"anthropic": stub("anthropic"),
		"google":    stub("google"),
		"openai":    stub("openai"),
	}
	t.Cleanup(func() { builtinProviderFactories = orig })
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Listen: "127.0.0.1:0"},
		Providers: map[string]config.ProviderConfig{
			"openai":    {APIKey: "sk-test"},
			"google":    {APIKey: "keyring://netdiag/google-api-key"},
			"anthropic": {},
			"mistral":   {APIKey: "m-key"},
		},
		Oracle: config.OracleConfig{
			Provider:    "openai",
			Model:       "gpt-4o",
			Timeout:     time.Second,
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
		},
		Agent:    config.AgentConfig{MaxSteps: 5},
		Sessions: config.SessionsConfig{TTL: time.Hour, SweepInterval: time.Minute},
		Storage:  config.StorageConfig{Backend: "memory"},
		Actions:  config.ActionsConfig{Timeout: time.Second},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWire_MemoryBackend(t *testing.T) {
	useStubProviders(t)

	app, err := Wire(testConfig(), t.TempDir(), discardLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{"openai"}, app.Providers.Names())
	assert.Equal(t, "openai/gpt-4o", app.Providers.Default())
	assert.Subset(t, app.Actions.Names(), []string{"probe_port", "resolve_host", "http_check"})
	assert.NotContains(t, app.Actions.Names(), "query_inventory")

	families, err := app.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	require.NoError(t, app.Close())
}

func TestWire_UnregisteredDefaultOnlyWarns(t *testing.T) {
	useStubProviders(t)
	cfg := testConfig()
	cfg.Providers = map[string]config.ProviderConfig{"openai": {}}

	app, err := Wire(cfg, t.TempDir(), discardLogger())
	require.NoError(t, err)
	assert.Empty(t, app.Providers.Names())
	assert.Empty(t, app.Providers.Default())
	require.NoError(t, app.Close())
}

func TestWire_Inventory(t *testing.T) {
	useStubProviders(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hosts:\n  - name: db01\n    address: 10.0.3.21\n"), 0o600))

	cfg := testConfig()
	cfg.Actions.Inventory = path
	app, err := Wire(cfg, dir, discardLogger())
	require.NoError(t, err)
	assert.Contains(t, app.Actions.Names(), "query_inventory")
	require.NoError(t, app.Close())

	cfg.Actions.Inventory = filepath.Join(dir, "missing.yaml")
	_, err = Wire(cfg, dir, discardLogger())
	require.Error(t, err)
	assert.True(t, nderr.HasCode(err, nderr.CodeCLISetupFailure))
}

func TestWire_CreatesDataDir(t *testing.T) {
	useStubProviders(t)
	cfg := testConfig()
	cfg.Storage.Backend = "badger"
	dir := filepath.Join(t.TempDir(), "nested", "data")

	app, err := Wire(cfg, dir, discardLogger())
	require.NoError(t, err)
	assert.DirExists(t, dir)
	require.NoError(t, app.Close())
}

func TestServe_StopsOnCancel(t *testing.T) {
	useStubProviders(t)
	app, err := Wire(testConfig(), t.TempDir(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	svc, err := server.NewServices(app.Engine, app.Broker, app.Providers)
	require.NoError(t, err)
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0", Logger: discardLogger()}, svc)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, app, srv, discardLogger()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
