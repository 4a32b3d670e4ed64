// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/netdiag/netdiag/internal/config"
	"github.com/netdiag/netdiag/internal/secrets"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(config.Options{})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8780", cfg.Server.Listen)
	assert.Equal(t, 10, cfg.Agent.MaxSteps)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "openai/gpt-3.5-turbo", cfg.Oracle.Ref())
	assert.Equal(t, 60*time.Second, cfg.Oracle.Timeout)
	assert.Equal(t, 3, cfg.Oracle.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Oracle.BaseDelay)
	assert.Equal(t, 10*time.Second, cfg.Oracle.MaxDelay)
	assert.Equal(t, 720*time.Hour, cfg.Sessions.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.SweepInterval)
	assert.Nil(t, cfg.Providers)
}

func TestLoad_FromFile(t *testing.T) {
	path := writeFile(t, "netdiag.yaml", `
server:
  listen: "0.0.0.0:9999"
providers:
  anthropic:
    api_key: "test-key"
oracle:
  provider: anthropic
  model: claude-sonnet-4-5
agent:
  max_steps: 4
sessions:
  ttl: 24h
storage:
  backend: badger
  path: /var/lib/netdiag
`)
	cfg, err := config.Load(config.Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Server.Listen)
	assert.Equal(t, "anthropic/claude-sonnet-4-5", cfg.Oracle.Ref())
	assert.Equal(t, "test-key", cfg.Providers["anthropic"].APIKey)
	assert.Equal(t, 4, cfg.Agent.MaxSteps)
	assert.Equal(t, 24*time.Hour, cfg.Sessions.TTL)
	assert.Equal(t, "badger", cfg.Storage.Store().Backend)
	assert.Equal(t, "/var/lib/netdiag", cfg.Storage.Store().Path)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("NETDIAG_SERVER_LISTEN", "10.0.0.1:8080")
	t.Setenv("NETDIAG_AGENT_MAX_STEPS", "7")
	t.Setenv("NETDIAG_ORACLE_BASE_DELAY", "250ms")

	cfg, err := config.Load(config.Options{})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:8080", cfg.Server.Listen)
	assert.Equal(t, 7, cfg.Agent.MaxSteps)
	assert.Equal(t, 250*time.Millisecond, cfg.Oracle.BaseDelay)
}

func TestLoad_LegacyEnv(t *testing.T) {
	t.Setenv("LLM_AGENT_MAX_STEPS", "12")
	t.Setenv("MODEL", "gpt-4o")
	t.Setenv("API_KEY", "sk-legacy")
	t.Setenv("API_BASE_URL", "http://llm.internal:8000/v1")

	cfg, err := config.Load(config.Options{})
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Agent.MaxSteps)
	assert.Equal(t, "gpt-4o", cfg.Oracle.Model)
	assert.Equal(t, "sk-legacy", cfg.Providers["openai"].APIKey)
	assert.Equal(t, "http://llm.internal:8000/v1", cfg.Providers["openai"].BaseURL)
}

func TestLoad_PrefixedEnvWinsOverLegacy(t *testing.T) {
	t.Setenv("LLM_AGENT_MAX_STEPS", "12")
	t.Setenv("NETDIAG_AGENT_MAX_STEPS", "3")

	cfg, err := config.Load(config.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Agent.MaxSteps)
}

func TestLoad_EnvFile(t *testing.T) {
	path := writeFile(t, ".env", "NETDIAG_AGENT_MAX_STEPS=6\n")
	t.Cleanup(func() { os.Unsetenv("NETDIAG_AGENT_MAX_STEPS") })

	cfg, err := config.Load(config.Options{EnvFiles: []string{path, "/nonexistent/.env"}})
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Agent.MaxSteps)
}

func TestLoad_ResolvesKeyring(t *testing.T) {
	keyring.MockInit()
	k := secrets.NewKeyring()
	require.NoError(t, k.Put("netdiag-config-test", "openai-api-key", "sk-from-keyring"))

	path := writeFile(t, "netdiag.yaml", `
providers:
  openai:
    api_key: "keyring://netdiag-config-test/openai-api-key"
`)
	cfg, err := config.Load(config.Options{Path: path, Secrets: k})
	require.NoError(t, err)
	assert.Equal(t, "sk-from-keyring", cfg.Providers["openai"].APIKey)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"backend", "storage:\n  backend: postgres\n", "storage.backend"},
		{"max steps", "agent:\n  max_steps: 0\n", "agent.max_steps"},
		{"listen", "server:\n  listen: nowhere\n", "server.listen"},
		{"delays", "oracle:\n  base_delay: 5s\n  max_delay: 1s\n", "oracle.max_delay"},
		{"unknown provider", "providers:\n  google:\n    api_key: k\n", "oracle.provider"},
		{"failover format", "providers:\n  openai:\n    api_key: k\noracle:\n  failover: [gpt-4o]\n", "oracle.failover[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(config.Options{Path: writeFile(t, "netdiag.yaml", tt.content)})
			require.Error(t, err)
			assert.True(t, nderr.HasCode(err, nderr.CodeConfigValidateInvalidValue), "got %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(config.Options{Path: "/nonexistent/netdiag.yaml"})
	assert.True(t, nderr.HasCode(err, nderr.CodeConfigLoadReadFailure))
}

func TestOracleConfig_Session(t *testing.T) {
	cfg, err := config.Load(config.Options{})
	require.NoError(t, err)
	s := cfg.Oracle.Session()
	assert.Equal(t, "openai", s.Provider)
	assert.Equal(t, "gpt-3.5-turbo", s.Model)
	assert.Equal(t, 3, s.MaxAttempts)
	assert.InDelta(t, 0.2, s.Temperature, 1e-9)
}

func TestBootstrap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "netdiag.yaml")
	assert.True(t, config.Bootstrap(path))
	assert.False(t, config.Bootstrap(path))

	cfg, err := config.Load(config.Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Agent.MaxSteps)
	assert.Equal(t, "keyring://netdiag/openai-api-key", cfg.Providers["openai"].APIKey)
}
