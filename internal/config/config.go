// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/netdiag/netdiag/internal/secrets"
	"github.com/netdiag/netdiag/internal/store"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// Config is the top-level netdiag configuration.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Providers map[string]ProviderConfig `mapstructure:"providers" validate:"dive"`
	Oracle    OracleConfig              `mapstructure:"oracle"`
	Agent     AgentConfig               `mapstructure:"agent"`
	Sessions  SessionsConfig            `mapstructure:"sessions"`
	Storage   StorageConfig             `mapstructure:"storage"`
	Actions   ActionsConfig             `mapstructure:"actions"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Listen      string   `mapstructure:"listen" validate:"required,hostname_port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	// RateLimit is the sustained requests per second allowed per client IP.
	// Zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"gte=0"`
}

// ProviderConfig holds credentials and endpoint for an LLM provider. APIKey
// may be a keyring://service/key reference.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
}

// OracleConfig is the default reasoning oracle of new sessions.
type OracleConfig struct {
	Provider    string        `mapstructure:"provider" validate:"required"`
	Model       string        `mapstructure:"model" validate:"required"`
	Failover    []string      `mapstructure:"failover"`
	Temperature float64       `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int           `mapstructure:"max_tokens" validate:"gte=0"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1,lte=10"`
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
}

// Ref is the provider/model reference of the default oracle.
func (o OracleConfig) Ref() string {
	return o.Provider + "/" + o.Model
}

// Session converts o into the per-session oracle config.
func (o OracleConfig) Session() store.OracleConfig {
	return store.OracleConfig{
		Provider:    o.Provider,
		Model:       o.Model,
		Temperature: o.Temperature,
		MaxTokens:   o.MaxTokens,
		Timeout:     o.Timeout,
		MaxAttempts: o.MaxAttempts,
		BaseDelay:   o.BaseDelay,
		MaxDelay:    o.MaxDelay,
	}
}

// AgentConfig bounds the reasoning loop.
type AgentConfig struct {
	MaxSteps       int           `mapstructure:"max_steps" validate:"gte=1,lte=100"`
	ActionTimeout  time.Duration `mapstructure:"action_timeout" validate:"gte=0"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout" validate:"gte=0"`
	CacheSize      int           `mapstructure:"cache_size" validate:"gte=0"`
}

// SessionsConfig controls idle-session cleanup.
type SessionsConfig struct {
	TTL           time.Duration `mapstructure:"ttl" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

// StorageConfig selects the session store.
type StorageConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=sqlite badger memory"`
	Path    string `mapstructure:"path"`
}

// Store converts s into the store factory config.
func (s StorageConfig) Store() *store.StorageConfig {
	return &store.StorageConfig{Backend: s.Backend, Path: s.Path}
}

// ActionsConfig configures the built-in diagnostic actions.
type ActionsConfig struct {
	Timeout   time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Inventory string        `mapstructure:"inventory"`
}

// legacyEnv maps config keys to the plain environment variables earlier
// deployments used. NETDIAG_-prefixed names take precedence.
var legacyEnv = map[string]string{
	"agent.max_steps":           "LLM_AGENT_MAX_STEPS",
	"oracle.model":              "MODEL",
	"oracle.max_attempts":       "LLM_MAX_RETRIES",
	"providers.openai.api_key":  "API_KEY",
	"providers.openai.base_url": "API_BASE_URL",
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Options controls Load.
type Options struct {
	// Path is an optional YAML config file.
	Path string
	// EnvFiles are .env files loaded before the environment is read. Missing
	// files are skipped.
	EnvFiles []string
	// Secrets resolves keyring:// values. Nil leaves them untouched.
	Secrets secrets.Lookup
	Logger  *slog.Logger
}

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8780")
	v.SetDefault("server.rate_limit", 10.0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("oracle.provider", "openai")
	v.SetDefault("oracle.model", "gpt-3.5-turbo")
	v.SetDefault("oracle.temperature", 0.2)
	v.SetDefault("oracle.max_tokens", 1024)
	v.SetDefault("oracle.timeout", 60*time.Second)
	v.SetDefault("oracle.max_attempts", 3)
	v.SetDefault("oracle.base_delay", time.Second)
	v.SetDefault("oracle.max_delay", 10*time.Second)
	v.SetDefault("agent.max_steps", 10)
	v.SetDefault("agent.action_timeout", 30*time.Second)
	v.SetDefault("agent.persist_timeout", 10*time.Second)
	v.SetDefault("agent.cache_size", 1024)
	v.SetDefault("sessions.ttl", 30*24*time.Hour)
	v.SetDefault("sessions.sweep_interval", 5*time.Minute)
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("actions.timeout", 10*time.Second)
}

// Load reads configuration from defaults, the optional file, .env files and
// the environment (prefix NETDIAG_), then resolves keyring references and
// validates the result.
func Load(opts Options) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, f := range opts.EnvFiles {
		if err := godotenv.Load(f); err != nil {
			logger.Debug("env file not loaded", slog.String("path", f), slog.Any("error", err))
		}
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("NETDIAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := "NETDIAG_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, nderr.Errorf(nderr.CodeConfigLoadReadFailure, "binding %s: %v", key, err)
		}
	}

	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nderr.Errorf(nderr.CodeConfigLoadReadFailure, "reading config %s: %v", opts.Path, err)
		}
		WarnInsecurePermissions(opts.Path)
	}

	if opts.Secrets != nil {
		secrets.ResolveViper(v, opts.Secrets, logger)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nderr.Errorf(nderr.CodeConfigParseInvalidFormat, "decoding config: %v", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, nderr.Errorf(nderr.CodeConfigValidateInvalidValue, "validating config: %v", errors.Join(errs...))
	}
	return &cfg, nil
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() []error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return []error{nderr.Errorf(nderr.CodeConfigValidateInvalidValue, "config: %v", err)}
		}
		for _, fe := range ve {
			errs = append(errs, nderr.Errorf(nderr.CodeConfigValidateInvalidValue,
				"config: %s failed %q (got %v)", keyOf(fe.Namespace()), fe.Tag(), fe.Value()))
		}
	}

	errs = append(errs, c.validateOracle()...)
	return errs
}

// validateOracle cross-checks the oracle against configured providers. A nil
// providers map means none were configured, which is valid with defaults.
func (c *Config) validateOracle() []error {
	if c.Providers == nil {
		return nil
	}
	var errs []error
	if _, ok := c.Providers[c.Oracle.Provider]; !ok {
		errs = append(errs, nderr.Errorf(nderr.CodeConfigValidateInvalidValue,
			"config: oracle.provider %q is not configured under providers", c.Oracle.Provider))
	}
	for i, ref := range c.Oracle.Failover {
		name, model, ok := strings.Cut(ref, "/")
		if !ok || name == "" || model == "" {
			errs = append(errs, nderr.Errorf(nderr.CodeConfigValidateInvalidValue,
				"config: oracle.failover[%d] must be in \"provider/model\" format, got %q", i, ref))
			continue
		}
		if _, ok := c.Providers[name]; !ok {
			errs = append(errs, nderr.Errorf(nderr.CodeConfigValidateInvalidValue,
				"config: oracle.failover[%d] %q references provider %q which is not configured", i, ref, name))
		}
	}
	return errs
}

// keyOf turns a validator namespace like Config.Agent.MaxSteps into the
// config key agent.max_steps.
func keyOf(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			prevUpper := i > 0 && s[i-1] >= 'A' && s[i-1] <= 'Z'
			nextLower := i+1 < len(s) && s[i+1] >= 'a' && s[i+1] <= 'z'
			if i > 0 && (!prevUpper || nextLower) {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// String renders a one-line summary without secrets.
func (c *Config) String() string {
	return fmt.Sprintf("listen=%s oracle=%s storage=%s max_steps=%d",
		c.Server.Listen, c.Oracle.Ref(), c.Storage.Backend, c.Agent.MaxSteps)
}
