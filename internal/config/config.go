// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package config

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kernitus/neoai.nvim-sub001/internal/secrets"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// Config is the top-level neoai configuration.
type Config struct {
	Transport TransportConfig           `mapstructure:"transport"`
	Server    ServerConfig              `mapstructure:"server"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Models    ModelsConfig              `mapstructure:"models"`
	Agent     AgentConfig               `mapstructure:"agent"`
	Storage   StorageConfig             `mapstructure:"storage"`
	Tools     ToolsConfig               `mapstructure:"tools"`
}

// TransportConfig selects how the capability host connects.
type TransportConfig struct {
	Mode   string `mapstructure:"mode"`
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

// ServerConfig controls the optional HTTP inspection API.
type ServerConfig struct {
	Enabled     bool            `mapstructure:"enabled"`
	Listen      string          `mapstructure:"listen"`
	Token       string          `mapstructure:"token"`
	CORSOrigins []string        `mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig bounds requests per client IP. A zero rate disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// ProviderConfig holds credentials and endpoint for a model provider.
// Type names the API dialect and defaults to the provider's name, so an
// OpenAI-compatible server can be declared as its own provider.
type ProviderConfig struct {
	Type    string `mapstructure:"type"`
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// ModelsConfig controls model selection.
type ModelsConfig struct {
	Default        string        `mapstructure:"default"`
	Failover       []string      `mapstructure:"failover"`
	HealthCooldown time.Duration `mapstructure:"health_cooldown"`
}

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	MaxIterations   int           `mapstructure:"max_iterations"`
	ModelTimeout    time.Duration `mapstructure:"model_timeout"`
	ToolTimeout     time.Duration `mapstructure:"tool_timeout"`
	Debounce        time.Duration `mapstructure:"debounce"`
	DiagnosticsTool string        `mapstructure:"diagnostics_tool"`
	SystemPrompt    string        `mapstructure:"system_prompt"`
	Retry           RetryConfig   `mapstructure:"retry"`
}

// RetryConfig configures model invocation retries.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     bool          `mapstructure:"jitter"`
}

// StorageConfig selects the storage backend and where it keeps its data.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	DataDir string `mapstructure:"data_dir"`
}

// ToolsConfig points at an optional YAML file of extra tool declarations.
type ToolsConfig struct {
	File string `mapstructure:"file"`
}

// Transport modes.
const (
	TransportStdio     = "stdio"
	TransportWebSocket = "websocket"
)

// ProviderTypes are the API dialects a provider may speak.
var ProviderTypes = []string{"anthropic", "openai", "google"}

// well-known variables consulted when no NEOAI_ key is set.
var providerEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"google":    "GEMINI_API_KEY",
}

// LoadOption customises Load.
type LoadOption func(*loadOptions)

type loadOptions struct {
	secrets secrets.Store
}

// WithSecrets resolves keyring:// references through store.
func WithSecrets(store secrets.Store) LoadOption {
	return func(o *loadOptions) { o.secrets = store }
}

// Load reads configuration from path (or defaults only when path is empty)
// with NEOAI_ environment overrides, then validates it.
func Load(path string, opts ...LoadOption) (*Config, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("NEOAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for name, env := range providerEnv {
		key := "providers." + name + ".api_key"
		_ = v.BindEnv(key, "NEOAI_PROVIDERS_"+strings.ToUpper(name)+"_API_KEY", env)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, neoerr.Wrapf(err, neoerr.CodeConfigParseInvalidFormat, "parsing config %s", path)
			}
			return nil, neoerr.Wrapf(err, neoerr.CodeConfigLoadReadFailure, "reading config %s", path)
		}
	}

	if o.secrets != nil {
		secrets.ResolveViper(v, o.secrets)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, neoerr.Wrapf(err, neoerr.CodeConfigParseInvalidFormat, "unmarshalling config")
	}
	cfg.applyDerived()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, neoerr.Wrapf(errors.Join(errs...), neoerr.CodeConfigValidateInvalidValue, "validating config")
	}
	return &cfg, nil
}

// SetDefaults installs the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("transport.mode", TransportStdio)
	v.SetDefault("transport.listen", "127.0.0.1:18790")
	v.SetDefault("transport.path", "/host")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen", "127.0.0.1:18789")
	v.SetDefault("server.rate_limit.requests_per_second", 0)
	v.SetDefault("server.rate_limit.burst", 20)

	v.SetDefault("models.default", "anthropic/claude-sonnet-4-5")
	v.SetDefault("models.health_cooldown", 30*time.Second)

	v.SetDefault("agent.max_iterations", 10)
	v.SetDefault("agent.model_timeout", 2*time.Minute)
	v.SetDefault("agent.tool_timeout", 30*time.Second)
	v.SetDefault("agent.debounce", 300*time.Millisecond)
	v.SetDefault("agent.diagnostics_tool", "lsp_diagnostic")
	v.SetDefault("agent.retry.max_retries", 2)
	v.SetDefault("agent.retry.base_delay", time.Second)
	v.SetDefault("agent.retry.max_delay", 30*time.Second)
	v.SetDefault("agent.retry.multiplier", 2.0)
	v.SetDefault("agent.retry.jitter", true)

	v.SetDefault("storage.backend", "sqlite")
}

func (c *Config) applyDerived() {
	for name, p := range c.Providers {
		if p.Type == "" {
			p.Type = name
			c.Providers[name] = p
		}
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = DefaultDataDir()
	}
}

// ConfiguredProviders returns the names of providers that carry an API key,
// sorted.
func (c *Config) ConfiguredProviders() []string {
	var names []string
	for name, p := range c.Providers {
		if p.APIKey != "" {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// DefaultDataDir returns $XDG_DATA_HOME/neoai, falling back to
// ~/.local/share/neoai.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "neoai")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "neoai")
	}
	return filepath.Join(home, ".local", "share", "neoai")
}

// Validate checks the configuration for logical errors, collecting every
// problem instead of stopping at the first.
func (c *Config) Validate() []error {
	var errs []error
	errs = append(errs, c.validateTransport()...)
	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateProviders()...)
	errs = append(errs, c.validateModels()...)
	errs = append(errs, c.validateAgent()...)
	errs = append(errs, c.validateStorage()...)
	return errs
}

func invalid(format string, args ...any) error {
	return neoerr.Errorf(neoerr.CodeConfigValidateInvalidValue, "config: "+format, args...)
}

func (c *Config) validateTransport() []error {
	var errs []error
	switch c.Transport.Mode {
	case TransportStdio:
	case TransportWebSocket:
		if err := validateListen("transport.listen", c.Transport.Listen); err != nil {
			errs = append(errs, err)
		}
		if !strings.HasPrefix(c.Transport.Path, "/") {
			errs = append(errs, invalid("transport.path must start with \"/\", got %q", c.Transport.Path))
		}
	default:
		errs = append(errs, invalid("transport.mode must be one of [stdio, websocket], got %q", c.Transport.Mode))
	}
	return errs
}

func (c *Config) validateServer() []error {
	if !c.Server.Enabled {
		return nil
	}
	var errs []error
	if err := validateListen("server.listen", c.Server.Listen); err != nil {
		errs = append(errs, err)
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, invalid("server.rate_limit.requests_per_second must not be negative, got %g",
			c.Server.RateLimit.RequestsPerSecond))
	}
	if c.Server.RateLimit.RequestsPerSecond > 0 && c.Server.RateLimit.Burst <= 0 {
		errs = append(errs, invalid("server.rate_limit.burst must be positive when a rate is set, got %d",
			c.Server.RateLimit.Burst))
	}
	return errs
}

func validateListen(key, addr string) error {
	if addr == "" {
		return invalid("%s must not be empty", key)
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return invalid("%s must be a host:port address, got %q", key, addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return invalid("%s port must be a number between 0 and 65535, got %q", key, portStr)
	}
	return nil
}

func (c *Config) validateProviders() []error {
	var errs []error
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if typ := c.Providers[name].Type; !slices.Contains(ProviderTypes, typ) {
			errs = append(errs, invalid("providers.%s.type must be one of %v, got %q", name, ProviderTypes, typ))
		}
	}
	return errs
}

func (c *Config) validateModels() []error {
	var errs []error
	check := func(key, ref string) {
		provider, model, ok := strings.Cut(ref, "/")
		if !ok || provider == "" || model == "" {
			errs = append(errs, invalid("%s must be in \"provider/model\" format, got %q", key, ref))
			return
		}
		// Defaults-only runs have no providers section to check against.
		if len(c.Providers) == 0 {
			return
		}
		if _, known := c.Providers[provider]; !known {
			errs = append(errs, invalid("%s %q references provider %q which is not configured", key, ref, provider))
		}
	}

	if c.Models.Default == "" {
		errs = append(errs, invalid("models.default must not be empty"))
	} else {
		check("models.default", c.Models.Default)
	}
	for i, ref := range c.Models.Failover {
		check("models.failover["+strconv.Itoa(i)+"]", ref)
	}
	if c.Models.HealthCooldown < 0 {
		errs = append(errs, invalid("models.health_cooldown must not be negative, got %s", c.Models.HealthCooldown))
	}
	return errs
}

func (c *Config) validateAgent() []error {
	var errs []error
	a := c.Agent
	if a.MaxIterations < 1 {
		errs = append(errs, invalid("agent.max_iterations must be at least 1, got %d", a.MaxIterations))
	}
	if a.ModelTimeout <= 0 {
		errs = append(errs, invalid("agent.model_timeout must be positive, got %s", a.ModelTimeout))
	}
	if a.ToolTimeout <= 0 {
		errs = append(errs, invalid("agent.tool_timeout must be positive, got %s", a.ToolTimeout))
	}
	if a.Debounce < 0 {
		errs = append(errs, invalid("agent.debounce must not be negative, got %s", a.Debounce))
	}
	if a.DiagnosticsTool == "" {
		errs = append(errs, invalid("agent.diagnostics_tool must not be empty"))
	}
	if a.Retry.MaxRetries < 0 {
		errs = append(errs, invalid("agent.retry.max_retries must not be negative, got %d", a.Retry.MaxRetries))
	}
	if a.Retry.Multiplier < 1 {
		errs = append(errs, invalid("agent.retry.multiplier must be at least 1, got %g", a.Retry.Multiplier))
	}
	if a.Retry.MaxDelay > 0 && a.Retry.MaxDelay < a.Retry.BaseDelay {
		errs = append(errs, invalid("agent.retry.max_delay (%s) must not be below base_delay (%s)",
			a.Retry.MaxDelay, a.Retry.BaseDelay))
	}
	return errs
}

func (c *Config) validateStorage() []error {
	valid := []string{"sqlite", "memory"}
	if !slices.Contains(valid, c.Storage.Backend) {
		return []error{invalid("storage.backend must be one of %v, got %q", valid, c.Storage.Backend)}
	}
	return nil
}
