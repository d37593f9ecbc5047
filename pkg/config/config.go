// Package config provides configuration structures and loading logic for the
// aggregator: providers, auth sources, defaults and named pipelines.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-agents/internal/governance"
	"github.com/polisai/polis-agents/pkg/auth"
	"github.com/polisai/polis-agents/pkg/chain"
	"github.com/polisai/polis-agents/pkg/domain"
	"github.com/polisai/polis-agents/pkg/provider"
	"github.com/polisai/polis-agents/pkg/telemetry"
	"github.com/polisai/polis-agents/pkg/transform"
)

// Config holds the complete aggregator configuration.
type Config struct {
	Logging   LoggingConfig             `yaml:"logging"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
	Auth      AuthConfig                `yaml:"auth"`
	Defaults  DefaultsConfig            `yaml:"defaults"`
	Providers map[string]ProviderConfig `yaml:"providers" validate:"dive"`
	Pipelines map[string]PipelineConfig `yaml:"pipelines" validate:"dive"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry and Prometheus export.
type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	Headers      map[string]string `yaml:"headers"`
	ServiceName  string            `yaml:"service_name"`
	SampleRatio  float64           `yaml:"sample_ratio" validate:"gte=0,lte=1"`
	// MetricsFile receives a Prometheus textfile after each run.
	MetricsFile string `yaml:"metrics_file"`
}

// AuthConfig configures the sources consulted by the auth resolver.
type AuthConfig struct {
	// EnvFile is a dotenv file holding <PROVIDER>_API_KEY style variables.
	EnvFile     string                     `yaml:"env_file"`
	Interactive bool                       `yaml:"interactive"`
	CallbackURL string                     `yaml:"callback_url" validate:"omitempty,url"`
	Credentials map[string]auth.Credential `yaml:"credentials"`
	// SkipSessions disables detection of vendor CLI logins.
	SkipSessions bool `yaml:"skip_sessions"`
}

// DefaultsConfig applies to every run unless overridden.
type DefaultsConfig struct {
	Strategy    StrategyConfig `yaml:"strategy"`
	Timeout     time.Duration  `yaml:"timeout" validate:"gte=0"`
	MaxParallel int            `yaml:"max_parallel" validate:"gte=0"`
}

// StrategyConfig is the file form of domain.ErrorStrategy.
type StrategyConfig struct {
	Kind             string        `yaml:"kind"`
	MaxRetries       int           `yaml:"max_retries" validate:"gte=0"`
	BackoffBase      time.Duration `yaml:"backoff_base" validate:"gte=0"`
	MaxBackoff       time.Duration `yaml:"max_backoff" validate:"gte=0"`
	Jitter           bool          `yaml:"jitter"`
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=0"`
	Cooldown         time.Duration `yaml:"cooldown" validate:"gte=0"`
}

// ProviderConfig configures one provider id. Kind defaults to the id.
type ProviderConfig struct {
	Kind             string            `yaml:"kind" validate:"omitempty,oneof=claude gemini codex"`
	Mode             string            `yaml:"mode" validate:"omitempty,oneof=auto cli api"`
	Command          []string          `yaml:"command"`
	WorkDir          string            `yaml:"work_dir"`
	Env              map[string]string `yaml:"env"`
	Model            string            `yaml:"model"`
	BaseURL          string            `yaml:"base_url" validate:"omitempty,url"`
	Timeout          time.Duration     `yaml:"timeout" validate:"gte=0"`
	Actions          []string          `yaml:"actions"`
	MaxContextTokens int               `yaml:"max_context_tokens" validate:"gte=0"`
	MaxTokens        int               `yaml:"max_tokens" validate:"gte=0"`
	RateLimit        *RateLimitConfig  `yaml:"rate_limit"`
}

// RateLimitConfig caps the calls made to one provider.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"gt=0"`
	Burst             int `yaml:"burst" validate:"gte=0"`
}

// PipelineConfig is a named pipeline given either as chain text or as steps.
type PipelineConfig struct {
	Description string          `yaml:"description"`
	Chain       string          `yaml:"chain"`
	Steps       []StepConfig    `yaml:"steps" validate:"dive"`
	Strategy    *StrategyConfig `yaml:"strategy"`
}

// StepConfig is one explicit pipeline step.
type StepConfig struct {
	Provider  string              `yaml:"provider" validate:"required"`
	Action    string              `yaml:"action" validate:"required"`
	Transform domain.TransformRef `yaml:"transform"`
	Fallback  string              `yaml:"fallback"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Defaults: DefaultsConfig{
			Strategy: StrategyConfig{Kind: string(domain.StrategyFailFast)},
			Timeout:  10 * time.Minute,
		},
	}
}

// Load reads configuration from a file, expands ${VAR} references, applies
// environment variable overrides and validates the result. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is chosen by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("POLIS_AGENTS_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("POLIS_AGENTS_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("POLIS_AGENTS_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("POLIS_AGENTS_OTLP_HEADERS"); val != "" {
		if cfg.Telemetry.Headers == nil {
			cfg.Telemetry.Headers = make(map[string]string)
		}
		for _, pair := range strings.Split(val, ",") {
			k, v, ok := strings.Cut(pair, "=")
			if k = strings.TrimSpace(k); ok && k != "" {
				cfg.Telemetry.Headers[k] = strings.TrimSpace(v)
			}
		}
	}
	if val := os.Getenv("POLIS_AGENTS_STRATEGY"); val != "" {
		cfg.Defaults.Strategy.Kind = val
	}
	if val := os.Getenv("POLIS_AGENTS_ENV_FILE"); val != "" {
		cfg.Auth.EnvFile = val
	}
}

func (c *Config) applyDefaults() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Auth.Interactive && c.Auth.CallbackURL == "" {
		c.Auth.CallbackURL = auth.DefaultCallbackURL
	}

	providers := make(map[string]ProviderConfig, len(c.Providers))
	for id, p := range c.Providers {
		id = strings.ToLower(strings.TrimSpace(id))
		if p.Kind == "" {
			p.Kind = id
		}
		p.Kind = strings.ToLower(p.Kind)
		if p.Mode == "" {
			p.Mode = string(provider.ModeAuto)
		}
		providers[id] = p
	}
	c.Providers = providers
}

var (
	validate   = validator.New(validator.WithRequiredStructEnabled())
	transforms = transform.NewRegistry()
)

// Validate performs struct validation followed by the cross-field checks:
// strategies must be usable, pipelines must parse and reference known
// providers.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return formatValidationErrors(verrs)
		}
		return err
	}

	if _, err := c.Defaults.Strategy.ToDomain(); err != nil {
		return fmt.Errorf("defaults.strategy: %w", err)
	}

	for _, name := range c.PipelineNames() {
		if _, err := c.Pipeline(name); err != nil {
			return err
		}
	}
	return nil
}

func formatValidationErrors(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// ToDomain converts the file form into a validated strategy. Missing
// parameters of the selected kind take the package defaults.
func (s StrategyConfig) ToDomain() (domain.ErrorStrategy, error) {
	kind, err := domain.ParseStrategyKind(s.Kind)
	if err != nil {
		return domain.ErrorStrategy{}, err
	}

	strategy := domain.ErrorStrategy{
		Kind:             kind,
		MaxRetries:       s.MaxRetries,
		BackoffBase:      s.BackoffBase,
		MaxBackoff:       s.MaxBackoff,
		Jitter:           s.Jitter,
		FailureThreshold: s.FailureThreshold,
		Cooldown:         s.Cooldown,
	}
	switch kind {
	case domain.StrategyRetryThenFallback:
		if strategy.MaxRetries == 0 {
			strategy.MaxRetries = DefaultMaxRetries
		}
		if strategy.BackoffBase == 0 {
			strategy.BackoffBase = DefaultBackoffBase
		}
	case domain.StrategyCircuitBreak:
		if strategy.FailureThreshold == 0 {
			strategy.FailureThreshold = DefaultFailureThreshold
		}
		if strategy.Cooldown == 0 {
			strategy.Cooldown = DefaultCooldown
		}
	}
	return strategy, strategy.Validate()
}

// Strategy parameters used when a kind is selected without its parameters.
const (
	DefaultMaxRetries       = 3
	DefaultBackoffBase      = time.Second
	DefaultFailureThreshold = 3
	DefaultCooldown         = time.Minute
)

// DefaultStrategy returns the strategy of runs that do not select one.
func (c *Config) DefaultStrategy() domain.ErrorStrategy {
	s, err := c.Defaults.Strategy.ToDomain()
	if err != nil {
		return domain.FailFast()
	}
	return s
}

// PipelineNames returns the configured pipeline names in sorted order.
func (c *Config) PipelineNames() []string {
	names := make([]string, 0, len(c.Pipelines))
	for name := range c.Pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pipeline materializes the named pipeline. Its strategy falls back to the
// configured default.
func (c *Config) Pipeline(name string) (*domain.Pipeline, error) {
	pc, ok := c.Pipelines[name]
	if !ok {
		return nil, fmt.Errorf("pipeline %q is not configured", name)
	}

	var p *domain.Pipeline
	switch {
	case pc.Chain != "" && len(pc.Steps) > 0:
		return nil, fmt.Errorf("pipeline %q: chain and steps are mutually exclusive", name)
	case pc.Chain != "":
		parsed, err := chain.Parse(pc.Chain)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", name, err)
		}
		p = parsed
	case len(pc.Steps) > 0:
		p = &domain.Pipeline{}
		for _, s := range pc.Steps {
			p.Steps = append(p.Steps, domain.PipelineStep{
				ProviderID: strings.ToLower(strings.TrimSpace(s.Provider)),
				Action:     strings.TrimSpace(s.Action),
				Transform:  s.Transform,
				Fallback:   strings.ToLower(strings.TrimSpace(s.Fallback)),
			})
		}
	default:
		return nil, fmt.Errorf("pipeline %q: %w", name, domain.ErrEmptyPipeline)
	}

	p.Name = name
	p.Strategy = c.DefaultStrategy()
	if pc.Strategy != nil {
		s, err := pc.Strategy.ToDomain()
		if err != nil {
			return nil, fmt.Errorf("pipeline %q strategy: %w", name, err)
		}
		p.Strategy = s
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", name, err)
	}
	if err := chain.ValidateProviders(p, c.ProviderIDs()); err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", name, err)
	}
	for i, step := range p.Steps {
		if err := transforms.Validate(step.Transform); err != nil {
			return nil, fmt.Errorf("pipeline %q step %d: %w", name, i, err)
		}
	}
	return p, nil
}

// ProviderIDs lists every usable provider id: the built-in kinds plus the
// configured entries, sorted.
func (c *Config) ProviderIDs() []string {
	seen := map[string]struct{}{}
	for _, k := range provider.Kinds() {
		seen[string(k)] = struct{}{}
	}
	for id := range c.Providers {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProviderSettings returns the settings of every provider id. Built-in kinds
// without an entry use their defaults.
func (c *Config) ProviderSettings(logger *slog.Logger) ([]provider.Settings, error) {
	ids := c.ProviderIDs()
	settings := make([]provider.Settings, 0, len(ids))
	for _, id := range ids {
		pc, ok := c.Providers[id]
		if !ok {
			pc = ProviderConfig{Kind: id, Mode: string(provider.ModeAuto)}
		}
		kind, err := provider.ParseKind(pc.Kind)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", id, err)
		}

		env := make([]string, 0, len(pc.Env))
		for k, v := range pc.Env {
			env = append(env, k+"="+v)
		}
		sort.Strings(env)

		settings = append(settings, provider.Settings{
			ID:               id,
			Kind:             kind,
			Mode:             provider.Mode(pc.Mode),
			Command:          pc.Command,
			WorkDir:          pc.WorkDir,
			Env:              env,
			Model:            pc.Model,
			BaseURL:          pc.BaseURL,
			Actions:          pc.Actions,
			MaxContextTokens: pc.MaxContextTokens,
			MaxTokens:        pc.MaxTokens,
			Timeout:          pc.Timeout,
			Logger:           logger,
		})
	}
	return settings, nil
}

// RateLimits returns the configured per-provider call limits.
func (c *Config) RateLimits() map[string]governance.RateLimiterConfig {
	out := make(map[string]governance.RateLimiterConfig)
	for id, p := range c.Providers {
		if p.RateLimit != nil {
			out[id] = governance.RateLimiterConfig{RequestsPerMinute: p.RateLimit.RequestsPerMinute, Burst: p.RateLimit.Burst}
		}
	}
	return out
}

// Timeouts returns the per-provider call timeouts that differ from the default.
func (c *Config) Timeouts() map[string]time.Duration {
	out := make(map[string]time.Duration)
	for id, p := range c.Providers {
		if p.Timeout > 0 {
			out[id] = p.Timeout
		}
	}
	return out
}

// DiscoverOptions describes where auth.Discover should look for credentials.
func (c *Config) DiscoverOptions() auth.DiscoverOptions {
	return auth.DiscoverOptions{
		Providers:   c.ProviderIDs(),
		EnvFile:     c.Auth.EnvFile,
		Credentials: c.Auth.Credentials,
		Interactive: auth.InteractiveLogin{
			Enabled:     c.Auth.Interactive,
			CallbackURL: c.Auth.CallbackURL,
		},
		SkipSessions: c.Auth.SkipSessions,
	}
}

// Tracing returns the span export settings, reporting version as the
// service version.
func (t TelemetryConfig) Tracing(version string) telemetry.Config {
	return telemetry.Config{
		Endpoint:    t.OTLPEndpoint,
		Insecure:    t.Insecure,
		Headers:     t.Headers,
		ServiceName: t.ServiceName,
		SampleRatio: t.SampleRatio,
		Version:     version,
	}
}
