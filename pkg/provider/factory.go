package provider

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/polisai/polis-agents/pkg/domain"
)

// Mode selects how a provider is reached.
type Mode string

const (
	// ModeAuto uses the HTTP API for API keys and the CLI otherwise.
	ModeAuto Mode = "auto"
	ModeCLI  Mode = "cli"
	ModeAPI  Mode = "api"
)

// Settings describe one configured provider.
type Settings struct {
	ID      string
	Kind    Kind
	Mode    Mode
	Command []string
	WorkDir string
	Env     []string
	Model   string
	BaseURL string
	// Actions restricts the accepted actions; empty accepts all.
	Actions []string
	// MaxContextTokens overrides the kind's context window when positive.
	MaxContextTokens int
	MaxTokens        int
	Timeout          time.Duration
	Logger           *slog.Logger
	HTTPClient       *http.Client
}

// Capabilities reports what a provider built from s would support before auth
// is known.
func (s Settings) Capabilities() domain.Capabilities {
	caps := s.Kind.Capabilities()
	if s.Mode == ModeAPI {
		caps.SupportsStreaming = false
		caps.SupportsFiles = false
	}
	if s.MaxContextTokens > 0 {
		caps.MaxContextTokens = s.MaxContextTokens
	}
	return caps
}

// sessionTokenEnv is where a vendor CLI accepts an account token.
func (k Kind) sessionTokenEnv() string {
	switch k {
	case KindClaude:
		return "CLAUDE_CODE_OAUTH_TOKEN"
	default:
		return ""
	}
}

// NewFactory returns a Factory building providers for s.
func NewFactory(s Settings) Factory {
	return func(method domain.AuthMethod) (Provider, error) {
		p, err := build(s, method)
		if err != nil {
			return nil, err
		}
		if s.MaxContextTokens > 0 {
			p = &capsOverride{Provider: p, maxTokens: s.MaxContextTokens}
		}
		return WithActions(p, s.Actions), nil
	}
}

func build(s Settings, method domain.AuthMethod) (Provider, error) {
	mode := s.Mode
	if mode == "" {
		mode = ModeAuto
	}
	useAPI := mode == ModeAPI || (mode == ModeAuto && method.Kind == domain.AuthAPIKey)

	if useAPI {
		if method.Kind != domain.AuthAPIKey {
			return nil, domain.NewProviderError(s.ID, domain.ProviderUnauthenticated,
				fmt.Errorf("api mode needs an api key, resolved %s", method.Kind))
		}
		return NewAPIClient(APIConfig{
			ID:         s.ID,
			Kind:       s.Kind,
			APIKey:     method.Key,
			Model:      s.Model,
			BaseURL:    s.BaseURL,
			MaxTokens:  s.MaxTokens,
			HTTPClient: s.HTTPClient,
			Logger:     s.Logger,
		})
	}

	env := append([]string(nil), s.Env...)
	switch method.Kind {
	case domain.AuthAPIKey:
		if name := s.Kind.APIKeyEnv(); name != "" {
			env = append(env, name+"="+method.Key)
		}
	case domain.AuthAccountBased:
		if name := s.Kind.sessionTokenEnv(); name != "" && method.SessionToken != "" {
			env = append(env, name+"="+method.SessionToken)
		}
	}
	command := s.Command
	if len(command) == 0 && s.Model != "" {
		command = append(s.Kind.DefaultCommand(), "--model", s.Model)
	}
	return NewCLIAgent(CLIAgentConfig{
		ID:      s.ID,
		Kind:    s.Kind,
		Command: command,
		WorkDir: s.WorkDir,
		Env:     env,
		Logger:  s.Logger,
	}), nil
}

type capsOverride struct {
	Provider
	maxTokens int
}

func (c *capsOverride) Capabilities() domain.Capabilities {
	caps := c.Provider.Capabilities()
	caps.MaxContextTokens = c.maxTokens
	return caps
}

// RegisterSettings registers every entry of settings with r.
func RegisterSettings(r *Registry, settings []Settings) error {
	for _, s := range settings {
		if s.ID == "" {
			s.ID = string(s.Kind)
		}
		s.ID = strings.ToLower(s.ID)
		if err := r.Register(s.ID, s.Capabilities(), NewFactory(s)); err != nil {
			return err
		}
	}
	return nil
}

// DefaultSettings returns one auto-mode entry per supported kind.
func DefaultSettings(logger *slog.Logger) []Settings {
	kinds := Kinds()
	out := make([]Settings, len(kinds))
	for i, k := range kinds {
		out[i] = Settings{ID: string(k), Kind: k, Mode: ModeAuto, Logger: logger}
	}
	return out
}
