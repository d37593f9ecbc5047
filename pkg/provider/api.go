package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-agents/pkg/domain"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4096

// APIConfig configures an HTTP API-backed provider.
type APIConfig struct {
	ID      string
	Kind    Kind
	APIKey  string
	Model   string
	BaseURL string
	// MaxTokens bounds the response length where the API requires it.
	MaxTokens  int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewHTTPClient returns a client whose transport is traced with otelhttp.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// apiDialect is the vendor-specific half of an API client.
type apiDialect interface {
	endpoint(baseURL, model string) string
	headers(h http.Header, key string)
	body(model string, maxTokens int, prompt domain.Prompt, c *domain.Context) any
	decode(data []byte) (content string, meta map[string]any, err error)
}

// APIClient speaks a vendor HTTP API.
type APIClient struct {
	id        string
	kind      Kind
	key       string
	model     string
	baseURL   string
	maxTokens int
	client    *http.Client
	logger    *slog.Logger
	dialect   apiDialect
}

// NewAPIClient creates an API client for cfg.Kind.
func NewAPIClient(cfg APIConfig) (*APIClient, error) {
	var dialect apiDialect
	baseURL := cfg.BaseURL
	switch cfg.Kind {
	case KindClaude:
		dialect = anthropicDialect{}
		if baseURL == "" {
			baseURL = "https://api.anthropic.com"
		}
	case KindGemini:
		dialect = geminiDialect{}
		if baseURL == "" {
			baseURL = "https://generativelanguage.googleapis.com"
		}
	case KindCodex:
		dialect = openAIDialect{}
		if baseURL == "" {
			baseURL = "https://api.openai.com"
		}
	default:
		return nil, fmt.Errorf("no HTTP API for provider kind %q", cfg.Kind)
	}
	if cfg.APIKey == "" {
		return nil, domain.NewProviderError(cfg.ID, domain.ProviderUnauthenticated, errors.New("api key is empty"))
	}

	client := cfg.HTTPClient
	if client == nil {
		client = NewHTTPClient()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	model := cfg.Model
	if model == "" {
		model = cfg.Kind.DefaultModel()
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	id := cfg.ID
	if id == "" {
		id = string(cfg.Kind)
	}

	return &APIClient{
		id:        id,
		kind:      cfg.Kind,
		key:       cfg.APIKey,
		model:     model,
		baseURL:   strings.TrimRight(baseURL, "/"),
		maxTokens: maxTokens,
		client:    client,
		logger:    logger,
		dialect:   dialect,
	}, nil
}

func (c *APIClient) Name() string { return c.id }

// Capabilities of the API clients exclude streaming; Stream replays the full
// answer as one chunk.
func (c *APIClient) Capabilities() domain.Capabilities {
	caps := c.kind.Capabilities()
	caps.SupportsStreaming = false
	caps.SupportsFiles = false
	return caps
}

// Execute sends one request and decodes the answer.
func (c *APIClient) Execute(ctx context.Context, prompt domain.Prompt, pctx *domain.Context) (*domain.Response, error) {
	payload, err := json.Marshal(c.dialect.body(c.model, c.maxTokens, prompt, pctx))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.dialect.endpoint(c.baseURL, c.model), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.dialect.headers(req.Header, c.key)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, domain.NewProviderError(c.id, domain.ProviderTimeout, err)
			}
			return nil, ctx.Err()
		}
		return nil, domain.NewProviderError(c.id, domain.ProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("provider api error", "provider_id", c.id, "status", resp.StatusCode)
		return nil, classifyStatus(c.id, resp.StatusCode, body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewProviderError(c.id, domain.ProviderUnavailable, fmt.Errorf("read response: %w", err))
	}
	content, meta, err := c.dialect.decode(data)
	if err != nil {
		return nil, domain.NewProviderError(c.id, domain.ProviderUnavailable, fmt.Errorf("decode response: %w", err))
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["provider"] = c.id
	meta["mode"] = "api"
	meta["model"] = c.model
	return &domain.Response{Content: content, Metadata: meta}, nil
}

func (c *APIClient) Stream(ctx context.Context, prompt domain.Prompt, pctx *domain.Context) (ResponseStream, error) {
	resp, err := c.Execute(ctx, prompt, pctx)
	if err != nil {
		return nil, err
	}
	return NewStaticStream(nil, resp.Content), nil
}

// classifyStatus maps an HTTP error status onto a provider error kind.
func classifyStatus(providerID string, status int, body []byte) *domain.ProviderError {
	kind := domain.ProviderUnavailable
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = domain.ProviderUnauthenticated
	case status == http.StatusTooManyRequests:
		kind = domain.ProviderRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = domain.ProviderTimeout
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		kind = domain.ProviderInvalidAction
	}
	perr := domain.NewProviderError(providerID, kind, fmt.Errorf("status %d: %s", status, errorMessage(body)))
	perr.StatusCode = status
	return perr
}

// errorMessage extracts {"error": {"message": ...}} bodies shared by the
// vendors, falling back to the raw text.
func errorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(body))
}

// conversation splits the context history into system text and turns that
// alternate roles, start with the user and end with the prompt. Assistant
// output that precedes every user turn came from earlier pipeline steps and is
// moved into the system text. A last assistant turn equal to the prompt input
// is dropped since the prompt carries it.
func conversation(prompt domain.Prompt, c *domain.Context) (system string, turns []domain.Message) {
	var sys []string
	var history []domain.Message
	if c != nil {
		for _, msg := range c.History {
			if msg.Role == domain.RoleSystem {
				sys = append(sys, msg.Content)
				continue
			}
			history = append(history, msg)
		}
	}
	if n := len(history); n > 0 && history[n-1].Role == domain.RoleAssistant && history[n-1].Content == prompt.Input {
		history = history[:n-1]
	}

	for _, msg := range history {
		if msg.Role == domain.RoleAssistant && len(turns) == 0 {
			sys = append(sys, earlierOutput(msg))
			continue
		}
		turns = appendTurn(turns, msg.Role, msg.Content)
	}
	turns = appendTurn(turns, domain.RoleUser, prompt.Text())
	return strings.Join(sys, "\n\n"), turns
}

// appendTurn adds a turn, merging it into the previous one when the role
// repeats. Roles other than assistant count as user.
func appendTurn(turns []domain.Message, role domain.Role, content string) []domain.Message {
	if role != domain.RoleAssistant {
		role = domain.RoleUser
	}
	if n := len(turns); n > 0 && turns[n-1].Role == role {
		turns[n-1].Content += "\n\n" + content
		return turns
	}
	return append(turns, domain.Message{Role: role, Content: content})
}

func earlierOutput(msg domain.Message) string {
	if msg.ProviderID == "" {
		return "Earlier output:\n" + msg.Content
	}
	return "Output of " + msg.ProviderID + ":\n" + msg.Content
}
