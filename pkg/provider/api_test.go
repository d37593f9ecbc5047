package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-agents/pkg/domain"
)

func newTestAPIClient(t *testing.T, kind Kind, handler http.HandlerFunc) *APIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewAPIClient(APIConfig{ID: string(kind), Kind: kind, APIKey: "sk-test", BaseURL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	return c
}

func testContext() *domain.Context {
	c := domain.NewContext()
	c.AddMessage(domain.Message{Role: domain.RoleSystem, Content: "be brief"})
	c.AddMessage(domain.Message{Role: domain.RoleUser, Content: "earlier question"})
	c.AddMessage(domain.Message{Role: domain.RoleAssistant, Content: "earlier answer", ProviderID: "claude"})
	return c
}

func TestAnthropicExecute(t *testing.T) {
	var got anthropicRequest
	c := newTestAPIClient(t, KindClaude, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`))
	})

	resp, err := c.Execute(context.Background(), domain.Prompt{Action: "analyze", Input: "code"}, testContext())
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Content)
	assert.Equal(t, 2, resp.Metadata["output_tokens"])
	assert.Equal(t, "api", resp.Metadata["mode"])

	assert.Equal(t, "be brief", got.System)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "assistant", got.Messages[1].Role)
	assert.Equal(t, "user", got.Messages[2].Role)
	assert.Equal(t, "analyze\n\ncode", got.Messages[2].Content)
	assert.Equal(t, KindClaude.DefaultModel(), got.Model)
}

func TestGeminiExecute(t *testing.T) {
	var got geminiRequest
	c := newTestAPIClient(t, KindGemini, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.5-pro:generateContent", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}`))
	})

	resp, err := c.Execute(context.Background(), domain.Prompt{Action: "review"}, testContext())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	require.NotNil(t, got.SystemInstruction)
	assert.Equal(t, "be brief", got.SystemInstruction.Parts[0].Text)
	require.Len(t, got.Contents, 3)
	assert.Equal(t, "model", got.Contents[1].Role)
}

func TestOpenAIExecute(t *testing.T) {
	var got openAIRequest
	c := newTestAPIClient(t, KindCodex, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"fixed"},"finish_reason":"stop"}]}`))
	})

	resp, err := c.Execute(context.Background(), domain.Prompt{Action: "fix"}, testContext())
	require.NoError(t, err)
	assert.Equal(t, "fixed", resp.Content)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
}

func TestAPIStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   domain.ProviderErrorKind
	}{
		{http.StatusUnauthorized, domain.ProviderUnauthenticated},
		{http.StatusForbidden, domain.ProviderUnauthenticated},
		{http.StatusTooManyRequests, domain.ProviderRateLimited},
		{http.StatusBadRequest, domain.ProviderInvalidAction},
		{http.StatusGatewayTimeout, domain.ProviderTimeout},
		{http.StatusInternalServerError, domain.ProviderUnavailable},
		{http.StatusServiceUnavailable, domain.ProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestAPIClient(t, KindClaude, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
			})
			_, err := c.Execute(context.Background(), domain.Prompt{Action: "x"}, nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, kindOf(err))

			var perr *domain.ProviderError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.status, perr.StatusCode)
			assert.Contains(t, perr.Error(), "nope")
		})
	}
}

func TestAPIExecuteTimeout(t *testing.T) {
	c := newTestAPIClient(t, KindClaude, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Execute(ctx, domain.Prompt{Action: "x"}, nil)
	require.Error(t, err)
	assert.Equal(t, domain.ProviderTimeout, kindOf(err))
}

func TestAPIStreamIsSingleChunk(t *testing.T) {
	c := newTestAPIClient(t, KindCodex, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"whole"}}]}`))
	})
	assert.False(t, c.Capabilities().SupportsStreaming)

	stream, err := c.Stream(context.Background(), domain.Prompt{Action: "x"}, nil)
	require.NoError(t, err)
	resp, err := Collect(stream, nil)
	require.NoError(t, err)
	assert.Equal(t, "whole", resp.Content)
	assert.Equal(t, 1, resp.Metadata["chunks"])
}

func TestNewAPIClientRequiresKey(t *testing.T) {
	_, err := NewAPIClient(APIConfig{Kind: KindClaude})
	require.Error(t, err)
	assert.Equal(t, domain.ProviderUnauthenticated, kindOf(err))

	_, err = NewAPIClient(APIConfig{Kind: "mystery", APIKey: "k"})
	require.Error(t, err)
}

func kindOf(err error) domain.ProviderErrorKind {
	kind, _ := domain.ProviderErrorKindOf(err)
	return kind
}

func TestConversationAfterPipelineSteps(t *testing.T) {
	c := domain.NewContext()
	c.AddMessage(domain.Message{Role: domain.RoleSystem, Content: "be brief"})
	c.AddMessage(domain.Message{Role: domain.RoleAssistant, Content: "design doc", ProviderID: "claude"})
	c.AddMessage(domain.Message{Role: domain.RoleAssistant, Content: "the code", ProviderID: "codex"})

	system, turns := conversation(domain.Prompt{Action: "review", Input: "the code"}, c)
	assert.Equal(t, "be brief\n\nOutput of claude:\ndesign doc", system)
	assert.Equal(t, []domain.Message{{Role: domain.RoleUser, Content: "review\n\nthe code"}}, turns)
}

func TestConversationAlternatesRoles(t *testing.T) {
	roles := rapid.SampledFrom([]domain.Role{domain.RoleUser, domain.RoleAssistant, domain.RoleSystem})
	rapid.Check(t, func(t *rapid.T) {
		c := domain.NewContext()
		for i, role := range rapid.SliceOfN(roles, 0, 8).Draw(t, "roles") {
			c.AddMessage(domain.Message{Role: role, Content: string(rune('a' + i))})
		}
		input := rapid.SampledFrom([]string{"", "b", "z"}).Draw(t, "input")

		_, turns := conversation(domain.Prompt{Action: "act", Input: input}, c)
		if len(turns) == 0 || turns[0].Role != domain.RoleUser || turns[len(turns)-1].Role != domain.RoleUser {
			t.Fatalf("turns must start and end with the user: %+v", turns)
		}
		for i := 1; i < len(turns); i++ {
			if turns[i].Role == turns[i-1].Role {
				t.Fatalf("repeated role at %d: %+v", i, turns)
			}
		}
	})
}
