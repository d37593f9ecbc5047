package provider

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-agents/pkg/domain"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// shellAgent builds an agent whose command is `sh -c script`; the rendered
// prompt arrives as $0.
func shellAgent(script string) *CLIAgent {
	return NewCLIAgent(CLIAgentConfig{ID: "claude", Kind: KindClaude, Command: []string{"sh", "-c", script}})
}

func TestCLIAgentExecute(t *testing.T) {
	requireShell(t)
	agent := shellAgent(`printf 'got: %s\n' "$0"`)

	c := domain.NewContext()
	c.AddFile("main.go")
	resp, err := agent.Execute(context.Background(), domain.Prompt{Action: "analyze", Input: "x"}, c)
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "got: Files in scope:")
	assert.Contains(t, resp.Content, "- main.go")
	assert.True(t, strings.HasSuffix(resp.Content, "analyze\n\nx"))
	assert.Equal(t, "cli", resp.Metadata["mode"])
}

func TestCLIAgentPassesEnvironment(t *testing.T) {
	requireShell(t)
	agent := NewCLIAgent(CLIAgentConfig{
		Kind:    KindGemini,
		Command: []string{"sh", "-c", `printf '%s/%s' "$FROM_CONTEXT" "$FROM_CONFIG"`},
		Env:     []string{"FROM_CONFIG=b"},
	})
	c := domain.NewContext()
	c.SetEnv("FROM_CONTEXT", "a")

	resp, err := agent.Execute(context.Background(), domain.Prompt{Action: "x"}, c)
	require.NoError(t, err)
	assert.Equal(t, "a/b", resp.Content)
	assert.Equal(t, "gemini", agent.Name())
}

func TestCLIAgentClassifiesFailures(t *testing.T) {
	requireShell(t)
	tests := []struct {
		name   string
		script string
		want   domain.ProviderErrorKind
	}{
		{"rate limit", `echo "Error: rate limit exceeded" >&2; exit 1`, domain.ProviderRateLimited},
		{"not logged in", `echo "You are not logged in" >&2; exit 1`, domain.ProviderUnauthenticated},
		{"unknown command", `echo "unknown command foo" >&2; exit 2`, domain.ProviderInvalidAction},
		{"generic", `echo boom >&2; exit 3`, domain.ProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := shellAgent(tt.script).Execute(context.Background(), domain.Prompt{Action: "x"}, nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, kindOf(err))
		})
	}

	_, err := shellAgent(`exit 3`).Execute(context.Background(), domain.Prompt{Action: "x"}, nil)
	var perr *domain.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 3, perr.StatusCode)
}

func TestCLIAgentNotInstalled(t *testing.T) {
	agent := NewCLIAgent(CLIAgentConfig{Kind: KindCodex, Command: []string{"polis-agents-no-such-binary"}})
	_, err := agent.Execute(context.Background(), domain.Prompt{Action: "x"}, nil)
	require.Error(t, err)
	assert.Equal(t, domain.ProviderUnavailable, kindOf(err))
	assert.Contains(t, err.Error(), "not installed")
}

func TestCLIAgentTimeout(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := shellAgent(`sleep 5`).Execute(ctx, domain.Prompt{Action: "x"}, nil)
	require.Error(t, err)
	assert.Equal(t, domain.ProviderTimeout, kindOf(err))
}

func TestCLIAgentStream(t *testing.T) {
	requireShell(t)
	stream, err := shellAgent(`echo one; echo two`).Stream(context.Background(), domain.Prompt{Action: "x"}, nil)
	require.NoError(t, err)

	var chunks []string
	resp, err := Collect(stream, func(c string) { chunks = append(chunks, c) })
	require.NoError(t, err)
	assert.Equal(t, []string{"one\n", "two\n"}, chunks)
	assert.Equal(t, "one\ntwo\n", resp.Content)
}

func TestCLIAgentStreamFailure(t *testing.T) {
	requireShell(t)
	stream, err := shellAgent(`echo partial; echo "too many requests" >&2; exit 1`).Stream(context.Background(), domain.Prompt{Action: "x"}, nil)
	require.NoError(t, err)

	_, err = Collect(stream, nil)
	require.Error(t, err)
	assert.Equal(t, domain.ProviderRateLimited, kindOf(err))
}

func TestCLIAgentStreamCloseStopsProcess(t *testing.T) {
	requireShell(t)
	stream, err := shellAgent(`while true; do echo tick; sleep 0.01; done`).Stream(context.Background(), domain.Prompt{Action: "x"}, nil)
	require.NoError(t, err)

	chunk, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "tick\n", chunk)

	done := make(chan struct{})
	go func() {
		_ = stream.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the process")
	}
}

func TestStaticStream(t *testing.T) {
	s := NewStaticStream(nil, "a", "b")
	resp, err := Collect(s, nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", resp.Content)
	assert.Equal(t, 2, resp.Metadata["chunks"])

	failing := NewStaticStream(errors.New("cut"), "a")
	_, err = Collect(failing, nil)
	require.EqualError(t, err, "cut")
}

func TestChanStreamReportsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newChanStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		emit("first")
		<-ctx.Done()
		return ctx.Err()
	})

	chunk, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "first", chunk)

	cancel()
	_, err = s.Next()
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Next()
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, s.Close())
}

func TestChanStreamCompletes(t *testing.T) {
	s := newChanStream(context.Background(), func(_ context.Context, emit func(string) bool) error {
		emit("x")
		return nil
	})
	_, err := s.Next()
	require.NoError(t, err)
	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	var bound []domain.AuthMethod
	err := r.Register("claude", KindClaude.Capabilities(), func(m domain.AuthMethod) (Provider, error) {
		bound = append(bound, m)
		return shellAgent("true"), nil
	})
	require.NoError(t, err)
	require.Error(t, r.Register("claude", domain.Capabilities{}, func(domain.AuthMethod) (Provider, error) { return nil, nil }))

	assert.True(t, r.Has("claude"))
	assert.False(t, r.Has("gemini"))
	assert.Equal(t, []string{"claude"}, r.IDs())

	caps, ok := r.Capabilities("claude")
	require.True(t, ok)
	assert.Equal(t, 200000, caps.MaxContextTokens)

	p, err := r.Bind("claude", domain.CLIAuth("claude"))
	require.NoError(t, err)
	assert.Equal(t, "claude", p.Name())
	require.Len(t, bound, 1)
	assert.Equal(t, domain.AuthCLI, bound[0].Kind)

	_, err = r.Bind("gemini", domain.APIKey("k"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
	assert.Equal(t, domain.ProviderUnavailable, kindOf(err))
}

func TestWithActions(t *testing.T) {
	requireShell(t)
	p := WithActions(shellAgent(`echo ok`), []string{"Analyze", "review"})

	_, err := p.Execute(context.Background(), domain.Prompt{Action: "analyze"}, nil)
	require.NoError(t, err)

	_, err = p.Execute(context.Background(), domain.Prompt{Action: "deploy"}, nil)
	require.Error(t, err)
	assert.Equal(t, domain.ProviderInvalidAction, kindOf(err))

	_, err = p.Stream(context.Background(), domain.Prompt{Action: "deploy"}, nil)
	assert.Equal(t, domain.ProviderInvalidAction, kindOf(err))

	unrestricted := shellAgent("true")
	assert.Same(t, unrestricted, WithActions(unrestricted, nil))
}

func TestFactorySelectsMode(t *testing.T) {
	tests := []struct {
		name     string
		mode     Mode
		method   domain.AuthMethod
		wantAPI  bool
		wantFail bool
	}{
		{"auto api key", ModeAuto, domain.APIKey("k"), true, false},
		{"auto cli", ModeAuto, domain.CLIAuth("claude"), false, false},
		{"auto account", ModeAuto, domain.AccountBased("claude", "tok"), false, false},
		{"auto browser", ModeAuto, domain.BrowserAuth("http://localhost:8765/callback"), false, false},
		{"cli with key", ModeCLI, domain.APIKey("k"), false, false},
		{"api without key", ModeAPI, domain.CLIAuth("claude"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFactory(Settings{ID: "claude", Kind: KindClaude, Mode: tt.mode})
			p, err := f(tt.method)
			if tt.wantFail {
				require.Error(t, err)
				assert.Equal(t, domain.ProviderUnauthenticated, kindOf(err))
				return
			}
			require.NoError(t, err)
			_, isAPI := p.(*APIClient)
			assert.Equal(t, tt.wantAPI, isAPI)
		})
	}
}

func TestFactoryPassesKeyToCLI(t *testing.T) {
	p, err := NewFactory(Settings{ID: "codex", Kind: KindCodex, Mode: ModeCLI})(domain.APIKey("sk-1"))
	require.NoError(t, err)
	agent, ok := p.(*CLIAgent)
	require.True(t, ok)
	assert.Contains(t, agent.env, "OPENAI_API_KEY=sk-1")
	assert.Equal(t, []string{"codex", "exec"}, agent.command)
}

func TestFactoryOverrides(t *testing.T) {
	s := Settings{ID: "claude", Kind: KindClaude, Actions: []string{"analyze"}, MaxContextTokens: 1000}
	p, err := NewFactory(s)(domain.CLIAuth("claude"))
	require.NoError(t, err)
	assert.Equal(t, 1000, p.Capabilities().MaxContextTokens)
	assert.Equal(t, 1000, s.Capabilities().MaxContextTokens)

	_, err = p.Execute(context.Background(), domain.Prompt{Action: "deploy"}, nil)
	assert.Equal(t, domain.ProviderInvalidAction, kindOf(err))
}

func TestRegisterSettings(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterSettings(r, DefaultSettings(nil)))
	assert.Equal(t, []string{"claude", "codex", "gemini"}, r.IDs())

	caps, _ := r.Capabilities("gemini")
	assert.Equal(t, 1000000, caps.MaxContextTokens)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Claude ")
	require.NoError(t, err)
	assert.Equal(t, KindClaude, k)

	_, err = ParseKind("copilot")
	require.Error(t, err)
}
