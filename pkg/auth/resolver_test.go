package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-agents/pkg/domain"
)

func fullSources() Sources {
	return Sources{
		CLISessions:       map[string]Session{"claude": {Path: "/home/dev/.claude/.credentials.json"}},
		EnvKeys:           map[string]string{"claude": "sk-env"},
		ConfigCredentials: map[string]Credential{"claude": {APIKey: "sk-config"}},
		Interactive:       InteractiveLogin{Enabled: true, CallbackURL: DefaultCallbackURL},
	}
}

func TestResolvePriorityOrder(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Sources)
		want   domain.AuthMethod
	}{
		{
			name:   "cli session wins over api key",
			mutate: func(*Sources) {},
			want:   domain.AuthMethod{Kind: domain.AuthCLI, Provider: "claude", Source: domain.SourceCLISession},
		},
		{
			name: "session with token is account based",
			mutate: func(s *Sources) {
				s.CLISessions["claude"] = Session{Path: "x", Token: "tok"}
			},
			want: domain.AuthMethod{Kind: domain.AuthAccountBased, Provider: "claude", SessionToken: "tok", Source: domain.SourceCLISession},
		},
		{
			name:   "env when no session",
			mutate: func(s *Sources) { delete(s.CLISessions, "claude") },
			want:   domain.AuthMethod{Kind: domain.AuthAPIKey, Key: "sk-env", Source: domain.SourceEnv},
		},
		{
			name: "config when no session or env",
			mutate: func(s *Sources) {
				delete(s.CLISessions, "claude")
				s.EnvKeys["claude"] = "   "
			},
			want: domain.AuthMethod{Kind: domain.AuthAPIKey, Key: "sk-config", Source: domain.SourceConfig},
		},
		{
			name: "config session token",
			mutate: func(s *Sources) {
				delete(s.CLISessions, "claude")
				delete(s.EnvKeys, "claude")
				s.ConfigCredentials["claude"] = Credential{SessionToken: "acct"}
			},
			want: domain.AuthMethod{Kind: domain.AuthAccountBased, Provider: "claude", SessionToken: "acct", Source: domain.SourceConfig},
		},
		{
			name: "interactive last",
			mutate: func(s *Sources) {
				delete(s.CLISessions, "claude")
				delete(s.EnvKeys, "claude")
				delete(s.ConfigCredentials, "claude")
			},
			want: domain.AuthMethod{Kind: domain.AuthBrowser, CallbackURL: DefaultCallbackURL, Source: domain.SourceInteractive},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := fullSources()
			tt.mutate(&src)

			got, err := Resolve("claude", src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveNoMethodAvailable(t *testing.T) {
	_, err := Resolve("gemini", Sources{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoMethodAvailable)

	var authErr *domain.AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "gemini", authErr.ProviderID)
	assert.Len(t, authErr.Tried, 4)
}

func TestResolveInteractiveRestrictedToProviders(t *testing.T) {
	src := Sources{Interactive: InteractiveLogin{Enabled: true, CallbackURL: DefaultCallbackURL, Providers: []string{"codex"}}}

	_, err := Resolve("claude", src)
	assert.ErrorIs(t, err, domain.ErrNoMethodAvailable)

	m, err := Resolve("CODEX", src)
	require.NoError(t, err)
	assert.Equal(t, domain.AuthBrowser, m.Kind)
}

func TestResolveDoesNotMutateSources(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		src := Sources{
			CLISessions:       map[string]Session{},
			EnvKeys:           map[string]string{},
			ConfigCredentials: map[string]Credential{},
		}
		if rapid.Bool().Draw(t, "session") {
			src.CLISessions["claude"] = Session{Path: "p"}
		}
		if rapid.Bool().Draw(t, "env") {
			src.EnvKeys["claude"] = "sk-env"
		}
		if rapid.Bool().Draw(t, "config") {
			src.ConfigCredentials["claude"] = Credential{APIKey: "sk-cfg"}
		}
		src.Interactive.Enabled = rapid.Bool().Draw(t, "interactive")
		src.Interactive.CallbackURL = DefaultCallbackURL

		before := len(src.CLISessions) + len(src.EnvKeys) + len(src.ConfigCredentials)
		m, err := Resolve("claude", src)
		after := len(src.CLISessions) + len(src.EnvKeys) + len(src.ConfigCredentials)
		if before != after {
			t.Fatalf("sources mutated")
		}

		want := domain.AuthSource("")
		switch {
		case len(src.CLISessions) > 0:
			want = domain.SourceCLISession
		case len(src.EnvKeys) > 0:
			want = domain.SourceEnv
		case len(src.ConfigCredentials) > 0:
			want = domain.SourceConfig
		case src.Interactive.Enabled:
			want = domain.SourceInteractive
		}
		if want == "" {
			if !errors.Is(err, domain.ErrNoMethodAvailable) {
				t.Fatalf("expected NoMethodAvailable, got %v", err)
			}
			return
		}
		if err != nil || m.Source != want {
			t.Fatalf("expected source %s, got %s (%v)", want, m.Source, err)
		}
	})
}

func TestCacheResolvesOncePerRun(t *testing.T) {
	src := Sources{EnvKeys: map[string]string{"codex": "sk-1"}}
	cache := NewCache(src)

	first, err := cache.Resolve("codex")
	require.NoError(t, err)

	src.EnvKeys["codex"] = "sk-2"
	second, err := cache.Resolve("codex")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = cache.Resolve("gemini")
	assert.ErrorIs(t, err, domain.ErrNoMethodAvailable)
	src.EnvKeys["gemini"] = "late"
	_, err = cache.Resolve("gemini")
	assert.ErrorIs(t, err, domain.ErrNoMethodAvailable, "failures are cached too")

	fresh := NewCache(src)
	m, err := fresh.Resolve("codex")
	require.NoError(t, err)
	assert.Equal(t, "sk-2", m.Key)
}

func TestDiscover(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".codex"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".codex", "auth.json"), []byte(`{}`), 0o600))

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("GEMINI_API_KEY=from-dotenv\nANTHROPIC_API_KEY=dotenv-claude\n"), 0o600))

	env := map[string]string{"CLAUDE_API_KEY": "from-process"}
	src, err := Discover(DiscoverOptions{
		Providers:   []string{"claude", "gemini", "codex"},
		HomeDir:     home,
		EnvFile:     envFile,
		Getenv:      func(k string) string { return env[k] },
		Credentials: map[string]Credential{"Codex": {APIKey: "sk-cfg"}},
		Interactive: InteractiveLogin{Enabled: true},
	})
	require.NoError(t, err)

	assert.Equal(t, "from-process", src.EnvKeys["claude"])
	assert.Equal(t, "from-dotenv", src.EnvKeys["gemini"])
	assert.NotContains(t, src.EnvKeys, "codex")
	assert.Equal(t, filepath.Join(home, ".codex", "auth.json"), src.CLISessions["codex"].Path)
	assert.NotContains(t, src.CLISessions, "claude")
	assert.Equal(t, "sk-cfg", src.ConfigCredentials["codex"].APIKey)
	assert.Equal(t, DefaultCallbackURL, src.Interactive.CallbackURL)

	m, err := Resolve("codex", src)
	require.NoError(t, err)
	assert.Equal(t, domain.AuthCLI, m.Kind)
}

func TestDiscoverIgnoresMissingEnvFile(t *testing.T) {
	_, err := Discover(DiscoverOptions{
		Providers:    []string{"claude"},
		EnvFile:      filepath.Join(t.TempDir(), "absent.env"),
		Getenv:       func(string) string { return "" },
		SkipSessions: true,
	})
	assert.NoError(t, err)
}

func TestEnvKeyNames(t *testing.T) {
	assert.Equal(t, []string{"CLAUDE_API_KEY", "ANTHROPIC_API_KEY"}, EnvKeyNames("claude"))
	assert.Equal(t, []string{"MY_AGENT_API_KEY"}, EnvKeyNames("my-agent"))
}
