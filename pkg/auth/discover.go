package auth

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultCallbackURL is used for interactive login when none is configured.
const DefaultCallbackURL = "http://localhost:8765/callback"

// vendorKeyVars lists the vendor environment variables checked after
// <PROVIDER>_API_KEY.
var vendorKeyVars = map[string][]string{
	"claude": {"ANTHROPIC_API_KEY"},
	"gemini": {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"codex":  {"OPENAI_API_KEY", "CODEX_API_KEY"},
}

// sessionMarkers lists, relative to the home directory, the files the vendor
// CLIs leave behind once logged in.
var sessionMarkers = map[string][]string{
	"claude": {".claude/.credentials.json", ".claude.json"},
	"gemini": {".gemini/oauth_creds.json"},
	"codex":  {".codex/auth.json"},
}

// EnvKeyNames returns the environment variables consulted for providerID, in
// lookup order.
func EnvKeyNames(providerID string) []string {
	id := strings.ToLower(providerID)
	names := []string{strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id)) + "_API_KEY"}
	return append(names, vendorKeyVars[id]...)
}

// SessionMarkers returns candidate session files for providerID relative to home.
// The legacy ~/.<provider>/config.json marker is always included last.
func SessionMarkers(providerID string) []string {
	id := strings.ToLower(providerID)
	markers := append([]string(nil), sessionMarkers[id]...)
	return append(markers, filepath.Join("."+id, "config.json"))
}

// DiscoverOptions controls how Discover assembles Sources.
type DiscoverOptions struct {
	Providers []string
	// HomeDir defaults to os.UserHomeDir.
	HomeDir string
	// EnvFile is an optional dotenv file; process variables take precedence.
	EnvFile string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// Credentials come from the configuration file.
	Credentials map[string]Credential
	Interactive InteractiveLogin
	// SkipSessions disables CLI session detection.
	SkipSessions bool
}

// Discover is the collaborator that reads the environment, the dotenv file and
// session markers on disk and assembles the Sources handed to Resolve.
func Discover(opts DiscoverOptions) (Sources, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	dotenv := map[string]string{}
	if opts.EnvFile != "" {
		values, err := godotenv.Read(opts.EnvFile)
		switch {
		case err == nil:
			dotenv = values
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Sources{}, fmt.Errorf("read env file %s: %w", opts.EnvFile, err)
		}
	}

	home := opts.HomeDir
	if home == "" && !opts.SkipSessions {
		if h, err := os.UserHomeDir(); err == nil {
			home = h
		}
	}

	src := Sources{
		CLISessions:       make(map[string]Session),
		EnvKeys:           make(map[string]string),
		ConfigCredentials: make(map[string]Credential),
		Interactive:       opts.Interactive,
	}
	if src.Interactive.Enabled && src.Interactive.CallbackURL == "" {
		src.Interactive.CallbackURL = DefaultCallbackURL
	}

	for _, provider := range opts.Providers {
		id := strings.ToLower(provider)

		for _, name := range EnvKeyNames(id) {
			value := getenv(name)
			if value == "" {
				value = dotenv[name]
			}
			if strings.TrimSpace(value) != "" {
				src.EnvKeys[id] = value
				break
			}
		}

		if home != "" && !opts.SkipSessions {
			for _, marker := range SessionMarkers(id) {
				path := filepath.Join(home, marker)
				if info, err := os.Stat(path); err == nil && !info.IsDir() {
					src.CLISessions[id] = Session{Path: path}
					break
				}
			}
		}
	}

	for provider, cred := range opts.Credentials {
		src.ConfigCredentials[strings.ToLower(provider)] = cred
	}

	return src, nil
}
