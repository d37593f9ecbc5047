// Package auth resolves the credential a provider call should use.
//
// Resolution walks a fixed priority chain and returns the first method that is
// present:
//
//  1. an existing CLI session for the provider
//  2. an API key from the environment
//  3. a credential from the configuration file
//  4. an interactive (browser) login flow
//
// Presence is all that is checked; a stale token surfaces later as an
// Unauthenticated provider error. Resolve itself performs no I/O: the
// configured methods are assembled beforehand by Discover.
package auth

import (
	"strings"
	"sync"

	"github.com/polisai/polis-agents/pkg/domain"
)

// Session is a detected CLI login for a provider.
type Session struct {
	// Path is the session marker that was found.
	Path string
	// Token is set when the session carries a reusable account token.
	Token string
}

// Credential is a provider credential supplied by the configuration file.
type Credential struct {
	APIKey       string `yaml:"api_key"`
	SessionToken string `yaml:"session_token"`
}

// InteractiveLogin describes whether a browser login may be offered.
type InteractiveLogin struct {
	Enabled     bool
	CallbackURL string
	// Providers restricts interactive login to these ids. Empty allows all.
	Providers []string
}

// Sources is the set of configured methods consulted by Resolve, keyed by
// lower-case provider id.
type Sources struct {
	CLISessions       map[string]Session
	EnvKeys           map[string]string
	ConfigCredentials map[string]Credential
	Interactive       InteractiveLogin
}

var chainOrder = []domain.AuthSource{
	domain.SourceCLISession,
	domain.SourceEnv,
	domain.SourceConfig,
	domain.SourceInteractive,
}

// Resolve returns the first usable method for providerID in priority order, or
// a *domain.AuthError wrapping domain.ErrNoMethodAvailable.
func Resolve(providerID string, src Sources) (domain.AuthMethod, error) {
	id := strings.ToLower(strings.TrimSpace(providerID))

	for _, source := range chainOrder {
		if method, ok := src.lookup(id, source); ok {
			method.Source = source
			return method, nil
		}
	}
	return domain.AuthMethod{}, &domain.AuthError{ProviderID: providerID, Tried: append([]domain.AuthSource(nil), chainOrder...)}
}

func (s Sources) lookup(id string, source domain.AuthSource) (domain.AuthMethod, bool) {
	switch source {
	case domain.SourceCLISession:
		session, ok := s.CLISessions[id]
		if !ok || (session.Path == "" && session.Token == "") {
			return domain.AuthMethod{}, false
		}
		if token := strings.TrimSpace(session.Token); token != "" {
			return domain.AccountBased(id, token), true
		}
		return domain.CLIAuth(id), true

	case domain.SourceEnv:
		if key := strings.TrimSpace(s.EnvKeys[id]); key != "" {
			return domain.APIKey(key), true
		}

	case domain.SourceConfig:
		cred := s.ConfigCredentials[id]
		if key := strings.TrimSpace(cred.APIKey); key != "" {
			return domain.APIKey(key), true
		}
		if token := strings.TrimSpace(cred.SessionToken); token != "" {
			return domain.AccountBased(id, token), true
		}

	case domain.SourceInteractive:
		if s.Interactive.allows(id) {
			return domain.BrowserAuth(s.Interactive.CallbackURL), true
		}
	}
	return domain.AuthMethod{}, false
}

func (l InteractiveLogin) allows(id string) bool {
	if !l.Enabled || l.CallbackURL == "" {
		return false
	}
	if len(l.Providers) == 0 {
		return true
	}
	for _, p := range l.Providers {
		if strings.EqualFold(p, id) {
			return true
		}
	}
	return false
}

type cacheEntry struct {
	method domain.AuthMethod
	err    error
}

// Cache memoizes resolutions for the lifetime of one pipeline run. It is safe
// for concurrent use by the steps of a parallel run.
type Cache struct {
	mu      sync.Mutex
	sources Sources
	entries map[string]cacheEntry
}

// NewCache returns an empty per-run cache over src.
func NewCache(src Sources) *Cache {
	return &Cache{sources: src, entries: make(map[string]cacheEntry)}
}

// Resolve resolves providerID on first use and replays the result afterwards,
// failures included.
func (c *Cache) Resolve(providerID string) (domain.AuthMethod, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[providerID]; ok {
		return e.method, e.err
	}
	method, err := Resolve(providerID, c.sources)
	c.entries[providerID] = cacheEntry{method: method, err: err}
	return method, err
}
