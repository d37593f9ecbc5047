package domain

// Prompt is what a step sends to a provider: the step's action plus the input
// produced by the previous step.
type Prompt struct {
	Action string `json:"action"`
	Input  string `json:"input,omitempty"`
}

// Text renders the prompt as the single instruction handed to an agent.
func (p Prompt) Text() string {
	switch {
	case p.Input == "":
		return p.Action
	case p.Action == "":
		return p.Input
	default:
		return p.Action + "\n\n" + p.Input
	}
}

// Response is the result of a single provider call.
type Response struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Capabilities describes what a provider supports. MaxContextTokens of zero
// means no declared limit.
type Capabilities struct {
	SupportsStreaming bool `json:"supports_streaming"`
	SupportsFiles     bool `json:"supports_files"`
	MaxContextTokens  int  `json:"max_context_tokens,omitempty"`
}

// AuthKind tags the AuthMethod variant.
type AuthKind string

const (
	AuthAPIKey       AuthKind = "api_key"
	AuthAccountBased AuthKind = "account"
	AuthCLI          AuthKind = "cli"
	AuthBrowser      AuthKind = "browser"
)

// AuthMethod is a resolved credential. Only the fields of its Kind are set.
type AuthMethod struct {
	Kind AuthKind

	Key          string // api_key
	Provider     string // account, cli
	SessionToken string // account
	CallbackURL  string // browser

	// Source records which step of the resolution chain produced the method.
	Source AuthSource
}

// APIKey returns an ApiKey method.
func APIKey(key string) AuthMethod {
	return AuthMethod{Kind: AuthAPIKey, Key: key}
}

// AccountBased returns an AccountBased method.
func AccountBased(provider, sessionToken string) AuthMethod {
	return AuthMethod{Kind: AuthAccountBased, Provider: provider, SessionToken: sessionToken}
}

// CLIAuth returns a method delegating to the provider's own CLI session.
func CLIAuth(provider string) AuthMethod {
	return AuthMethod{Kind: AuthCLI, Provider: provider}
}

// BrowserAuth returns an interactive login method.
func BrowserAuth(callbackURL string) AuthMethod {
	return AuthMethod{Kind: AuthBrowser, CallbackURL: callbackURL}
}

// String describes the method without revealing secrets.
func (m AuthMethod) String() string {
	desc := string(m.Kind)
	switch m.Kind {
	case AuthAccountBased, AuthCLI:
		desc += "(" + m.Provider + ")"
	case AuthBrowser:
		desc += "(" + m.CallbackURL + ")"
	}
	if m.Source != "" {
		desc += " via " + string(m.Source)
	}
	return desc
}
