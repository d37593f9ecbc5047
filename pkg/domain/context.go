package domain

import (
	"sort"
	"strings"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of the conversation history. ProviderID is empty for
// messages that did not come from a provider.
type Message struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	ProviderID string `json:"provider_id,omitempty"`
}

// privateMetadataPrefix marks metadata keys that are never handed to providers.
const privateMetadataPrefix = "private."

// charsPerToken is the rough ratio used for token estimates.
const charsPerToken = 4

// Context is the conversation and environment state threaded through one
// pipeline run. History is append-only. A Context is never shared across
// concurrent runs; providers receive a Clone.
type Context struct {
	History      []Message           `json:"history"`
	CurrentFiles map[string]struct{} `json:"-"`
	Environment  map[string]string   `json:"environment,omitempty"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
}

// NewContext returns an empty, ready to use Context.
func NewContext() *Context {
	return &Context{
		CurrentFiles: make(map[string]struct{}),
		Environment:  make(map[string]string),
		Metadata:     make(map[string]any),
	}
}

// AddMessage appends a message to the history.
func (c *Context) AddMessage(msg Message) {
	c.History = append(c.History, msg)
}

// AddFile records a file path as part of the working set.
func (c *Context) AddFile(path string) {
	if c.CurrentFiles == nil {
		c.CurrentFiles = make(map[string]struct{})
	}
	c.CurrentFiles[path] = struct{}{}
}

// Files returns the working set in sorted order.
func (c *Context) Files() []string {
	files := make([]string, 0, len(c.CurrentFiles))
	for path := range c.CurrentFiles {
		files = append(files, path)
	}
	sort.Strings(files)
	return files
}

// SetEnv sets an environment entry.
func (c *Context) SetEnv(key, value string) {
	if c.Environment == nil {
		c.Environment = make(map[string]string)
	}
	c.Environment[key] = value
}

// SetMetadata sets a metadata entry.
func (c *Context) SetMetadata(key string, value any) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	c.Metadata[key] = value
}

// Clone returns a deep copy of the maps and history. Metadata values are
// copied shallowly.
func (c *Context) Clone() *Context {
	out := NewContext()
	if c == nil {
		return out
	}
	out.History = append([]Message(nil), c.History...)
	for path := range c.CurrentFiles {
		out.CurrentFiles[path] = struct{}{}
	}
	for k, v := range c.Environment {
		out.Environment[k] = v
	}
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// FilterForProvider returns a clone without metadata keys prefixed "private.".
func (c *Context) FilterForProvider() *Context {
	out := c.Clone()
	for k := range out.Metadata {
		if strings.HasPrefix(k, privateMetadataPrefix) {
			delete(out.Metadata, k)
		}
	}
	return out
}

// EstimateTokens approximates the token footprint of the history.
func (c *Context) EstimateTokens() int {
	if c == nil {
		return 0
	}
	chars := 0
	for _, msg := range c.History {
		chars += len(msg.Content)
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

// TruncateToTokens returns a clone whose history fits within limit tokens,
// dropping the oldest non-system messages first. The receiver is unchanged.
func (c *Context) TruncateToTokens(limit int) *Context {
	out := c.Clone()
	if limit <= 0 {
		return out
	}
	for out.EstimateTokens() > limit {
		idx := -1
		for i, msg := range out.History {
			if msg.Role != RoleSystem {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		out.History = append(out.History[:idx:idx], out.History[idx+1:]...)
	}
	return out
}
