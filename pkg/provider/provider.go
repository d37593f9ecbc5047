// Package provider adapts external AI agents to one execute/stream contract.
//
// Every agent kind (claude, gemini, codex) can be reached two ways: through the
// vendor HTTP API when an API key is resolved, or through the vendor CLI as a
// subprocess when a CLI session, account token or browser login is used. The
// Registry binds a provider id and a resolved domain.AuthMethod to a concrete
// Provider.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/polisai/polis-agents/pkg/domain"
)

// Provider is the uniform contract over one external agent.
type Provider interface {
	// Name returns the provider id. Pure.
	Name() string
	// Capabilities reports what the provider supports. Pure.
	Capabilities() domain.Capabilities
	// Execute performs a single-shot call.
	Execute(ctx context.Context, prompt domain.Prompt, c *domain.Context) (*domain.Response, error)
	// Stream performs the same call yielding content incrementally. The initial
	// call may fail before any chunk; later failures surface from Next.
	Stream(ctx context.Context, prompt domain.Prompt, c *domain.Context) (ResponseStream, error)
}

// ResponseStream is a lazy, finite, non-restartable sequence of content chunks.
type ResponseStream interface {
	// Next returns the next chunk, io.EOF once the stream completed, or the
	// terminal error of a failed stream.
	Next() (string, error)
	// Close releases the underlying call.
	Close() error
}

// Collect drains a stream into a Response, handing each chunk to onChunk when
// it is non-nil. The stream is always closed.
func Collect(stream ResponseStream, onChunk func(string)) (*domain.Response, error) {
	defer stream.Close()

	var b strings.Builder
	chunks := 0
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		chunks++
		b.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	return &domain.Response{Content: b.String(), Metadata: map[string]any{"chunks": chunks}}, nil
}

// Kind is the closed set of supported agent kinds.
type Kind string

const (
	KindClaude Kind = "claude"
	KindGemini Kind = "gemini"
	KindCodex  Kind = "codex"
)

// Kinds lists every supported kind.
func Kinds() []Kind {
	return []Kind{KindClaude, KindGemini, KindCodex}
}

// ParseKind validates a kind name.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown provider kind %q", raw)
}

// Capabilities returns the capabilities of the kind's agent.
func (k Kind) Capabilities() domain.Capabilities {
	switch k {
	case KindClaude:
		return domain.Capabilities{SupportsStreaming: true, SupportsFiles: true, MaxContextTokens: 200000}
	case KindGemini:
		return domain.Capabilities{SupportsStreaming: true, SupportsFiles: true, MaxContextTokens: 1000000}
	case KindCodex:
		return domain.Capabilities{SupportsStreaming: true, SupportsFiles: true, MaxContextTokens: 200000}
	default:
		return domain.Capabilities{}
	}
}

// DefaultCommand is the non-interactive CLI invocation; the prompt is appended
// as the last argument.
func (k Kind) DefaultCommand() []string {
	switch k {
	case KindClaude:
		return []string{"claude", "-p"}
	case KindGemini:
		return []string{"gemini", "-p"}
	case KindCodex:
		return []string{"codex", "exec"}
	default:
		return nil
	}
}

// APIKeyEnv is the variable the vendor CLI reads its API key from.
func (k Kind) APIKeyEnv() string {
	switch k {
	case KindClaude:
		return "ANTHROPIC_API_KEY"
	case KindGemini:
		return "GEMINI_API_KEY"
	case KindCodex:
		return "OPENAI_API_KEY"
	default:
		return ""
	}
}

// DefaultModel is used by the HTTP API clients when none is configured.
func (k Kind) DefaultModel() string {
	switch k {
	case KindClaude:
		return "claude-sonnet-4-20250514"
	case KindGemini:
		return "gemini-2.5-pro"
	case KindCodex:
		return "gpt-5-codex"
	default:
		return ""
	}
}
