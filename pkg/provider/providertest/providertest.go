// Package providertest provides scripted providers for tests.
package providertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-agents/pkg/domain"
	"github.com/polisai/polis-agents/pkg/provider"
)

// Result is one scripted answer: either Content or Err.
type Result struct {
	Content string
	Chunks  []string
	Err     error
}

// Succeed returns a successful result.
func Succeed(content string) Result {
	return Result{Content: content}
}

// Fail returns a failing result with a provider error of kind.
func Fail(kind domain.ProviderErrorKind) Result {
	return Result{Err: domain.NewProviderError("", kind, errors.New("scripted failure"))}
}

// Scripted replays its results in order, repeating the last one once the
// script is exhausted. It records every call.
type Scripted struct {
	name    string
	caps    domain.Capabilities
	results []Result

	// Delay is waited before answering, honouring cancellation.
	Delay time.Duration
	// Respond, when set, computes the answer instead of the script.
	Respond func(call int, prompt domain.Prompt, c *domain.Context) Result

	calls   atomic.Int64
	mu      sync.Mutex
	prompts []domain.Prompt
	seen    []*domain.Context
}

// New creates a scripted provider answering with results.
func New(name string, results ...Result) *Scripted {
	return &Scripted{name: name, results: results}
}

// Echo answers every call with "<name>:<action>:<input>".
func Echo(name string) *Scripted {
	s := New(name)
	s.Respond = func(_ int, prompt domain.Prompt, _ *domain.Context) Result {
		return Succeed(name + ":" + prompt.Action + ":" + prompt.Input)
	}
	return s
}

// WithCapabilities sets the reported capabilities.
func (s *Scripted) WithCapabilities(caps domain.Capabilities) *Scripted {
	s.caps = caps
	return s
}

func (s *Scripted) Name() string { return s.name }

func (s *Scripted) Capabilities() domain.Capabilities { return s.caps }

// Calls returns how many times Execute or Stream was invoked.
func (s *Scripted) Calls() int {
	return int(s.calls.Load())
}

// Prompts returns the prompts received so far.
func (s *Scripted) Prompts() []domain.Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Prompt(nil), s.prompts...)
}

// Contexts returns the contexts received so far.
func (s *Scripted) Contexts() []*domain.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.Context(nil), s.seen...)
}

func (s *Scripted) next(ctx context.Context, prompt domain.Prompt, c *domain.Context) (Result, error) {
	call := int(s.calls.Add(1))
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.seen = append(s.seen, c)
	s.mu.Unlock()

	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var r Result
	switch {
	case s.Respond != nil:
		r = s.Respond(call, prompt, c)
	case len(s.results) == 0:
		r = Succeed("")
	case call <= len(s.results):
		r = s.results[call-1]
	default:
		r = s.results[len(s.results)-1]
	}
	var perr *domain.ProviderError
	if errors.As(r.Err, &perr) && perr.ProviderID == "" {
		cp := *perr
		cp.ProviderID = s.name
		r.Err = &cp
	}
	return r, nil
}

func (s *Scripted) Execute(ctx context.Context, prompt domain.Prompt, c *domain.Context) (*domain.Response, error) {
	r, err := s.next(ctx, prompt, c)
	if err != nil {
		return nil, err
	}
	if r.Err != nil {
		return nil, r.Err
	}
	content := r.Content
	for _, chunk := range r.Chunks {
		content += chunk
	}
	return &domain.Response{Content: content, Metadata: map[string]any{"provider": s.name}}, nil
}

func (s *Scripted) Stream(ctx context.Context, prompt domain.Prompt, c *domain.Context) (provider.ResponseStream, error) {
	r, err := s.next(ctx, prompt, c)
	if err != nil {
		return nil, err
	}
	if r.Err != nil && len(r.Chunks) == 0 {
		return nil, r.Err
	}
	chunks := r.Chunks
	if len(chunks) == 0 {
		chunks = []string{r.Content}
	}
	return provider.NewStaticStream(r.Err, chunks...), nil
}

// Registry returns a provider registry holding ps.
func Registry(ps ...provider.Provider) *provider.Registry {
	r := provider.NewRegistry()
	for _, p := range ps {
		if err := r.RegisterProvider(p); err != nil {
			panic(err)
		}
	}
	return r
}
