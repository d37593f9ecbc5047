package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-agents/pkg/domain"
)

// Factory builds a Provider for a resolved auth method.
type Factory func(method domain.AuthMethod) (Provider, error)

type registration struct {
	factory Factory
	caps    domain.Capabilities
}

// Registry maps provider ids to factories.
type Registry struct {
	mu    sync.RWMutex
	items map[string]registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]registration)}
}

// Register adds a provider id. caps is what Capabilities reports for the id
// before any auth method is bound.
func (r *Registry) Register(id string, caps domain.Capabilities, f Factory) error {
	if id == "" || f == nil {
		return fmt.Errorf("provider: id and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[id]; exists {
		return fmt.Errorf("provider %q already registered", id)
	}
	r.items[id] = registration{factory: f, caps: caps}
	return nil
}

// RegisterProvider adds a ready-made provider that ignores the auth method.
func (r *Registry) RegisterProvider(p Provider) error {
	return r.Register(p.Name(), p.Capabilities(), func(domain.AuthMethod) (Provider, error) {
		return p, nil
	})
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.items[id]
	return ok
}

// IDs lists registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Capabilities returns the registered capabilities of id.
func (r *Registry) Capabilities(id string) (domain.Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.items[id]
	return reg.caps, ok
}

// Bind returns the provider for id using method. Unknown ids are reported as
// an Unavailable provider error.
func (r *Registry) Bind(id string, method domain.AuthMethod) (Provider, error) {
	r.mu.RLock()
	reg, ok := r.items[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewProviderError(id, domain.ProviderUnavailable, domain.ErrUnknownProvider)
	}
	return reg.factory(method)
}

// WithActions restricts p to the listed actions. An empty list allows any action.
func WithActions(p Provider, actions []string) Provider {
	if len(actions) == 0 {
		return p
	}
	allowed := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		allowed[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	return &actionGuard{Provider: p, allowed: allowed}
}

type actionGuard struct {
	Provider
	allowed map[string]struct{}
}

func (g *actionGuard) check(action string) error {
	if _, ok := g.allowed[strings.ToLower(action)]; ok {
		return nil
	}
	return domain.NewProviderError(g.Name(), domain.ProviderInvalidAction, fmt.Errorf("action %q is not supported", action))
}

func (g *actionGuard) Execute(ctx context.Context, prompt domain.Prompt, c *domain.Context) (*domain.Response, error) {
	if err := g.check(prompt.Action); err != nil {
		return nil, err
	}
	return g.Provider.Execute(ctx, prompt, c)
}

func (g *actionGuard) Stream(ctx context.Context, prompt domain.Prompt, c *domain.Context) (ResponseStream, error) {
	if err := g.check(prompt.Action); err != nil {
		return nil, err
	}
	return g.Provider.Stream(ctx, prompt, c)
}
