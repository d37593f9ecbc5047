// Package transform maps one step's response into the next step's input.
//
// Transforms are pure: they read the previous response and the run context and
// must not perform I/O. Steps reference transforms by name through
// domain.TransformRef and the executor resolves them against a Registry.
package transform

import (
	"fmt"
	"sort"
	"sync"

	"github.com/polisai/polis-agents/pkg/domain"
)

// Func is a transform implementation. arg is the step's TransformRef.Arg.
type Func func(prev domain.Response, c *domain.Context, arg string) (string, error)

// Validator checks a transform argument ahead of a run.
type Validator func(arg string) error

type entry struct {
	apply    Func
	validate Validator
}

// Registry resolves transform names to implementations.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns a registry holding the built-in transforms.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]entry)}
	r.mustRegister("identity", identity, nil)
	r.mustRegister("trim", trim, nil)
	r.mustRegister("extract", extract, validateExtract)
	r.mustRegister("truncate", truncate, validateTruncate)
	r.mustRegister("template", renderTemplate, validateTemplate)
	return r
}

// Register adds a named transform. Names are unique.
func (r *Registry) Register(name string, fn Func, validate Validator) error {
	if name == "" || fn == nil {
		return fmt.Errorf("transform: name and func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("transform %q already registered", name)
	}
	r.entries[name] = entry{apply: fn, validate: validate}
	return nil
}

func (r *Registry) mustRegister(name string, fn Func, validate Validator) {
	if err := r.Register(name, fn, validate); err != nil {
		panic(err)
	}
}

// Names lists the registered transforms.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that ref names a registered transform with a usable argument.
func (r *Registry) Validate(ref domain.TransformRef) error {
	if ref.IsZero() {
		return nil
	}
	e, ok := r.lookup(ref.Name)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownTransform, ref.Name)
	}
	if e.validate == nil {
		return nil
	}
	if err := e.validate(ref.Arg); err != nil {
		return fmt.Errorf("transform %s: %w", ref.Name, err)
	}
	return nil
}

// Apply runs the referenced transform. A zero ref hands the content through
// verbatim. Failures are returned as *domain.TransformError.
func (r *Registry) Apply(ref domain.TransformRef, prev domain.Response, c *domain.Context) (string, error) {
	if ref.IsZero() {
		return prev.Content, nil
	}
	e, ok := r.lookup(ref.Name)
	if !ok {
		return "", &domain.TransformError{Transform: ref.Name, Err: domain.ErrUnknownTransform}
	}
	out, err := e.apply(prev, c, ref.Arg)
	if err != nil {
		return "", &domain.TransformError{Transform: ref.Name, Err: err}
	}
	return out, nil
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}
