package chain

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/polisai/polis-agents/pkg/domain"
)

// Builder assembles a pipeline programmatically.
type Builder struct {
	pipeline domain.Pipeline
	errs     []error
}

// NewBuilder starts an empty pipeline with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{pipeline: domain.Pipeline{Name: name}}
}

// Step appends a step without a transform.
func (b *Builder) Step(providerID, action string) *Builder {
	return b.StepWithTransform(providerID, action, domain.TransformRef{})
}

// StepWithTransform appends a step whose output is passed through t.
func (b *Builder) StepWithTransform(providerID, action string, t domain.TransformRef) *Builder {
	b.pipeline.Steps = append(b.pipeline.Steps, domain.PipelineStep{
		ProviderID: normalizeID(providerID),
		Action:     normalize(action),
		Transform:  t,
	})
	return b
}

// Fallback sets the fallback provider of the most recently added step.
func (b *Builder) Fallback(providerID string) *Builder {
	if len(b.pipeline.Steps) == 0 {
		b.errs = append(b.errs, errors.New("fallback set before any step"))
		return b
	}
	b.pipeline.Steps[len(b.pipeline.Steps)-1].Fallback = normalizeID(providerID)
	return b
}

// Strategy sets the pipeline-wide error strategy.
func (b *Builder) Strategy(s domain.ErrorStrategy) *Builder {
	b.pipeline.Strategy = s
	return b
}

// Build validates and returns the pipeline.
func (b *Builder) Build() (*domain.Pipeline, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	p := b.pipeline
	p.Steps = append([]domain.PipelineStep(nil), b.pipeline.Steps...)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ValidateProviders reports every provider id (fallbacks included) that is not
// in known.
func ValidateProviders(p *domain.Pipeline, known []string) error {
	set := make(map[string]struct{}, len(known))
	for _, id := range known {
		set[id] = struct{}{}
	}

	var unknown []string
	for _, id := range p.ProviderIDs() {
		if _, ok := set[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) == 0 {
		return nil
	}

	sort.Strings(unknown)
	avail := append([]string(nil), known...)
	sort.Strings(avail)
	return fmt.Errorf("%w: %s (available: %s)", domain.ErrUnknownProvider, strings.Join(unknown, ", "), strings.Join(avail, ", "))
}
