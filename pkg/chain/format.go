package chain

import (
	"strings"

	"github.com/polisai/polis-agents/pkg/domain"
)

// Format prints the canonical chain text for a pipeline. Transforms, fallbacks
// and the strategy are not part of the chain language and are not printed.
func Format(p *domain.Pipeline) string {
	if p == nil {
		return ""
	}
	parts := make([]string, len(p.Steps))
	for i, step := range p.Steps {
		parts[i] = step.ProviderID + separator + step.Action
	}
	return strings.Join(parts, " "+arrow+" ")
}
