// Package chain compiles the pipeline chain language into domain pipelines.
//
// The grammar is
//
//	chain := step ("->" step)*
//	step  := provider_id ":" action
//
// Whitespace around "->" and ":" is insignificant and runs of whitespace inside
// a provider id or action collapse to a single space, so equivalent spellings
// parse to identical pipelines. Provider ids are lower-cased. Parsing never consults provider availability;
// see ValidateProviders.
package chain

import (
	"strings"
	"unicode"

	"github.com/polisai/polis-agents/pkg/domain"
)

const (
	arrow     = "->"
	separator = ":"
)

// Parse compiles chain text into a pipeline with the default (fail fast)
// strategy. Malformed input yields a *domain.ParseError.
func Parse(text string) (*domain.Pipeline, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &domain.ParseError{Kind: domain.ParseEmpty, Position: 0}
	}

	segments := splitArrows(text)
	steps := make([]domain.PipelineStep, 0, len(segments))
	for i, seg := range segments {
		step, err := parseStep(text, seg, i, len(segments))
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	return &domain.Pipeline{Steps: steps}, nil
}

// MustParse is Parse for chains known to be valid, such as literals in tests.
func MustParse(text string) *domain.Pipeline {
	p, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return p
}

// segment is the byte range of one step between arrows. arrowBefore and
// arrowAfter are the offsets of the surrounding arrows, or -1.
type segment struct {
	start, end  int
	arrowBefore int
	arrowAfter  int
}

func splitArrows(text string) []segment {
	var segs []segment
	start, before := 0, -1
	for {
		idx := strings.Index(text[start:], arrow)
		if idx < 0 {
			segs = append(segs, segment{start: start, end: len(text), arrowBefore: before, arrowAfter: -1})
			return segs
		}
		at := start + idx
		segs = append(segs, segment{start: start, end: at, arrowBefore: before, arrowAfter: at})
		before = at
		start = at + len(arrow)
	}
}

func parseStep(text string, seg segment, index, total int) (domain.PipelineStep, error) {
	raw := text[seg.start:seg.end]
	if strings.TrimSpace(raw) == "" {
		if index == total-1 && index > 0 {
			return domain.PipelineStep{}, &domain.ParseError{Kind: domain.ParseTrailingArrow, Position: seg.arrowBefore, Token: arrow}
		}
		pos := seg.arrowAfter
		if index > 0 {
			pos = seg.arrowBefore
		}
		return domain.PipelineStep{}, &domain.ParseError{Kind: domain.ParseEmptyStep, Position: pos, Token: arrow}
	}

	colon := strings.Index(raw, separator)
	if colon < 0 {
		lead := len(raw) - len(strings.TrimLeftFunc(raw, unicode.IsSpace))
		return domain.PipelineStep{}, &domain.ParseError{
			Kind:     domain.ParseMissingColon,
			Position: seg.start + lead,
			Token:    strings.TrimSpace(raw),
		}
	}

	colonPos := seg.start + colon
	provider := normalizeID(raw[:colon])
	if provider == "" {
		return domain.PipelineStep{}, &domain.ParseError{Kind: domain.ParseEmptyProvider, Position: colonPos, Token: separator}
	}

	rest := raw[colon+len(separator):]
	if extra := strings.Index(rest, separator); extra >= 0 {
		return domain.PipelineStep{}, &domain.ParseError{
			Kind:     domain.ParseUnexpectedColon,
			Position: colonPos + len(separator) + extra,
			Token:    separator,
		}
	}
	action := normalize(rest)
	if action == "" {
		return domain.PipelineStep{}, &domain.ParseError{Kind: domain.ParseEmptyAction, Position: colonPos, Token: separator}
	}

	return domain.PipelineStep{ProviderID: provider, Action: action}, nil
}

func normalize(token string) string {
	return strings.Join(strings.Fields(token), " ")
}

// normalizeID is normalize for provider ids, which are case-insensitive.
func normalizeID(token string) string {
	return strings.ToLower(normalize(token))
}
