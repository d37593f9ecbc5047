package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	ErrEmptyPipeline     = errors.New("pipeline has no steps")
	ErrEmptyProvider     = errors.New("empty provider id")
	ErrEmptyAction       = errors.New("empty action")
	ErrInvalidStrategy   = errors.New("invalid error strategy")
	ErrNoMethodAvailable = errors.New("no authentication method available")
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrUnknownTransform  = errors.New("unknown transform")
	ErrNilContext        = errors.New("nil pipeline context")
)

// ParseErrorKind classifies malformed chain text.
type ParseErrorKind string

const (
	ParseEmpty           ParseErrorKind = "empty_chain"
	ParseMissingColon    ParseErrorKind = "missing_colon"
	ParseEmptyProvider   ParseErrorKind = "empty_provider"
	ParseEmptyAction     ParseErrorKind = "empty_action"
	ParseEmptyStep       ParseErrorKind = "empty_step"
	ParseTrailingArrow   ParseErrorKind = "trailing_arrow"
	ParseUnexpectedColon ParseErrorKind = "unexpected_colon"
)

// ParseError reports malformed chain text. Position is the byte offset of the
// offending token in the original input.
type ParseError struct {
	Kind     ParseErrorKind
	Position int
	Token    string
}

func (e *ParseError) Error() string {
	var msg string
	switch e.Kind {
	case ParseEmpty:
		msg = "chain is empty"
	case ParseMissingColon:
		msg = "step is missing ':' between provider and action"
	case ParseEmptyProvider:
		msg = "step has an empty provider"
	case ParseEmptyAction:
		msg = "step has an empty action"
	case ParseEmptyStep:
		msg = "empty step between '->'"
	case ParseTrailingArrow:
		msg = "chain ends with '->'"
	case ParseUnexpectedColon:
		msg = "action must not contain ':'"
	default:
		msg = string(e.Kind)
	}
	if e.Token != "" {
		return fmt.Sprintf("parse chain: %s at offset %d (%q)", msg, e.Position, e.Token)
	}
	return fmt.Sprintf("parse chain: %s at offset %d", msg, e.Position)
}

// AuthSource identifies the step of the credential chain a method came from.
type AuthSource string

const (
	SourceCLISession  AuthSource = "cli_session"
	SourceEnv         AuthSource = "env"
	SourceConfig      AuthSource = "config"
	SourceInteractive AuthSource = "interactive"
)

// AuthError reports that no credential could be resolved for a provider.
type AuthError struct {
	ProviderID string
	Tried      []AuthSource
}

func (e *AuthError) Error() string {
	tried := make([]string, len(e.Tried))
	for i, s := range e.Tried {
		tried[i] = string(s)
	}
	return fmt.Sprintf("auth %s: %v (tried %s)", e.ProviderID, ErrNoMethodAvailable, strings.Join(tried, ", "))
}

func (e *AuthError) Unwrap() error {
	return ErrNoMethodAvailable
}

// ProviderErrorKind classifies provider call failures.
type ProviderErrorKind string

const (
	ProviderUnauthenticated ProviderErrorKind = "unauthenticated"
	ProviderUnavailable     ProviderErrorKind = "unavailable"
	ProviderRateLimited     ProviderErrorKind = "rate_limited"
	ProviderInvalidAction   ProviderErrorKind = "invalid_action"
	ProviderTimeout         ProviderErrorKind = "timeout"
)

// ProviderError is returned by providers for any failed call.
type ProviderError struct {
	ProviderID string
	Kind       ProviderErrorKind
	// StatusCode is the upstream HTTP status or process exit code, when known.
	StatusCode int
	Err        error
}

// NewProviderError builds a ProviderError wrapping err.
func NewProviderError(providerID string, kind ProviderErrorKind, err error) *ProviderError {
	return &ProviderError{ProviderID: providerID, Kind: kind, Err: err}
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s: %s", e.ProviderID, e.Kind)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.ProviderID, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Permanent reports whether repeating the call cannot succeed.
func (e *ProviderError) Permanent() bool {
	return e.Kind == ProviderUnauthenticated || e.Kind == ProviderInvalidAction
}

// ProviderErrorKindOf extracts the kind of a ProviderError anywhere in err's chain.
func ProviderErrorKindOf(err error) (ProviderErrorKind, bool) {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind, true
	}
	return "", false
}

// TransformError reports a transform that rejected its input. It always aborts a run.
type TransformError struct {
	Transform string
	StepIndex int
	Err       error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s (step %d): %v", e.Transform, e.StepIndex, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}
