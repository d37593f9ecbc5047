// Package domain defines the core types shared by the agent pipeline engine.
//
// This package contains plain data with ZERO external dependencies outside the
// Go standard library:
//
//   - pipeline shape (PipelineStep, Pipeline, ErrorStrategy, TransformRef)
//   - run state (Context, Message, StepOutcome, PipelineResult)
//   - provider exchange values (Prompt, Response, Capabilities, AuthMethod)
//   - the error taxonomy (ParseError, AuthError, ProviderError, TransformError)
//
// Infrastructure packages (chain, auth, provider, engine, config) depend on
// these types. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
