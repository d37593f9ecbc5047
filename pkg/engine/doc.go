// Package engine implements sequential pipeline execution across AI providers.
//
// Architecture:
//
// executor.go - Executor, run state machine, step outcome bookkeeping
// invoke.go   - auth resolution, provider binding, retry, timeout and circuit breaking per call
// parallel.go - RunParallel fan-out of one prompt to several providers
//
// A run walks the steps in order. Each step resolves credentials through a
// per-run auth cache, calls its provider under the pipeline's ErrorStrategy,
// and feeds the (optionally transformed) answer to the next step. The circuit
// breaker table belongs to the Executor and is shared by concurrent runs.
package engine
