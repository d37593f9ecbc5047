// Package governance provides the runtime safety controls applied around
// provider calls: per-provider circuit breaking, bounded retries with
// exponential backoff, and per-call timeouts.
//
// The circuit breaker table is shared process-wide so that concurrent pipeline
// runs targeting the same provider see one consecutive-failure count. All
// state transitions happen under the breaker's mutex.
package governance
