package telemetry

import "sync"

// ResetMetricsForTest clears cached metric instruments so tests can
// reinitialize them against a fresh MeterProvider. This is intended for
// use in test code only.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	stepExecutionCounter = nil
	stepRetryCounter = nil
	stepCircuitOpenCounter = nil
	stepRateLimitedCounter = nil
	stepTimeoutCounter = nil
	stepLatencyHistogram = nil
	runCounter = nil
	runLatencyHistogram = nil
}
