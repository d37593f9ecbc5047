package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce            sync.Once
	metricsInitErr         error
	stepExecutionCounter   metric.Int64Counter
	stepRetryCounter       metric.Int64Counter
	stepCircuitOpenCounter metric.Int64Counter
	stepRateLimitedCounter metric.Int64Counter
	stepTimeoutCounter     metric.Int64Counter
	stepLatencyHistogram   metric.Float64Histogram
	runCounter             metric.Int64Counter
	runLatencyHistogram    metric.Float64Histogram
)

// Error kinds recognised by RecordStepMetrics.
const (
	ErrorKindCircuitOpen = "circuit_open"
	ErrorKindRateLimited = "rate_limited"
	ErrorKindTimeout     = "timeout"
)

// StepMetrics captures the fields needed to record pipeline step metrics.
type StepMetrics struct {
	Pipeline   string
	StepIndex  int
	ProviderID string
	Action     string
	Status     string
	ErrorKind  string
	Duration   time.Duration
	Attempts   int
}

// RunMetrics captures the fields needed to record a whole pipeline run.
type RunMetrics struct {
	Pipeline string
	Strategy string
	State    string
	Steps    int
	Duration time.Duration
}

// RecordStepMetrics emits counters and histograms that describe step execution behaviour.
func RecordStepMetrics(ctx context.Context, metrics StepMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.name", metrics.Pipeline),
		attribute.Int("step.index", metrics.StepIndex),
		attribute.String("provider.id", metrics.ProviderID),
		attribute.String("step.action", metrics.Action),
		attribute.String("step.status", metrics.Status),
	}

	stepExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		stepLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Attempts > 1 {
		stepRetryCounter.Add(ctx, int64(metrics.Attempts-1), metric.WithAttributes(attrs...))
	}

	switch metrics.ErrorKind {
	case ErrorKindCircuitOpen:
		stepCircuitOpenCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case ErrorKindRateLimited:
		stepRateLimitedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case ErrorKindTimeout:
		stepTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRunMetrics counts a finished run and its latency.
func RecordRunMetrics(ctx context.Context, metrics RunMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.name", metrics.Pipeline),
		attribute.String("pipeline.strategy", metrics.Strategy),
		attribute.String("run.state", metrics.State),
		attribute.Int("pipeline.steps", metrics.Steps),
	}
	runCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if metrics.Duration > 0 {
		runLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis-agents.pipeline")

		stepExecutionCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.step.executions_total",
			metric.WithDescription("Pipeline step executions partitioned by status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepRetryCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.step.retries_total",
			metric.WithDescription("Retry attempts performed by pipeline steps"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepCircuitOpenCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.step.circuit_open_total",
			metric.WithDescription("Steps short-circuited by an open provider circuit"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepRateLimitedCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.step.rate_limited_total",
			metric.WithDescription("Steps whose last failure was a provider rate limit"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.step.timeout_total",
			metric.WithDescription("Steps whose last failure was a call timeout"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"pipeline.step.duration_ms",
			metric.WithDescription("Observed step latency including retries"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		runCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.runs_total",
			metric.WithDescription("Pipeline runs partitioned by terminal state"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		runLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"pipeline.run.duration_ms",
			metric.WithDescription("Observed pipeline run latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordStepFailure attaches a failure event to the step span without leaking prompt content.
func RecordStepFailure(span trace.Span, providerID, errorKind string, attempts int, aborted bool) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider.id", providerID),
		attribute.Int("step.attempts", attempts),
		attribute.Bool("run.aborted", aborted),
	}
	if errorKind != "" {
		attrs = append(attrs, attribute.String("error.kind", errorKind))
	}

	span.AddEvent("step.failure", trace.WithAttributes(attrs...))
}
