package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func installReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})
	ResetMetricsForTest()
	return reader
}

func TestRecordStepMetrics(t *testing.T) {
	reader := installReader(t)

	RecordStepMetrics(context.Background(), StepMetrics{
		Pipeline:   "review",
		StepIndex:  1,
		ProviderID: "gemini",
		Action:     "review",
		Status:     "degraded",
		ErrorKind:  ErrorKindTimeout,
		Duration:   150 * time.Millisecond,
		Attempts:   3,
	})

	metrics := collect(t, reader)

	sumExec, ok := metrics["pipeline.step.executions_total"]
	if !ok {
		t.Fatalf("missing pipeline.step.executions_total metric")
	}
	execData, ok := sumExec.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for executions metric")
	}
	if len(execData.DataPoints) != 1 || execData.DataPoints[0].Value != 1 {
		t.Fatalf("expected one execution, got %+v", execData.DataPoints)
	}
	if value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("provider.id")); !ok || value.AsString() != "gemini" {
		t.Fatalf("expected provider.id attribute to be gemini, got %v", value)
	}

	retryData := metrics["pipeline.step.retries_total"].Data.(metricdata.Sum[int64])
	if retryData.DataPoints[0].Value != 2 {
		t.Fatalf("expected retry count 2, got %d", retryData.DataPoints[0].Value)
	}

	timeoutData := metrics["pipeline.step.timeout_total"].Data.(metricdata.Sum[int64])
	if timeoutData.DataPoints[0].Value != 1 {
		t.Fatalf("expected timeout count 1, got %d", timeoutData.DataPoints[0].Value)
	}

	histData := metrics["pipeline.step.duration_ms"].Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 || histData.DataPoints[0].Sum != 150 {
		t.Fatalf("unexpected histogram point %+v", histData.DataPoints[0])
	}

	if _, ok := metrics["pipeline.step.circuit_open_total"]; ok {
		t.Fatalf("circuit_open_total must not be recorded for a timeout")
	}
}

func TestRecordRunMetrics(t *testing.T) {
	reader := installReader(t)

	RecordRunMetrics(context.Background(), RunMetrics{
		Pipeline: "review",
		Strategy: "fail_fast",
		State:    "aborted",
		Steps:    3,
		Duration: 2 * time.Second,
	})

	metrics := collect(t, reader)
	runs, ok := metrics["pipeline.runs_total"]
	if !ok {
		t.Fatalf("missing pipeline.runs_total metric")
	}
	point := runs.Data.(metricdata.Sum[int64]).DataPoints[0]
	if value, ok := point.Attributes.Value(attribute.Key("run.state")); !ok || value.AsString() != "aborted" {
		t.Fatalf("expected run.state aborted, got %v", value)
	}
	hist := metrics["pipeline.run.duration_ms"].Data.(metricdata.Histogram[float64])
	if hist.DataPoints[0].Sum != 2000 {
		t.Fatalf("expected run duration 2000ms, got %v", hist.DataPoints[0].Sum)
	}
}

func TestRecordStepFailure(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "pipeline.step")
	RecordStepFailure(span, "claude", ErrorKindRateLimited, 2, true)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "step.failure" {
		t.Fatalf("expected one step.failure event, got %+v", events)
	}

	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(attribute.Key("run.aborted")); !ok || !value.AsBool() {
		t.Fatalf("expected run.aborted attribute true")
	}
	if value, ok := attrs.Value(attribute.Key("error.kind")); !ok || value.AsString() != ErrorKindRateLimited {
		t.Fatalf("expected error.kind rate_limited, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("step.attempts")); !ok || value.AsInt64() != 2 {
		t.Fatalf("expected attempts 2, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestSetupProviderWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
