package telemetry

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// DefaultServiceName is reported when Config.ServiceName is empty.
const DefaultServiceName = "polis-agents"

// Config selects where pipeline spans are exported.
type Config struct {
	// Endpoint is host:port, or a URL whose scheme selects the transport:
	// http:// is plaintext, https:// is TLS.
	Endpoint    string
	Insecure    bool
	Headers     map[string]string
	ServiceName string
	// SampleRatio is the fraction of new runs traced. Zero traces every run.
	SampleRatio float64
	// Version is reported as service.version.
	Version string
}

// Tracing reports whether spans leave the process.
func (c Config) Tracing() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

// target resolves the dial address and whether the connection is plaintext.
func (c Config) target() (string, bool, error) {
	raw := strings.TrimSpace(c.Endpoint)
	if !strings.Contains(raw, "://") {
		return raw, c.Insecure, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("otlp endpoint %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("otlp endpoint %q has no host", raw)
	}
	switch u.Scheme {
	case "http":
		return u.Host, true, nil
	case "https":
		return u.Host, c.Insecure, nil
	default:
		return "", false, fmt.Errorf("otlp endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}
}

func (c Config) sampler() sdktrace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

func (c Config) resource(ctx context.Context) (*resource.Resource, error) {
	name := c.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if c.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(c.Version))
	}
	return resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
}

// SetupProvider installs the process-wide tracer provider exporting to
// cfg.Endpoint over OTLP/gRPC. Without an endpoint it does nothing. The
// returned function flushes buffered spans and must run before exit.
func SetupProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Tracing() {
		return func(context.Context) error { return nil }, nil
	}

	addr, plaintext, err := cfg.target()
	if err != nil {
		return nil, err
	}
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(addr),
		otlptracegrpc.WithDialOption(
			grpc.WithReturnConnectionError(), //nolint:staticcheck // Requested alternative to grpc.WithBlock for connection errors.
		),
	}
	if plaintext {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(maps.Clone(cfg.Headers)))
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := cfg.resource(ctx)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithMaxExportBatchSize(64), sdktrace.WithBatchTimeout(time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
