package telemetry

import (
	"context"
	"strings"
	"testing"

	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestConfigTarget(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		addr      string
		plaintext bool
		wantErr   bool
	}{
		{name: "host port", cfg: Config{Endpoint: "collector:4317"}, addr: "collector:4317"},
		{name: "host port insecure", cfg: Config{Endpoint: " collector:4317 ", Insecure: true}, addr: "collector:4317", plaintext: true},
		{name: "http url", cfg: Config{Endpoint: "http://localhost:4317"}, addr: "localhost:4317", plaintext: true},
		{name: "https url", cfg: Config{Endpoint: "https://otel.example.com:443"}, addr: "otel.example.com:443"},
		{name: "unsupported scheme", cfg: Config{Endpoint: "ftp://collector:21"}, wantErr: true},
		{name: "missing host", cfg: Config{Endpoint: "http://"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, plaintext, err := tt.cfg.target()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.cfg.Endpoint)
				}
				return
			}
			if err != nil {
				t.Fatalf("target: %v", err)
			}
			if addr != tt.addr || plaintext != tt.plaintext {
				t.Fatalf("got (%q, %v), want (%q, %v)", addr, plaintext, tt.addr, tt.plaintext)
			}
		})
	}
}

func TestConfigSampler(t *testing.T) {
	if d := (Config{}).sampler().Description(); !strings.Contains(d, "AlwaysOnSampler") {
		t.Fatalf("default sampler = %s", d)
	}
	if d := (Config{SampleRatio: 0.25}).sampler().Description(); !strings.Contains(d, "TraceIDRatioBased{0.25}") {
		t.Fatalf("ratio sampler = %s", d)
	}
}

func TestConfigResource(t *testing.T) {
	res, err := Config{Version: "1.2.3"}.resource(context.Background())
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	if v, ok := res.Set().Value(semconv.ServiceNameKey); !ok || v.AsString() != DefaultServiceName {
		t.Fatalf("service.name = %v", v)
	}
	if v, ok := res.Set().Value(semconv.ServiceVersionKey); !ok || v.AsString() != "1.2.3" {
		t.Fatalf("service.version = %v", v)
	}
}

func TestSetupProviderRejectsBadEndpoint(t *testing.T) {
	if _, err := SetupProvider(context.Background(), Config{Endpoint: "ftp://collector"}); err == nil {
		t.Fatal("expected error")
	}
}
