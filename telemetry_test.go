package lockgate

import (
	"context"
	"testing"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := map[string]otlpTarget{
		"collector":                   {protocol: "grpc", endpoint: "collector:4317", insecure: true},
		"collector:5555":              {protocol: "grpc", endpoint: "collector:5555", insecure: true},
		"grpcs://otel.example":        {protocol: "grpc", endpoint: "otel.example:4317"},
		"http://otel:4318/v1/traces/": {protocol: "http", endpoint: "otel:4318", path: "/v1/traces", insecure: true},
		"https://otel.example":        {protocol: "http", endpoint: "otel.example:4318"},
	}
	for raw, want := range cases {
		got, err := resolveOTLPTarget(raw)
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if got != want {
			t.Fatalf("%s: got %+v want %+v", raw, got, want)
		}
	}
	for _, bad := range []string{"", "ftp://otel", "http://"} {
		if _, err := resolveOTLPTarget(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), "lockgate-test", TelemetryConfig{}, nil)
	if err != nil || bundle != nil {
		t.Fatalf("expected no telemetry, got %v %v", bundle, err)
	}
	if err := bundle.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil bundle shutdown: %v", err)
	}
}

func TestSetupTelemetryMetricsListener(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), "lockgate-test", TelemetryConfig{MetricsListen: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if bundle == nil || len(bundle.closers) != 2 {
		t.Fatalf("expected meter provider and metrics server, got %+v", bundle)
	}
	if err := bundle.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
