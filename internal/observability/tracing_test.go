package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("RELAY_TRACING_ENABLED", "true")
	t.Setenv("RELAY_TRACING_EXPORTER", "otlp")
	t.Setenv("RELAY_TRACING_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("RELAY_TRACING_SAMPLE_RATIO", "0.25")

	cfg, err := TracingConfigFromEnv()
	if err != nil {
		t.Fatalf("TracingConfigFromEnv: %v", err)
	}
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.Endpoint != "collector:4317" || cfg.SampleRatio != 0.25 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.ServiceName != "predictive-relay" {
		t.Fatalf("ServiceName = %q, want default", cfg.ServiceName)
	}
}

func TestTracingConfigRejectsBadRatio(t *testing.T) {
	t.Setenv("RELAY_TRACING_SAMPLE_RATIO", "1.5")
	if _, err := TracingConfigFromEnv(); err == nil {
		t.Fatalf("expected error for sample ratio 1.5")
	}
}

func TestInitTracingStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	shutdown, err := InitTracing(ctx, TracingConfig{
		Enabled:     true,
		ServiceName: "relay-test",
		Exporter:    "stdout",
		SampleRatio: 1,
		Writer:      &buf,
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	t.Cleanup(func() {
		_, _ = InitTracing(ctx, TracingConfig{}, nil)
	})

	_, span := otel.Tracer("test").Start(ctx, "predictor.ingest")
	span.End()
	ShutdownWithTimeout(ctx, shutdown, nil)

	if !strings.Contains(buf.String(), "predictor.ingest") {
		t.Fatalf("exported spans missing predictor.ingest: %s", buf.String())
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
}
