package observability

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestSetup_WithoutEndpoint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	shutdown, err := Setup(context.Background(), Config{ServiceName: "relay-test"}, logger)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown error = %v", err)
		}
	}()

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	if !span.SpanContext().IsValid() {
		t.Fatalf("expected a recording span from the sdk provider")
	}
	span.End()

	fields := otel.GetTextMapPropagator().Fields()
	found := false
	for _, f := range fields {
		if f == "traceparent" {
			found = true
		}
	}
	if !found {
		t.Fatalf("propagator fields=%v, want traceparent", fields)
	}
}

func TestExporterOptions(t *testing.T) {
	cases := []struct {
		endpoint string
		want     int
	}{
		{"http://collector:4318", 2},
		{"https://collector:4318/", 1},
		{"collector:4318", 2},
	}
	for _, tc := range cases {
		if got := len(exporterOptions(tc.endpoint)); got != tc.want {
			t.Fatalf("exporterOptions(%q) len=%d, want %d", tc.endpoint, got, tc.want)
		}
	}
}
