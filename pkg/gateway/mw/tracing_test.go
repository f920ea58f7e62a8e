package mw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracing_RecordsRouteAndStatus(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(context.Background())
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions/{session_id}/transcript", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := RequestID(Tracing(mux))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/sessions/abc/transcript", nil))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans=%d, want 1", len(spans))
	}
	if got, want := spans[0].Name(), "GET /api/sessions/{session_id}/transcript"; got != want {
		t.Fatalf("span name=%q, want %q", got, want)
	}

	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	if attrs["http.status_code"] != int64(http.StatusNotFound) {
		t.Fatalf("http.status_code=%v", attrs["http.status_code"])
	}
	if id, _ := attrs["request_id"].(string); id == "" {
		t.Fatalf("request_id attribute missing: %v", attrs)
	}
}
