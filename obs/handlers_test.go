package obs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/toolmesh/providerhost"
)

func collectInto(reader *sdkmetric.ManualReader, out *metricdata.ResourceMetrics) error {
	return reader.Collect(context.Background(), out)
}

func hasMetric(rm metricdata.ResourceMetrics, name string) bool {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return true
			}
		}
	}
	return false
}

func TestMetricsHandlerRecordsToolAndProviderEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("test")

	handler, err := NewMetricsHandler(meter)
	if err != nil {
		t.Fatalf("NewMetricsHandler() error = %v", err)
	}

	handler.Handle(providerhost.Event{Kind: providerhost.EventToolRegistered, Provider: "calc", Tool: "add"})
	handler.Handle(providerhost.Event{Kind: providerhost.EventProviderConnected, Provider: "calc"})
	handler.Handle(providerhost.Event{Kind: providerhost.EventProviderFailed, Provider: "calc", Reason: "boom"})

	var data metricdata.ResourceMetrics
	if err := collectInto(reader, &data); err != nil {
		t.Fatalf("collecting metrics: %v", err)
	}
	if !hasMetric(data, "toolmesh.tools.registered") {
		t.Fatal("expected toolmesh.tools.registered to be recorded")
	}
	if !hasMetric(data, "toolmesh.provider.connects") {
		t.Fatal("expected toolmesh.provider.connects to be recorded")
	}
	if !hasMetric(data, "toolmesh.provider.failures") {
		t.Fatal("expected toolmesh.provider.failures to be recorded")
	}
}

func TestWrapCallToolRecordsSuccessAndFailure(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := meterProvider.Meter("test")

	metrics, err := NewToolCallMetrics(meter)
	if err != nil {
		t.Fatalf("NewToolCallMetrics() error = %v", err)
	}

	recorder := &recordingExporter{}
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(recorder))
	tracer := tracerProvider.Tracer("test")

	ok := WrapCallTool(tracer, metrics, func(ctx context.Context, name string, args []byte) ([]byte, error) {
		return []byte("ok"), nil
	})
	if _, err := ok(context.Background(), "add", nil); err != nil {
		t.Fatalf("wrapped call() error = %v", err)
	}

	failing := WrapCallTool(tracer, metrics, func(ctx context.Context, name string, args []byte) ([]byte, error) {
		return nil, errors.New("handler failed")
	})
	if _, err := failing(context.Background(), "add", nil); err == nil {
		t.Fatal("expected the wrapped call to propagate the handler's error")
	}

	if err := tracerProvider.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if recorder.count() != 2 {
		t.Fatalf("recorded %d spans, want 2", recorder.count())
	}

	var data metricdata.ResourceMetrics
	if err := collectInto(reader, &data); err != nil {
		t.Fatalf("collecting metrics: %v", err)
	}
	if !hasMetric(data, "toolmesh.calls.total") || !hasMetric(data, "toolmesh.calls.failures") {
		t.Fatal("expected both toolmesh.calls.total and toolmesh.calls.failures to be recorded")
	}
}

func TestTracingHandlerStartsAndEndsSpanPerProvider(t *testing.T) {
	recorder := &recordingExporter{}
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(recorder))
	defer tracerProvider.Shutdown(context.Background())

	handler := NewTracingHandler(tracerProvider.Tracer("test"))

	now := time.Now()
	handler.Handle(providerhost.Event{Kind: providerhost.EventProviderConnected, Provider: "calc", Time: now})
	handler.Handle(providerhost.Event{Kind: providerhost.EventProviderDisconnected, Provider: "calc", Time: now.Add(time.Second)})

	if recorder.count() != 1 {
		t.Fatalf("recorded %d spans, want 1", recorder.count())
	}
}

func TestMultiEventHandlerDispatchesToAll(t *testing.T) {
	var calledA, calledB bool
	handler := MultiEventHandler(
		func(providerhost.Event) { calledA = true },
		nil,
		func(providerhost.Event) { calledB = true },
	)
	handler(providerhost.Event{Kind: providerhost.EventToolRegistered})
	if !calledA || !calledB {
		t.Fatalf("calledA=%v calledB=%v, want both true", calledA, calledB)
	}
}

// recordingExporter is a minimal sdktrace.SpanExporter used to assert how
// many spans a handler produced, without pulling in an external tracetest
// dependency.
type recordingExporter struct {
	mu    sync.Mutex
	spans int
}

func (r *recordingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	r.mu.Lock()
	r.spans += len(spans)
	r.mu.Unlock()
	return nil
}

func (r *recordingExporter) Shutdown(ctx context.Context) error { return nil }

func (r *recordingExporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spans
}
