// Package obs wires ToolMesh's lifecycle event bus and tool-call path into
// OpenTelemetry metrics and tracing, and builds the host's structured
// logger.
package obs

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/toolmesh/providerhost"
)

// EventHandler processes one lifecycle event from the host's event bus.
type EventHandler func(providerhost.Event)

// MultiEventHandler combines multiple handlers into one, in order.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e providerhost.Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// Subscribe drains sub and dispatches every event to handle until sub is
// closed or ctx is cancelled. Call it from a dedicated goroutine.
func Subscribe(ctx context.Context, sub *providerhost.EventSubscription, handle EventHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			handle(event)
		}
	}
}

// MetricsHandler translates ToolMesh lifecycle events into OpenTelemetry
// metrics: counters for registrations and lifecycle transitions, plus an
// up-down counter tracking live tool count.
type MetricsHandler struct {
	toolsRegistered      metric.Int64UpDownCounter
	toolRegistrations    metric.Int64Counter
	providerConnects     metric.Int64Counter
	providerDisconnects  metric.Int64Counter
	providerFailures     metric.Int64Counter
}

// NewMetricsHandler creates a MetricsHandler backed by meter's instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	toolsRegistered, err := meter.Int64UpDownCounter("toolmesh.tools.registered",
		metric.WithDescription("Number of tools currently registered across all providers"))
	if err != nil {
		return nil, err
	}
	toolRegistrations, err := meter.Int64Counter("toolmesh.tools.registrations",
		metric.WithDescription("Number of tool registration/unregistration events"))
	if err != nil {
		return nil, err
	}
	providerConnects, err := meter.Int64Counter("toolmesh.provider.connects",
		metric.WithDescription("Number of provider-connected events"))
	if err != nil {
		return nil, err
	}
	providerDisconnects, err := meter.Int64Counter("toolmesh.provider.disconnects",
		metric.WithDescription("Number of provider-disconnected events"))
	if err != nil {
		return nil, err
	}
	providerFailures, err := meter.Int64Counter("toolmesh.provider.failures",
		metric.WithDescription("Number of provider-failed events"))
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		toolsRegistered:     toolsRegistered,
		toolRegistrations:   toolRegistrations,
		providerConnects:    providerConnects,
		providerDisconnects: providerDisconnects,
		providerFailures:    providerFailures,
	}, nil
}

// Handle processes one lifecycle event and records the appropriate metrics.
func (h *MetricsHandler) Handle(e providerhost.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("provider", e.Provider))

	switch e.Kind {
	case providerhost.EventToolRegistered:
		h.toolsRegistered.Add(ctx, 1, attrs)
		h.toolRegistrations.Add(ctx, 1, attrs)
	case providerhost.EventToolUnregistered:
		h.toolsRegistered.Add(ctx, -1, attrs)
		h.toolRegistrations.Add(ctx, 1, attrs)
	case providerhost.EventProviderConnected:
		h.providerConnects.Add(ctx, 1, attrs)
	case providerhost.EventProviderDisconnected:
		h.providerDisconnects.Add(ctx, 1, attrs)
	case providerhost.EventProviderFailed:
		h.providerFailures.Add(ctx, 1, attrs)
	}
}

// ToolCallMetrics records per-call counters and latency, kept separate from
// MetricsHandler since tool calls do not travel over the lifecycle event
// bus.
type ToolCallMetrics struct {
	calls    metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

// NewToolCallMetrics creates a ToolCallMetrics backed by meter's instruments.
func NewToolCallMetrics(meter metric.Meter) (*ToolCallMetrics, error) {
	calls, err := meter.Int64Counter("toolmesh.calls.total",
		metric.WithDescription("Number of tool calls dispatched"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("toolmesh.calls.failures",
		metric.WithDescription("Number of tool calls that returned an error"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("toolmesh.calls.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &ToolCallMetrics{calls: calls, failures: failures, duration: duration}, nil
}

// TracingHandler translates provider lifecycle events into OpenTelemetry
// spans, one per provider connection, running from provider-connected to
// provider-disconnected or provider-failed.
type TracingHandler struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span // provider name -> span
}

// NewTracingHandler creates a TracingHandler that uses tracer to create
// provider connection spans.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{tracer: tracer, spans: make(map[string]trace.Span)}
}

// Handle processes one lifecycle event and starts or ends provider spans.
func (h *TracingHandler) Handle(e providerhost.Event) {
	switch e.Kind {
	case providerhost.EventProviderConnected:
		_, span := h.tracer.Start(context.Background(), "provider:"+e.Provider,
			trace.WithAttributes(attribute.String("toolmesh.provider", e.Provider)),
			trace.WithTimestamp(e.Time))
		h.mu.Lock()
		h.spans[e.Provider] = span
		h.mu.Unlock()
	case providerhost.EventProviderDisconnected:
		h.endSpan(e, codes.Ok, "")
	case providerhost.EventProviderFailed:
		h.endSpan(e, codes.Error, e.Reason)
	}
}

func (h *TracingHandler) endSpan(e providerhost.Event, code codes.Code, reason string) {
	h.mu.Lock()
	span, ok := h.spans[e.Provider]
	if ok {
		delete(h.spans, e.Provider)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	if reason != "" {
		span.SetStatus(code, reason)
	} else {
		span.SetStatus(code, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// CallToolFunc is the tool-call signature that WrapCallTool decorates with a
// span and latency/failure metrics for every invocation.
type CallToolFunc func(ctx context.Context, name string, args []byte) ([]byte, error)

// WrapCallTool decorates next with tracing and metrics, grounded on the
// same Handle-on-event shape as MetricsHandler/TracingHandler but applied
// directly around the call path since individual tool calls are not
// lifecycle events.
func WrapCallTool(tracer trace.Tracer, metrics *ToolCallMetrics, next CallToolFunc) CallToolFunc {
	return func(ctx context.Context, name string, args []byte) ([]byte, error) {
		ctx, span := tracer.Start(ctx, "tool_call:"+name,
			trace.WithAttributes(attribute.String("toolmesh.tool", name)))
		defer span.End()

		start := time.Now()
		data, err := next(ctx, name, args)
		elapsed := time.Since(start)

		attrs := metric.WithAttributes(attribute.String("toolmesh.tool", name))
		metrics.calls.Add(ctx, 1, attrs)
		metrics.duration.Record(ctx, elapsed.Seconds(), attrs)
		if err != nil {
			metrics.failures.Add(ctx, 1, attrs)
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return data, err
	}
}
