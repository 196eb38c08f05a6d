package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with proximity-specific spans.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include peer ids in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer on an explicit provider (tests).
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Sweep Spans ---

// StartSweepSpan starts a span covering one proximity sweep.
func (t *Tracer) StartSweepSpan(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "proximity.sweep", trace.WithSpanKind(trace.SpanKindInternal))
}

// EndSweepSpan records sweep totals and ends the span.
func (t *Tracer) EndSweepSpan(span trace.Span, tracked, evicted, events int) {
	span.SetAttributes(
		attribute.Int("sweep.tracked", tracked),
		attribute.Int("sweep.evicted", evicted),
		attribute.Int("sweep.events", events),
	)
	span.End()
}

// --- Send Spans ---

// SendSpanOptions describes one transport attempt.
type SendSpanOptions struct {
	Kind      Kind
	Transport string
	Attempt   int
	Status    int
	Record    Record // ids only recorded in debug mode
}

// StartSendSpan starts a span for one send attempt.
func (t *Tracer) StartSendSpan(ctx context.Context, kind Kind) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "telemetry.send."+string(kind), trace.WithSpanKind(trace.SpanKindClient))
}

// EndSendSpan ends a send span with attributes.
func (t *Tracer) EndSendSpan(span trace.Span, opts SendSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("telemetry.kind", string(opts.Kind)),
		attribute.Int("telemetry.attempt", opts.Attempt),
		attribute.Float64("telemetry.distance", opts.Record.Distance),
	}
	if opts.Transport != "" {
		attrs = append(attrs, attribute.String("telemetry.transport", opts.Transport))
	}
	if opts.Status != 0 {
		attrs = append(attrs, attribute.Int("telemetry.status", opts.Status))
	}
	if t.debug {
		attrs = append(attrs,
			attribute.String("telemetry.device_id", opts.Record.DeviceID),
			attribute.String("telemetry.nearby_device_id", opts.Record.NearbyDeviceID),
		)
	}

	span.SetAttributes(attrs...)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a map-based TextMapCarrier; proximity events carry one so a
// dispatcher in another process continues the sweep's trace.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
