package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/vinayprograms/agentwatch"

// Span attribute keys.
var (
	AttrClusterID = attribute.Key("agentwatch.cluster_id")
	AttrAgentID   = attribute.Key("agentwatch.agent_id")
	AttrMode      = attribute.Key("agentwatch.mode")
	AttrAlertID   = attribute.Key("agentwatch.alert.id")
	AttrAlertKind = attribute.Key("agentwatch.alert.kind")
	AttrAttempt   = attribute.Key("agentwatch.alert.attempt")
	AttrSender    = attribute.Key("agentwatch.alert.sender")
)

// Tracer wraps an OpenTelemetry tracer with agentwatch span helpers.
// The zero value is not usable; a nil *Tracer is a no-op.
type Tracer struct {
	tracer trace.Tracer
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
		return NewTracer(noop.NewTracerProvider())
	}
	return globalTracer
}

// NewTracer creates a tracer from a provider.
func NewTracer(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(instrumentationName)}
}

func (t *Tracer) start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// --- Delivery Spans ---

// DeliverySpanOptions describes one outbound delivery attempt.
type DeliverySpanOptions struct {
	AlertID string
	Kind    string
	AgentID string
	Sender  string
	Attempt int
}

// StartDeliverySpan starts a client span around one delivery attempt.
func (t *Tracer) StartDeliverySpan(ctx context.Context, opts DeliverySpanOptions) (context.Context, trace.Span) {
	return t.start(ctx, "alert.deliver", trace.SpanKindClient,
		AttrAlertID.String(opts.AlertID),
		AttrAlertKind.String(opts.Kind),
		AttrAgentID.String(opts.AgentID),
		AttrSender.String(opts.Sender),
		AttrAttempt.Int(opts.Attempt),
	)
}

// --- Scan Spans ---

// ScanSpanOptions summarizes a finished scan.
type ScanSpanOptions struct {
	Checked   int
	Unhealthy int
	NewlyDead int
	Recovered int
}

// StartScanSpan starts a span around one zombie scan.
func (t *Tracer) StartScanSpan(ctx context.Context) (context.Context, trace.Span) {
	return t.start(ctx, "zombie.scan", trace.SpanKindInternal)
}

// EndScanSpan records scan results and ends the span.
func EndScanSpan(span trace.Span, opts ScanSpanOptions) {
	span.SetAttributes(
		attribute.Int("scan.checked", opts.Checked),
		attribute.Int("scan.unhealthy", opts.Unhealthy),
		attribute.Int("scan.newly_dead", opts.NewlyDead),
		attribute.Int("scan.recovered", opts.Recovered),
	)
	span.SetStatus(codes.Ok, "")
	span.End()
}

// --- Ingest Spans ---

// StartIngestSpan starts a server span around one inbound report.
func (t *Tracer) StartIngestSpan(ctx context.Context, agentID string) (context.Context, trace.Span) {
	return t.start(ctx, "ingest.report", trace.SpanKindServer, AttrAgentID.String(agentID))
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
