package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with workflow-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include free text in span attributes
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
		return NoopTracer()
	}
	return globalTracer
}

// NoopTracer returns a tracer whose spans record nothing.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracer creates a tracer from the global OpenTelemetry provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer from a specific provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode.
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Command Spans ---

// CommandSpanOptions describes the outcome of a workflow command.
type CommandSpanOptions struct {
	OfferID  string
	EscrowID string
	From     string
	To       string
	Progress int

	// ErrorCode is the coded error kind on rejection.
	ErrorCode string

	// Text is revision feedback or a dispute description.
	// Only included if debug=true.
	Text string
}

// StartCommandSpan starts a span for one workflow command.
func (t *Tracer) StartCommandSpan(ctx context.Context, command, taskID, actorID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "command."+command, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("command.name", command),
		attribute.String("task.id", taskID),
		attribute.String("actor.id", actorID),
	)
	return ctx, span
}

// EndCommandSpan ends a command span with attributes.
func (t *Tracer) EndCommandSpan(span trace.Span, opts CommandSpanOptions, err error) {
	attrs := []attribute.KeyValue{}

	if opts.OfferID != "" {
		attrs = append(attrs, attribute.String("offer.id", opts.OfferID))
	}
	if opts.EscrowID != "" {
		attrs = append(attrs, attribute.String("escrow.id", opts.EscrowID))
	}
	if opts.From != "" || opts.To != "" {
		attrs = append(attrs,
			attribute.String("task.status.from", opts.From),
			attribute.String("task.status.to", opts.To),
		)
	}
	attrs = append(attrs, attribute.Int("task.progress", opts.Progress))
	if opts.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error.code", opts.ErrorCode))
	}
	if t.debug && opts.Text != "" {
		attrs = append(attrs, attribute.String("command.text", truncate(opts.Text, 1000)))
	}

	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Gateway Spans ---

// StartGatewaySpan starts a client span for a payment gateway transfer.
func (t *Tracer) StartGatewaySpan(ctx context.Context, escrowID, amount string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "gateway.release", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("escrow.id", escrowID),
		attribute.String("escrow.amount", amount),
	)
	return ctx, span
}

// EndGatewaySpan ends a gateway span, recording the transaction ID on success.
func (t *Tracer) EndGatewaySpan(span trace.Span, transactionID string, err error) {
	if transactionID != "" {
		span.SetAttributes(attribute.String("gateway.transaction_id", transactionID))
	}
	endSpan(span, err)
}

// --- Sweep Spans ---

// StartSweepSpan starts a span for one auto-release sweep.
func (t *Tracer) StartSweepSpan(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "autorelease.sweep", trace.WithSpanKind(trace.SpanKindInternal))
}

// EndSweepSpan ends a sweep span with the number of due and released escrows.
func (t *Tracer) EndSweepSpan(span trace.Span, due, released int, err error) {
	span.SetAttributes(
		attribute.Int("autorelease.due", due),
		attribute.Int("autorelease.released", released),
	)
	endSpan(span, err)
}

// --- Helpers ---

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID returns the trace ID of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
