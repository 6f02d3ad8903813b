package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const sessionTracerName = "voxorch-session"

func sessionTracer() trace.Tracer {
	return Tracer(sessionTracerName)
}

// TraceSessionStart creates a long-lived span for a voice session. The
// caller must call span.End() when the session is torn down. Every
// transition for the session should be created as a child of this span's
// context.
func TraceSessionStart(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "session",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("session_id", sessionID))
	return ctx, span
}

// TraceTransition creates a short-lived child span for one Registry state
// transition (ready, active, ended, error).
func TraceTransition(ctx context.Context, sessionID, transition string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "session."+transition,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("session_id", sessionID))
	return ctx, span
}

// TraceTransitionResult records the outcome of a transition on its span.
func TraceTransitionResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
