package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentSessionCreate creates a span for session creation.
func InstrumentSessionCreate(ctx context.Context, sessionID, backend string) (context.Context, trace.Span) {
	return StartSpan(ctx, "session.create",
		trace.WithAttributes(
			SessionAttrs(sessionID, backend, "init")...,
		),
	)
}

// InstrumentSessionStateChange creates a span for a session state transition.
func InstrumentSessionStateChange(ctx context.Context, sessionID, backend, from, to string) (context.Context, trace.Span) {
	attrs := SessionAttrs(sessionID, backend, to)
	attrs = append(attrs, attribute.String("session.previous_state", from))

	return StartSpan(ctx, "session.state_change",
		trace.WithAttributes(attrs...),
	)
}

// InstrumentSessionClose creates a span for session teardown.
func InstrumentSessionClose(ctx context.Context, sessionID, backend string) (context.Context, trace.Span) {
	return StartSpan(ctx, "session.close",
		trace.WithAttributes(
			SessionAttrs(sessionID, backend, "closed")...,
		),
	)
}

// InstrumentSessionError creates a span recording a terminal session error.
func InstrumentSessionError(ctx context.Context, sessionID, backend string, err error) (context.Context, trace.Span) {
	ctx, span := StartSpan(ctx, "session.error",
		trace.WithAttributes(
			SessionAttrs(sessionID, backend, "error")...,
		),
	)
	RecordError(span, err)
	return ctx, span
}
