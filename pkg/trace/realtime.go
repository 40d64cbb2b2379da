package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentConnectionStateChange creates a span for a realtime WebSocket
// connection state transition.
func InstrumentConnectionStateChange(ctx context.Context, sessionID, from, to string) (context.Context, trace.Span) {
	attrs := ConnectionAttrs(sessionID, to)
	attrs = append(attrs, attribute.String("realtime.previous_state", from))

	return StartSpan(ctx, "realtime.state_change",
		trace.WithAttributes(attrs...),
	)
}

// InstrumentMessageSend creates a span for an outbound protocol message.
func InstrumentMessageSend(ctx context.Context, sessionID, kind string, dataSize int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrMessageKind, kind),
		attribute.Int(AttrAudioDataSize, dataSize),
	}
	return StartSpan(ctx, "realtime.message.send", trace.WithAttributes(attrs...))
}

// InstrumentMessageReceive creates a span for an inbound protocol message.
func InstrumentMessageReceive(ctx context.Context, sessionID, kind string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrMessageKind, kind),
	}
	return StartSpan(ctx, "realtime.message.receive", trace.WithAttributes(attrs...))
}

// InstrumentBackpressure creates a span marking a rejected enqueue into the
// outbound ring buffer.
func InstrumentBackpressure(ctx context.Context, sessionID string, requested, available int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
		attribute.Int("ringbuf.requested", requested),
		attribute.Int("ringbuf.available", available),
	}
	return StartSpan(ctx, "realtime.backpressure", trace.WithAttributes(attrs...))
}

// InstrumentConnectionError creates a span for a realtime connection error.
func InstrumentConnectionError(ctx context.Context, sessionID string, err error) (context.Context, trace.Span) {
	ctx, span := StartSpan(ctx, "realtime.error",
		trace.WithAttributes(
			ConnectionAttrs(sessionID, "error")...,
		),
	)
	RecordError(span, err)
	return ctx, span
}
