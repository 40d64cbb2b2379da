package trace

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// InstrumentFocusRequest creates a span for an audio focus request.
func InstrumentFocusRequest(ctx context.Context, sessionID, scenario string) (context.Context, trace.Span) {
	return StartSpan(ctx, "capture.focus_request",
		trace.WithAttributes(
			FocusAttrs(scenario, 0)...,
		),
	)
}

// InstrumentFocusAbandon creates a span for releasing an audio focus lease.
func InstrumentFocusAbandon(ctx context.Context, sessionID string, handle int) (context.Context, trace.Span) {
	return StartSpan(ctx, "capture.focus_abandon",
		trace.WithAttributes(
			FocusAttrs("", handle)...,
		),
	)
}

// InstrumentRecorderStart creates a span for opening and starting the recorder.
func InstrumentRecorderStart(ctx context.Context, sessionID string, sampleRate, channels int) (context.Context, trace.Span) {
	return StartSpan(ctx, "capture.recorder_start",
		trace.WithAttributes(
			AudioAttrs(sampleRate, channels, 0)...,
		),
	)
}

// InstrumentRecorderClose creates a span for the recorder teardown half of
// the two-phase close rendezvous.
func InstrumentRecorderClose(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "capture.recorder_close")
}

// InstrumentCaptureFrame creates a span for a single PCM frame handed to the
// engine. Callers should only sample this; it runs on the capture hot path.
func InstrumentCaptureFrame(ctx context.Context, sessionID string, dataSize int) (context.Context, trace.Span) {
	return StartSpan(ctx, "capture.frame",
		trace.WithAttributes(
			AudioAttrs(0, 0, dataSize)...,
		),
	)
}
