// Package voiceplugin defines the uniform contract that every voice backend
// (streaming recognition, realtime conversation) implements, plus the
// closed event-kind set the session layer dispatches to listeners.
package voiceplugin

import (
	"context"
	"time"
)

// Backend selects which plugin factory a session binds to.
type Backend string

const (
	// BackendRecognition is the streaming speech-to-text backend.
	BackendRecognition Backend = "recognition"
	// BackendRealtime is the full-duplex realtime conversation backend.
	BackendRealtime Backend = "realtime-conversation"
)

// Auth carries the credentials a backend needs to authenticate. There is no
// embedded default credential to fall back on: the realtime and recognition
// factories reject an empty AppKey, so CreateWithAuth fails for it. AppID is
// not checked by either factory.
type Auth struct {
	EngineType string
	AppID      string
	AppKey     string
}

// Params are the normalized per-session init parameters.
type Params struct {
	Locale         string
	Mode           string
	Language       string
	SilenceTimeout time.Duration
}

// AudioHint is the caller-supplied format hint passed to Start; backends
// that force their own format (GetEnv().ForceFormat) ignore it.
type AudioHint struct {
	Format string
}

// Env describes what a backend wants from the capture pipeline.
type Env struct {
	PreferredFormat string
	ForceFormat     bool
}

// EventKind is the closed set of event kinds a backend may emit.
type EventKind string

const (
	EventStart        EventKind = "start"
	EventPartialText  EventKind = "partial-text"
	EventFinalText    EventKind = "final-text"
	EventAudio        EventKind = "audio"
	EventComplete     EventKind = "complete"
	EventError        EventKind = "error"
	EventStop         EventKind = "stop"
	EventClosed       EventKind = "closed"
)

// Event is a single backend-emitted occurrence. Only the fields relevant to
// Kind are populated; the rest are zero values.
type Event struct {
	Kind      EventKind
	Text      string
	Audio     []byte
	SessionID string
	Err       *Error
}

// EventSink is the single callback a backend invokes for every event it
// produces. Engine implementations call it synchronously and must not
// retain the Event after the call returns.
type EventSink func(Event)

// Engine is the uniform contract hiding backend specifics, mirroring
// spec section 4.1: init/set-listener/start/write-audio/finish/cancel/
// get-env/uninit.
type Engine interface {
	// Init allocates and configures the engine for one session. It may
	// start a private goroutine; it must not block past the backend's own
	// connect/handshake work.
	Init(ctx context.Context, params Params) error

	// SetEventSink registers the single sink for backend events. Must be
	// called before Start.
	SetEventSink(sink EventSink)

	// Start begins a streaming session. audio_hint describes the caller's
	// preferred format; whether it is honored depends on GetEnv().ForceFormat.
	Start(ctx context.Context, hint AudioHint) error

	// WriteAudio ingests one PCM chunk. Must be cheap, non-blocking, and
	// safe to call repeatedly from the engine loop.
	WriteAudio(data []byte) error

	// Finish signals end-of-input. The backend must eventually emit exactly
	// one terminal event (complete or error).
	Finish() error

	// Cancel aborts without awaiting a final result. The backend still
	// emits exactly one terminal event.
	Cancel() error

	// GetEnv reports the backend's preferred capture format.
	GetEnv() Env

	// Uninit releases resources. If sync is false, freeing may be deferred
	// until the backend has quiesced.
	Uninit(sync bool) error
}

// Factory constructs an Engine bound to the given credentials. Construction
// validates the auth shape; Start performs the actual connect/handshake work.
type Factory func(auth Auth) (Engine, error)
