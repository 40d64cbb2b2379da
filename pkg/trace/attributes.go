package trace

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys used throughout the runtime.
const (
	AttrSessionID    = "session.id"
	AttrSessionState = "session.state"
	AttrBackend      = "session.backend"

	AttrAudioSampleRate = "audio.sample_rate"
	AttrAudioChannels   = "audio.channels"
	AttrAudioDataSize   = "audio.data_size"

	AttrFocusScenario = "capture.focus_scenario"
	AttrFocusHandle   = "capture.focus_handle"

	AttrConnectionState = "realtime.connection_state"
	AttrMessageKind     = "realtime.message_kind"
	AttrEventKind       = "session.event_kind"

	AttrErrorCode    = "error.code"
	AttrErrorMessage = "error.message"
)

// SessionAttrs creates attributes identifying a session.
func SessionAttrs(sessionID, backend, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrBackend, backend),
		attribute.String(AttrSessionState, state),
	}
}

// AudioAttrs creates attributes describing a chunk of PCM audio.
func AudioAttrs(sampleRate, channels, dataSize int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrAudioSampleRate, sampleRate),
		attribute.Int(AttrAudioChannels, channels),
		attribute.Int(AttrAudioDataSize, dataSize),
	}
}

// FocusAttrs creates attributes describing an audio focus request.
func FocusAttrs(scenario string, handle int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrFocusScenario, scenario),
		attribute.Int(AttrFocusHandle, handle),
	}
}

// ConnectionAttrs creates attributes describing a realtime WebSocket connection.
func ConnectionAttrs(sessionID, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrConnectionState, state),
	}
}

// ErrorAttrs creates attributes for a voiceplugin error.
func ErrorAttrs(code, msg string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrErrorCode, code),
		attribute.String(AttrErrorMessage, msg),
	}
}
