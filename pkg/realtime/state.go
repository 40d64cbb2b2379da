package realtime

// State is the realtime WebSocket connection's lifecycle state.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateSessionCreated State = "session_created"
	StateListening      State = "listening"
	StateProcessing     State = "processing"
	StateSpeaking       State = "speaking"
	StateError          State = "error"
)
