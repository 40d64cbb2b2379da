package recognition

const (
	msgSessionUpdate          = "session.update"
	msgInputAudioBufferAppend = "input_audio_buffer.append"
	msgInputAudioBufferCommit = "input_audio_buffer.commit"
)

const (
	msgTranscriptionPartial  = "transcription.partial"
	msgTranscriptionCompleted = "transcription.completed"
	msgTranscriptionDone     = "transcription.done"
	msgError                 = "error"
)

type envelope struct {
	Type string `json:"type"`
}

type sessionParams struct {
	Language string `json:"language,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type inputAudioAppendMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type inputAudioCommitMessage struct {
	Type string `json:"type"`
}

type transcriptionEvent struct {
	Text string `json:"text"`
}

type serverErrorEvent struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
