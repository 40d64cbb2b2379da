// Package recognition implements the streaming speech-to-text engine: a
// WebSocket client that ingests PCM audio and emits partial/final
// transcripts, symmetric to the realtime conversation engine minus audio
// output.
//
// A failed connection terminates the session; this package does not retry
// or queue across network reconnects, matching the runtime's stated
// non-goal of reconnect handling — a host that wants to keep listening
// after a network failure creates a new session.
package recognition

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nuttxapps/voicert/pkg/trace"
	"github.com/nuttxapps/voicert/pkg/voiceplugin"
)

// DefaultConnectTimeout matches the realtime engine's connect timeout.
const DefaultConnectTimeout = time.Second

// PreferredFormat is the container format this engine asks capture to use
// when the caller hasn't forced a substitute (ForceFormat is false).
const PreferredFormat = "s16le, 16 kHz, mono"

// Config configures a recognition Engine factory.
type Config struct {
	// Endpoint is the TLS WebSocket URL for the streaming ASR backend.
	Endpoint string
	// Model is sent as the "model" query parameter, if non-empty.
	Model string
	// ConnectTimeout bounds the WebSocket handshake. Zero uses DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// NewFactory returns a voiceplugin.Factory that constructs recognition
// Engines bound to cfg.
func NewFactory(cfg Config) voiceplugin.Factory {
	return func(auth voiceplugin.Auth) (voiceplugin.Engine, error) {
		if auth.AppKey == "" {
			return nil, voiceplugin.NewArgumentError(voiceplugin.ErrCodeInvalidAuth, "recognition: app_key is required")
		}
		timeout := cfg.ConnectTimeout
		if timeout <= 0 {
			timeout = DefaultConnectTimeout
		}
		return &Engine{
			endpoint:       cfg.Endpoint,
			model:          cfg.Model,
			apiKey:         auth.AppKey,
			connectTimeout: timeout,
			done:           make(chan struct{}),
		}, nil
	}
}

// Engine implements voiceplugin.Engine against a streaming recognition
// WebSocket protocol.
type Engine struct {
	endpoint       string
	model          string
	apiKey         string
	connectTimeout time.Duration
	params         voiceplugin.Params

	mu   sync.Mutex
	conn *websocket.Conn
	sink voiceplugin.EventSink

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Init records the session params used to configure the backend.
func (e *Engine) Init(ctx context.Context, params voiceplugin.Params) error {
	e.params = params
	return nil
}

// SetEventSink registers the single event sink.
func (e *Engine) SetEventSink(sink voiceplugin.EventSink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

func (e *Engine) emit(ev voiceplugin.Event) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// Start dials the WebSocket connection once. On failure it surfaces
// error(network) and returns the error; it does not retry.
func (e *Engine) Start(ctx context.Context, hint voiceplugin.AudioHint) error {
	dialURL, err := e.buildURL()
	if err != nil {
		return voiceplugin.NewEventError(voiceplugin.ErrKindNetwork, "invalid recognition endpoint", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.apiKey)

	dialer := websocket.Dialer{HandshakeTimeout: e.connectTimeout}
	conn, _, err := dialer.DialContext(ctx, dialURL, header)
	if err != nil {
		netErr := voiceplugin.NewEventError(voiceplugin.ErrKindNetwork, "recognition connect failed", err)
		_, errSpan := trace.InstrumentConnectionError(ctx, "", netErr)
		errSpan.End()
		e.emit(voiceplugin.Event{Kind: voiceplugin.EventError, Err: netErr})
		return netErr
	}

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	e.wg.Add(1)
	go e.readPump()

	e.emit(voiceplugin.Event{Kind: voiceplugin.EventStart})

	return e.writeJSON(sessionUpdateMessage{
		Type: msgSessionUpdate,
		Session: sessionParams{
			Language: e.params.Language,
			Mode:     e.params.Mode,
		},
	})
}

func (e *Engine) buildURL() (string, error) {
	u, err := url.Parse(e.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if e.model != "" {
		q.Set("model", e.model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// WriteAudio base64-encodes the chunk and sends one
// input_audio_buffer.append message.
func (e *Engine) WriteAudio(data []byte) error {
	return e.writeJSON(inputAudioAppendMessage{
		Type:  msgInputAudioBufferAppend,
		Audio: voiceplugin.EncodeAudio(data),
	})
}

// Finish signals end of input; the backend replies with its final
// transcription and then transcription.done (or an error), which readPump
// turns into final-text and then the terminal complete (or error) event.
func (e *Engine) Finish() error {
	return e.writeJSON(inputAudioCommitMessage{Type: msgInputAudioBufferCommit})
}

// Cancel closes the connection without waiting for a final result and emits
// one complete event as the terminal event; readPump exits on the closed
// connection without emitting. A Cancel after the engine has already been
// closed emits nothing. The session layer drops this event via its own
// cancel guard.
func (e *Engine) Cancel() error {
	select {
	case <-e.done:
		return nil
	default:
	}
	err := e.Uninit(false)
	e.emit(voiceplugin.Event{Kind: voiceplugin.EventComplete})
	return err
}

// GetEnv reports the preferred (non-forced) capture format.
func (e *Engine) GetEnv() voiceplugin.Env {
	return voiceplugin.Env{PreferredFormat: PreferredFormat, ForceFormat: false}
}

// Uninit closes the connection. If sync is true it waits for the read pump
// to exit.
func (e *Engine) Uninit(sync bool) error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.mu.Lock()
		conn := e.conn
		e.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	if sync {
		e.wg.Wait()
	}
	return nil
}

func (e *Engine) writeJSON(msg interface{}) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("recognition: write before connect")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("recognition: marshal message: %w", err)
	}

	_, sendSpan := trace.InstrumentMessageSend(context.Background(), "", kindOf(msg), len(payload))
	sendSpan.End()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// kindOf extracts the wire "type" discriminator from an outbound message for
// tracing, without re-marshalling it.
func kindOf(msg interface{}) string {
	switch msg.(type) {
	case sessionUpdateMessage:
		return msgSessionUpdate
	case inputAudioAppendMessage:
		return msgInputAudioBufferAppend
	case inputAudioCommitMessage:
		return msgInputAudioBufferCommit
	default:
		return "unknown"
	}
}

func (e *Engine) readPump() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		conn := e.conn
		e.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-e.done:
				return
			default:
			}
			e.emit(voiceplugin.Event{
				Kind: voiceplugin.EventError,
				Err:  voiceplugin.NewEventError(voiceplugin.ErrKindNetwork, "recognition transport error", err),
			})
			return
		}
		e.handleInbound(data)
	}
}

func (e *Engine) handleInbound(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[recognition] malformed inbound message: %v", err)
		return
	}

	ctx, span := trace.InstrumentMessageReceive(context.Background(), "", env.Type)
	span.End()

	switch env.Type {
	case msgTranscriptionPartial:
		var ev transcriptionEvent
		_ = json.Unmarshal(data, &ev)
		e.emit(voiceplugin.Event{Kind: voiceplugin.EventPartialText, Text: ev.Text})

	case msgTranscriptionCompleted:
		var ev transcriptionEvent
		_ = json.Unmarshal(data, &ev)
		e.emit(voiceplugin.Event{Kind: voiceplugin.EventFinalText, Text: ev.Text})

	case msgTranscriptionDone:
		e.emit(voiceplugin.Event{Kind: voiceplugin.EventComplete})

	case msgError:
		var ev serverErrorEvent
		_ = json.Unmarshal(data, &ev)
		e.emit(voiceplugin.Event{
			Kind: voiceplugin.EventError,
			Err:  voiceplugin.NewEventError(voiceplugin.ErrKindFailed, ev.Error.Message, nil),
		})

	default:
		log.Print(trace.LogWithTrace(ctx, fmt.Sprintf("[recognition] unhandled message type: %s", env.Type)))
	}
}
