// Package realtime implements the full-duplex realtime conversation engine:
// a WebSocket client speaking the realtime JSON protocol, carrying both
// input audio and synthesized output audio, with outbound flow control
// through a bounded ring buffer.
package realtime

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nuttxapps/voicert/pkg/ringbuf"
	"github.com/nuttxapps/voicert/pkg/trace"
	"github.com/nuttxapps/voicert/pkg/voiceplugin"
)

const (
	// DefaultConnectTimeout matches the backend library's default connect
	// timeout for the realtime WebSocket handshake.
	DefaultConnectTimeout = time.Second
	// outboundBufferSize is the fixed capacity of the outbound ring buffer.
	outboundBufferSize = 128 * 1024
	// PreferredFormat is the forced capture format for realtime sessions.
	PreferredFormat = "s16le, 16 kHz, mono"
)

// Config configures a realtime Engine factory.
type Config struct {
	// Endpoint is the TLS WebSocket URL, e.g. "wss://host/v1/realtime".
	Endpoint string
	// Model is sent as the "model" query parameter.
	Model string
	// ConnectTimeout bounds the WebSocket handshake. Zero uses DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// OutboundBufferBytes overrides the outbound ring buffer's fixed
	// capacity. Zero uses outboundBufferSize; tests shrink this to exercise
	// backpressure without streaming 128KiB of audio.
	OutboundBufferBytes int
}

// NewFactory returns a voiceplugin.Factory that constructs realtime Engines
// bound to cfg. Construction validates auth; it does not connect.
func NewFactory(cfg Config) voiceplugin.Factory {
	return func(auth voiceplugin.Auth) (voiceplugin.Engine, error) {
		if auth.AppKey == "" {
			return nil, voiceplugin.NewArgumentError(voiceplugin.ErrCodeInvalidAuth, "realtime: app_key is required")
		}
		timeout := cfg.ConnectTimeout
		if timeout <= 0 {
			timeout = DefaultConnectTimeout
		}
		bufferSize := cfg.OutboundBufferBytes
		if bufferSize <= 0 {
			bufferSize = outboundBufferSize
		}
		return &Engine{
			endpoint:       cfg.Endpoint,
			model:          cfg.Model,
			apiKey:         auth.AppKey,
			connectTimeout: timeout,
			outbound:       ringbuf.New(bufferSize),
			writable:       make(chan struct{}, 1),
			done:           make(chan struct{}),
		}, nil
	}
}

// Engine implements voiceplugin.Engine against the realtime WebSocket
// protocol described in the conversation state machine and message table.
type Engine struct {
	endpoint       string
	model          string
	apiKey         string
	connectTimeout time.Duration

	mu                 sync.Mutex
	state              State
	conn               *websocket.Conn
	sessionID          string
	currentResponseID  string
	sink               voiceplugin.EventSink

	outbound  *ringbuf.Buffer
	writable  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Init stores session params. The realtime engine does not require any
// setup work before Start dials the connection.
func (e *Engine) Init(ctx context.Context, params voiceplugin.Params) error {
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

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	sessionID := e.sessionID
	e.mu.Unlock()

	if prev == s {
		return
	}
	_, span := trace.InstrumentConnectionStateChange(context.Background(), sessionID, string(prev), string(s))
	span.End()
}

func (e *Engine) getState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start dials the WebSocket connection with a bearer-token handshake
// header, then sends the initial session.create message.
func (e *Engine) Start(ctx context.Context, hint voiceplugin.AudioHint) error {
	e.setState(StateConnecting)

	dialURL, err := e.buildURL()
	if err != nil {
		e.setState(StateError)
		return voiceplugin.NewEventError(voiceplugin.ErrKindNetwork, "invalid realtime endpoint", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.apiKey)

	dialer := websocket.Dialer{HandshakeTimeout: e.connectTimeout}
	conn, _, err := dialer.DialContext(ctx, dialURL, header)
	if err != nil {
		e.setState(StateError)
		e.emit(voiceplugin.Event{
			Kind: voiceplugin.EventError,
			Err:  voiceplugin.NewEventError(voiceplugin.ErrKindNetwork, "realtime connect failed", err),
		})
		return err
	}

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
	e.setState(StateConnected)

	e.wg.Add(2)
	go e.readPump()
	go e.writePump()

	if err := e.sendJSON(sessionCreateMessage{
		Type: msgSessionCreate,
		Session: sessionConfig{
			Modalities:   []string{"text", "audio"},
			InputFormat:  "pcm16",
			OutputFormat: "pcm16",
		},
	}); err != nil {
		return err
	}

	return nil
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

// WriteAudio base64-encodes data and enqueues one input_audio_buffer.append
// message. The first chunk sent after session.created transitions the
// connection into LISTENING.
func (e *Engine) WriteAudio(data []byte) error {
	if e.getState() == StateSessionCreated {
		e.setState(StateListening)
		e.emit(voiceplugin.Event{Kind: voiceplugin.EventStart})
	}

	return e.sendJSON(inputAudioAppendMessage{
		Type:  msgInputAudioBufferAppend,
		Audio: voiceplugin.EncodeAudio(data),
	})
}

// Finish commits the input buffer and requests a response.
func (e *Engine) Finish() error {
	if err := e.sendJSON(inputAudioCommitMessage{Type: msgInputAudioBufferCommit}); err != nil {
		return err
	}
	return e.sendJSON(responseCreateMessage{
		Type:     msgResponseCreate,
		Response: responseConfig{Modalities: []string{"text", "audio"}},
	})
}

// Cancel sends response.cancel only if a response id is currently known;
// otherwise it is a no-op that still succeeds.
func (e *Engine) Cancel() error {
	e.mu.Lock()
	responseID := e.currentResponseID
	e.mu.Unlock()

	if responseID == "" {
		return nil
	}
	return e.sendJSON(responseCancelMessage{Type: msgResponseCancel, ResponseID: responseID})
}

// GetEnv reports the forced realtime capture format.
func (e *Engine) GetEnv() voiceplugin.Env {
	return voiceplugin.Env{PreferredFormat: PreferredFormat, ForceFormat: true}
}

// Uninit closes the connection and stops the read/write pumps. If sync is
// true it blocks until both goroutines have exited.
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

// sendJSON marshals msg and enqueues it on the outbound ring buffer,
// framed with a 4-byte big-endian length prefix so the write pump can
// recover discrete frames. Rejection on a full buffer is the distinguished
// backpressure error from spec section 7.
func (e *Engine) sendJSON(msg interface{}) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("realtime: marshal message: %w", err)
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	e.mu.Lock()
	sessionID := e.sessionID
	e.mu.Unlock()

	if err := e.outbound.Write(frame); err != nil {
		_, span := trace.InstrumentBackpressure(context.Background(), sessionID, len(frame), e.outbound.Available())
		span.End()

		backpressureErr := voiceplugin.NewEventError(
			voiceplugin.ErrKindNetwork,
			"realtime: outbound buffer full",
			err,
		)
		e.emit(voiceplugin.Event{Kind: voiceplugin.EventError, Err: backpressureErr})
		return backpressureErr
	}

	_, span := trace.InstrumentMessageSend(context.Background(), sessionID, kindOf(msg), len(payload))
	span.End()

	select {
	case e.writable <- struct{}{}:
	default:
	}
	return nil
}

// kindOf extracts the wire "type" discriminator from an outbound message for
// tracing, without re-marshalling it.
func kindOf(msg interface{}) string {
	switch msg.(type) {
	case sessionCreateMessage:
		return string(msgSessionCreate)
	case inputAudioAppendMessage:
		return string(msgInputAudioBufferAppend)
	case inputAudioCommitMessage:
		return string(msgInputAudioBufferCommit)
	case responseCreateMessage:
		return string(msgResponseCreate)
	case responseCancelMessage:
		return string(msgResponseCancel)
	default:
		return "unknown"
	}
}

// writePump is the outbound ring buffer's single consumer: it wakes on a
// writable notification and drains every queued frame, one WebSocket
// message per frame, re-checking for more data until the buffer empties.
func (e *Engine) writePump() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case <-e.writable:
		}

		for e.outbound.Len() > 0 {
			header := make([]byte, 4)
			if n := e.outbound.Read(header); n < 4 {
				break
			}
			flen := binary.BigEndian.Uint32(header)
			payload := make([]byte, flen)
			e.outbound.Read(payload)

			e.mu.Lock()
			conn := e.conn
			e.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("[realtime] write error: %v", err)
				e.handleTransportError(err)
				return
			}
		}
	}
}

// readPump is the connection's single reader; it dispatches every inbound
// frame through handleInbound.
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
			e.handleTransportError(err)
			return
		}
		e.handleInbound(data)
	}
}

func (e *Engine) handleTransportError(err error) {
	e.mu.Lock()
	sessionID := e.sessionID
	e.mu.Unlock()
	_, span := trace.InstrumentConnectionError(context.Background(), sessionID, err)
	span.End()

	e.setState(StateError)
	e.emit(voiceplugin.Event{
		Kind: voiceplugin.EventError,
		Err:  voiceplugin.NewEventError(voiceplugin.ErrKindNetwork, "realtime transport error", err),
	})
}

func (e *Engine) handleInbound(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[realtime] malformed inbound message: %v", err)
		return
	}

	e.mu.Lock()
	sessionID := e.sessionID
	e.mu.Unlock()
	ctx, span := trace.InstrumentMessageReceive(context.Background(), sessionID, env.Type)
	span.End()

	switch env.Type {
	case msgSessionCreated:
		var ev sessionCreatedEvent
		_ = json.Unmarshal(data, &ev)
		e.mu.Lock()
		e.sessionID = ev.Session.ID
		e.mu.Unlock()
		e.setState(StateSessionCreated)
		e.emit(voiceplugin.Event{Kind: voiceplugin.EventStart, SessionID: ev.Session.ID})

	case msgInputAudioBufferCommitted:
		e.setState(StateProcessing)
		e.emit(voiceplugin.Event{Kind: voiceplugin.EventStart})

	case msgConversationItemInputTranscriptDone:
		var ev transcriptionCompletedEvent
		_ = json.Unmarshal(data, &ev)
		e.emit(voiceplugin.Event{Kind: voiceplugin.EventFinalText, Text: ev.Transcript})

	case msgResponseCreated:
		var ev responseCreatedEvent
		_ = json.Unmarshal(data, &ev)
		e.mu.Lock()
		e.currentResponseID = ev.Response.ID
		e.mu.Unlock()
		e.setState(StateSpeaking)
		e.emit(voiceplugin.Event{Kind: voiceplugin.EventStart})

	case msgResponseAudioDelta:
		var ev audioDeltaEvent
		_ = json.Unmarshal(data, &ev)
		decoded, err := voiceplugin.DecodeAudio(ev.Delta)
		if err != nil {
			log.Print(trace.LogWithTrace(ctx, fmt.Sprintf("[realtime] bad audio delta: %v", err)))
			return
		}
		e.emit(voiceplugin.Event{Kind: voiceplugin.EventAudio, Audio: decoded})

	case msgResponseAudioTranscriptDelta:
		var ev textDeltaEvent
		_ = json.Unmarshal(data, &ev)
		e.emit(voiceplugin.Event{Kind: voiceplugin.EventPartialText, Text: ev.Delta})

	case msgResponseDone:
		e.mu.Lock()
		e.currentResponseID = ""
		e.mu.Unlock()
		e.setState(StateSessionCreated)
		e.emit(voiceplugin.Event{Kind: voiceplugin.EventComplete})

	case msgError:
		var ev serverErrorEvent
		_ = json.Unmarshal(data, &ev)
		e.setState(StateError)
		e.emit(voiceplugin.Event{
			Kind: voiceplugin.EventError,
			Err:  voiceplugin.NewEventError(voiceplugin.ErrKindFailed, ev.Error.Message, nil),
		})

	default:
		log.Print(trace.LogWithTrace(ctx, fmt.Sprintf("[realtime] unhandled message type: %s", env.Type)))
	}
}
