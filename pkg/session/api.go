package session

import (
	"context"

	"github.com/nuttxapps/voicert/pkg/capture"
	"github.com/nuttxapps/voicert/pkg/silence"
	"github.com/nuttxapps/voicert/pkg/trace"
	"github.com/nuttxapps/voicert/pkg/voiceplugin"
)

const engineQueueDepth = 32

// Create constructs a session against backend with no credentials. Given
// this runtime keeps no embedded default credential, every registered
// factory rejects an empty Auth, so in practice hosts call CreateWithAuth;
// Create exists for API symmetry with backends a caller has pre-bound to
// credentials via their own Factory closure.
func Create(backend voiceplugin.Backend, registry *voiceplugin.Registry, params Params) (*Session, error) {
	return CreateWithAuth(backend, registry, params, voiceplugin.Auth{})
}

// CreateWithAuth constructs and initializes a session: it resolves the
// engine from registry, normalizes params, builds the capture pipeline
// (defaulting to a malgo-backed recorder if none was supplied), and starts
// the session's private engine loop. The returned Session is in StateInit.
func CreateWithAuth(backend voiceplugin.Backend, registry *voiceplugin.Registry, params Params, auth voiceplugin.Auth) (*Session, error) {
	engine, err := registry.New(backend, auth)
	if err != nil {
		return nil, err
	}

	params = params.normalize()
	engineParams := voiceplugin.Params{
		Locale:         params.Locale,
		Mode:           params.Mode,
		Language:       params.Language,
		SilenceTimeout: silence.ClampTimeout(params.SilenceTimeoutMS),
	}

	if err := engine.Init(context.Background(), engineParams); err != nil {
		return nil, err
	}

	s := &Session{
		id:          newSessionID(),
		backend:     backend,
		engine:      engine,
		engineQueue: make(chan command, engineQueueDepth),
		state:       StateInit,
		hostLoop:    params.HostLoop,
		silenceGate: silence.NewGate(engineParams.SilenceTimeout),
	}

	_, createSpan := trace.InstrumentSessionCreate(context.Background(), s.id, string(backend))
	createSpan.End()

	if params.Focus != nil {
		recorder := params.Recorder
		if recorder == nil {
			recorder = capture.NewMalgoRecorder(16000, 1)
		}
		s.capture = capture.NewSession(params.Focus, recorder, capture.Callbacks{
			WriteAudio: engine.WriteAudio,
			OnDisrupted: func(reason capture.DisruptReason, err error) {
				s.enqueueInternal(command{kind: cmdCaptureDisrupted, disruptReason: reason, disruptErr: err})
			},
		})
	}

	engine.SetEventSink(func(ev voiceplugin.Event) {
		s.enqueueInternal(command{kind: cmdEngineEvent, event: ev})
	})

	go s.runEngineLoop()

	return s, nil
}

// enqueueInternal is used by callbacks running on engine/capture goroutines
// that must not be dropped the way a redundant public API call can be: a
// full queue here would mean a real event was lost. It blocks rather than
// dropping, matching the teacher's unbounded-ish async-queue delivery
// guarantee for backend-originated events.
func (s *Session) enqueueInternal(cmd command) {
	s.engineQueue <- cmd
}

// ChannelHostLoop is a minimal HostLoop that funnels posted callbacks
// through a channel for the caller to drain on its own goroutine —
// useful for tests and simple host integrations that don't already have
// an event loop to hook into.
type ChannelHostLoop struct {
	ch chan func()
}

// NewChannelHostLoop creates a ChannelHostLoop with the given buffer depth.
func NewChannelHostLoop(depth int) *ChannelHostLoop {
	return &ChannelHostLoop{ch: make(chan func(), depth)}
}

// Post implements HostLoop.
func (h *ChannelHostLoop) Post(fn func()) {
	h.ch <- fn
}

// Run drains posted callbacks on the calling goroutine until ctx is
// cancelled.
func (h *ChannelHostLoop) Run(ctx context.Context) {
	for {
		select {
		case fn := <-h.ch:
			fn()
		case <-ctx.Done():
			return
		}
	}
}
