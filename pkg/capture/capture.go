// Package capture implements the audio capture pipeline: focus acquisition,
// recorder lifecycle, PCM pipe reading, and format negotiation, per the
// five-step start sequence and idempotent two-phase teardown.
//
// The host media stack (focus manager, recorder) is an external
// collaborator specified only through the FocusManager and Recorder
// interfaces below; a default Recorder backed by gen2brain/malgo is
// provided for hosts that don't supply their own.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nuttxapps/voicert/pkg/trace"
)

// FocusHandle identifies a held audio-focus lease.
type FocusHandle int

// FocusManager arbitrates access to the shared capture device. Request
// returns the initial suggestion ("play" grants capture, anything else
// denies it) plus a channel of subsequent suggestion changes (focus
// preemption).
type FocusManager interface {
	Request(scenario string) (suggestion string, handle FocusHandle, changes <-chan string, err error)
	Abandon(handle FocusHandle) error
}

// Recorder is the host-provided audio recording device.
type Recorder interface {
	// Open opens the recorder against the named stream (e.g. "cap").
	Open(stream string) error
	// Prepare negotiates format and returns the PCM pipe once connected.
	Prepare(format string) (io.Reader, error)
	// Start begins delivering frames through the reader returned by Prepare.
	Start() error
	// Close tears the recorder down. Safe to call once; subsequent calls
	// are no-ops.
	Close() error
}

// ErrFocusDenied is returned by Start when the focus manager's initial
// suggestion is not "play".
var ErrFocusDenied = errors.New("capture: audio focus denied")

// DisruptReason explains why the pipeline tore itself down without being
// asked to.
type DisruptReason int

const (
	// DisruptFocusLost fires when a later focus suggestion is not "play".
	DisruptFocusLost DisruptReason = iota
	// DisruptRecorderError fires when the PCM pipe returns a read error.
	DisruptRecorderError
)

// Callbacks connects the pipeline to its owning session.
type Callbacks struct {
	// WriteAudio forwards one PCM chunk to the active engine.
	WriteAudio func(data []byte) error
	// OnDisrupted is invoked at most once, from a pipeline-owned goroutine,
	// when the pipeline tears itself down due to focus loss or a recorder
	// error. err is non-nil only for DisruptRecorderError.
	OnDisrupted func(reason DisruptReason, err error)
}

// NegotiateFormat implements the capture format choice from the start
// sequence: the engine's forced format wins unless the backend allows
// substitution and the caller supplied one.
func NegotiateFormat(forceFormat bool, engineFormat, callerFormat string) string {
	if !forceFormat && callerFormat != "" {
		return callerFormat
	}
	return engineFormat
}

const frameSize = 3200 // 100ms of 16kHz mono s16le

// Session drives one engine session's capture pipeline: it owns the focus
// lease and recorder for as long as the engine session is STARTED.
type Session struct {
	focus    FocusManager
	recorder Recorder
	cb       Callbacks

	mu          sync.Mutex
	focusHandle FocusHandle
	started     bool

	stopCh      chan struct{}
	closeOnce   sync.Once
	disruptOnce sync.Once
}

// NewSession constructs a capture pipeline bound to the given focus manager
// and recorder.
func NewSession(focus FocusManager, recorder Recorder, cb Callbacks) *Session {
	return &Session{
		focus:    focus,
		recorder: recorder,
		cb:       cb,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the five-step start_l sequence: request focus for scenario
// "tts", open+prepare+start the recorder against stream "cap", and begin
// forwarding frames to the engine. The whole sequence runs under one
// "capture.start" span so the per-step spans it creates (focus request,
// recorder start) nest under a single trace.
func (s *Session) Start(format string) error {
	return trace.WithSpan(context.Background(), "capture.start", func(ctx context.Context) error {
		span := trace.SpanFromContext(ctx)
		ctx = trace.ContextWithSpan(ctx, span)

		_, focusSpan := trace.InstrumentFocusRequest(ctx, "", "tts")
		suggestion, handle, changes, err := s.focus.Request("tts")
		if err != nil {
			trace.RecordError(focusSpan, err)
			focusSpan.End()
			return err
		}
		focusSpan.End()
		trace.AddEvent(span, "focus_granted", attribute.String("capture.suggestion", suggestion))
		if suggestion != "play" {
			_ = s.focus.Abandon(handle)
			return ErrFocusDenied
		}

		s.mu.Lock()
		s.focusHandle = handle
		s.mu.Unlock()

		if err := s.recorder.Open("cap"); err != nil {
			_ = s.focus.Abandon(handle)
			return err
		}

		reader, err := s.recorder.Prepare(format)
		if err != nil {
			_ = s.recorder.Close()
			_ = s.focus.Abandon(handle)
			return err
		}
		trace.SetAttributes(span, attribute.String("capture.format", format))

		_, startSpan := trace.InstrumentRecorderStart(ctx, "", 0, 0)
		if err := s.recorder.Start(); err != nil {
			trace.RecordError(startSpan, err)
			startSpan.End()
			_ = s.recorder.Close()
			_ = s.focus.Abandon(handle)
			return err
		}
		startSpan.End()

		s.mu.Lock()
		s.started = true
		s.mu.Unlock()

		go s.pumpFrames(reader)
		go s.watchFocus(changes)

		return nil
	})
}

func (s *Session) pumpFrames(r io.Reader) {
	buf := make([]byte, frameSize)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := s.cb.WriteAudio(chunk); werr != nil {
				log.Printf("[capture] write_audio error: %v", werr)
			}
		}
		if err != nil {
			select {
			case <-s.stopCh:
				// Close already ran; a read error on the closed pipe is
				// its consequence, not a separate disruption.
				return
			default:
			}
			if err != io.EOF {
				log.Printf("[capture] recorder read error: %v", err)
				s.disrupt(DisruptRecorderError, err)
			}
			return
		}
	}
}

func (s *Session) watchFocus(changes <-chan string) {
	for {
		select {
		case <-s.stopCh:
			return
		case suggestion, ok := <-changes:
			if !ok {
				return
			}
			if suggestion != "play" {
				s.disrupt(DisruptFocusLost, nil)
				return
			}
		}
	}
}

// disrupt tears the pipeline down and notifies the owner exactly once, even
// if both the focus-loss and recorder-error paths race each other (closing
// the recorder to stop frame delivery can itself surface a read error on
// the now-closed pipe).
func (s *Session) disrupt(reason DisruptReason, err error) {
	s.Close()
	s.disruptOnce.Do(func() {
		if s.cb.OnDisrupted != nil {
			s.cb.OnDisrupted(reason, err)
		}
	})
}

// Close tears down the pipeline: stop forwarding, close the recorder,
// abandon the focus lease. Idempotent; safe to call from any goroutine,
// any number of times.
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.stopCh)

		s.mu.Lock()
		handle := s.focusHandle
		started := s.started
		s.mu.Unlock()

		if started {
			closeCtx, closeSpan := trace.InstrumentRecorderClose(context.Background(), "")
			if err := s.recorder.Close(); err != nil {
				log.Print(trace.LogWithTrace(closeCtx, fmt.Sprintf("[capture] recorder close error: %v", err)))
				trace.RecordError(closeSpan, err)
				closeErr = err
			}
			closeSpan.End()

			abandonCtx, abandonSpan := trace.InstrumentFocusAbandon(context.Background(), "", int(handle))
			if err := s.focus.Abandon(handle); err != nil {
				log.Print(trace.LogWithTrace(abandonCtx, fmt.Sprintf("[capture] focus abandon error: %v", err)))
				trace.RecordError(abandonSpan, err)
			}
			abandonSpan.End()
		}
	})
	return closeErr
}
