// Package session implements the core state machine and cross-loop message
// bus: it serializes host commands (create, set-listener, start, finish,
// cancel, close) onto an engine-private loop, serializes callbacks back
// onto the caller's loop, and enforces the session lifecycle under racing
// events from capture, network, and audio focus.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nuttxapps/voicert/pkg/capture"
	"github.com/nuttxapps/voicert/pkg/silence"
	"github.com/nuttxapps/voicert/pkg/trace"
	"github.com/nuttxapps/voicert/pkg/voiceplugin"
)

// State is the session's lifecycle state. Transitions are monotonic along
// Init -> Started -> (Finishing|Cancelled) -> Closed; there are no backward
// edges.
type State int

const (
	StateInit State = iota
	StateStarted
	StateFinishing
	StateCancelled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStarted:
		return "started"
	case StateFinishing:
		return "finishing"
	case StateCancelled:
		return "cancelled"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// HostLoop lets the listener's calls land on the caller's own event loop
// instead of the session's engine loop. Post must preserve FIFO order: a
// call that returns before a later Post is scheduled must run its fn
// first. A nil HostLoop means listener calls run inline on the engine
// loop.
type HostLoop interface {
	Post(fn func())
}

// Params are the normalized per-session init parameters.
type Params struct {
	Locale           string
	Mode             string
	Language         string
	SilenceTimeoutMS int
	HostLoop         HostLoop
	Focus            capture.FocusManager
	Recorder         capture.Recorder
}

func (p Params) normalize() Params {
	if p.Locale == "" {
		p.Locale = "CN"
	}
	if p.Mode == "" {
		p.Mode = "short"
	}
	if p.Language == "" {
		p.Language = "zh-CN"
	}
	return p
}

// Session is the central entity: one engine session, its capture pipeline,
// and the listener it delivers events to.
type Session struct {
	id      string
	backend voiceplugin.Backend
	engine  voiceplugin.Engine
	capture *capture.Session

	engineQueue chan command

	// Guarded by mu: read from any goroutine (GetState, publishEvent),
	// written only from the engine loop goroutine.
	mu       sync.Mutex
	state    State
	listener func(voiceplugin.Event)
	hostLoop HostLoop

	// Loop-local: only ever touched from the engine loop goroutine, so no
	// synchronization is needed.
	terminalSent    bool
	silenceGate     *silence.Gate
	pendingTerminal *voiceplugin.Event
}

// ID returns the session's generated identifier, "sess_<uuid>".
func (s *Session) ID() string { return s.id }

// GetState returns the current lifecycle state. Safe to call from any
// goroutine.
func (s *Session) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsBusy reports whether the session currently has an active engine
// session (state == Started).
func (s *Session) IsBusy() bool {
	return s.GetState() == StateStarted
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()

	if prev == st {
		return
	}
	_, span := trace.InstrumentSessionStateChange(context.Background(), s.id, string(s.backend), prev.String(), st.String())
	span.End()
}

// SetListener registers the callback invoked for every event the session
// emits. Enqueued onto the engine loop like every other command so it
// can't race a concurrent Start/event delivery.
func (s *Session) SetListener(fn func(voiceplugin.Event)) error {
	return s.enqueue(command{kind: cmdSetListener, listener: fn})
}

// Start begins a streaming session: engine connect/handshake followed by
// capture pipeline start. A no-op if already Started.
func (s *Session) Start(ctx context.Context, hint voiceplugin.AudioHint) error {
	return s.enqueue(command{kind: cmdStart, ctx: ctx, hint: hint})
}

// Finish signals end-of-input. A no-op unless Started.
func (s *Session) Finish() error {
	return s.enqueue(command{kind: cmdFinish})
}

// Cancel aborts without awaiting a final result. A no-op unless Started.
func (s *Session) Cancel() error {
	return s.enqueue(command{kind: cmdCancel})
}

// Close tears the session down. While Started it now performs full
// teardown rather than no-op (see design notes on close-while-started).
func (s *Session) Close() error {
	return s.enqueue(command{kind: cmdClose})
}

// enqueue submits cmd onto the engine loop. It never blocks: if the queue
// is full or the session has already closed, it returns an error rather
// than stalling the caller.
func (s *Session) enqueue(cmd command) error {
	if s.GetState() == StateClosed {
		return voiceplugin.NewArgumentError(voiceplugin.ErrCodeAlreadyClosed, fmt.Sprintf("session %s is closed", s.id))
	}
	select {
	case s.engineQueue <- cmd:
		return nil
	default:
		return fmt.Errorf("session %s: command queue full or closed", s.id)
	}
}

func (s *Session) publishEvent(ev voiceplugin.Event) {
	s.mu.Lock()
	listener := s.listener
	hostLoop := s.hostLoop
	s.mu.Unlock()

	if listener == nil {
		return
	}
	if hostLoop != nil {
		hostLoop.Post(func() { listener(ev) })
		return
	}
	listener(ev)
}

// runEngineLoop is the session's single-threaded engine loop: it drains
// engineQueue, mutating session state and driving capture/engine, and
// exits once teardown completes.
func (s *Session) runEngineLoop() {
	for cmd := range s.engineQueue {
		s.dispatch(cmd)
		if cmd.kind == cmdTeardownComplete {
			return
		}
	}
}

func (s *Session) dispatch(cmd command) {
	switch cmd.kind {
	case cmdSetListener:
		s.handleSetListener(cmd)
	case cmdStart:
		s.handleStart(cmd)
	case cmdFinish:
		s.handleFinish()
	case cmdCancel:
		s.handleCancel()
	case cmdClose:
		s.handleClose()
	case cmdEngineEvent:
		s.handleEngineEvent(cmd.event)
	case cmdCaptureDisrupted:
		s.handleCaptureDisrupted(cmd.disruptReason, cmd.disruptErr)
	case cmdTeardownComplete:
		s.handleTeardownComplete()
	default:
		log.Printf("[session %s] unknown command kind %d", s.id, cmd.kind)
	}
}

func (s *Session) handleSetListener(cmd command) {
	if s.engine == nil {
		return
	}
	s.mu.Lock()
	s.listener = cmd.listener
	s.mu.Unlock()
}

func (s *Session) handleStart(cmd command) {
	if s.GetState() == StateStarted {
		return
	}

	env := s.engine.GetEnv()
	if err := s.engine.Start(cmd.ctx, cmd.hint); err != nil {
		s.setState(StateFinishing)
		s.terminalSent = true
		s.teardownWithTerminal(voiceplugin.Event{
			Kind: voiceplugin.EventError,
			Err:  voiceplugin.NewEventError(voiceplugin.ErrKindNetwork, "engine start failed", err),
		}, false, false)
		return
	}

	if s.capture != nil {
		format := capture.NegotiateFormat(env.ForceFormat, env.PreferredFormat, cmd.hint.Format)
		if err := s.capture.Start(format); err != nil {
			s.setState(StateFinishing)
			s.terminalSent = true
			s.teardownWithTerminal(voiceplugin.Event{
				Kind: voiceplugin.EventError,
				Err:  voiceplugin.NewEventError(voiceplugin.ErrKindMedia, "capture start failed", err),
			}, true, false)
			return
		}
	}

	s.setState(StateStarted)
}

func (s *Session) handleFinish() {
	if s.GetState() != StateStarted {
		return
	}
	s.setState(StateFinishing)

	if err := s.engine.Finish(); err != nil {
		s.terminalSent = true
		s.teardownWithTerminal(voiceplugin.Event{
			Kind: voiceplugin.EventError,
			Err:  voiceplugin.NewEventError(voiceplugin.ErrKindNetwork, "finish failed", err),
		}, false, false)
	}
	// Otherwise the backend's own complete/error, handled by
	// handleEngineEvent, drives teardown.
}

func (s *Session) handleCancel() {
	if s.GetState() != StateStarted {
		return
	}
	s.setState(StateCancelled)

	// Set before calling engine.Cancel so any backend terminal event that
	// races in afterward is dropped by handleEngineEvent's guard. The event
	// itself is held until teardown releases capture/engine resources
	// (spec.md invariant 4: capture resources are released before a
	// terminal event is published).
	s.terminalSent = true
	s.teardownWithTerminal(voiceplugin.Event{Kind: voiceplugin.EventComplete}, true, true)
}

func (s *Session) handleClose() {
	switch s.GetState() {
	case StateClosed, StateFinishing, StateCancelled:
		return // already closed, or teardown already in flight

	case StateStarted:
		s.setState(StateCancelled)
		if s.terminalSent {
			s.teardownAsync(true, true)
			return
		}
		s.terminalSent = true
		s.teardownWithTerminal(voiceplugin.Event{Kind: voiceplugin.EventComplete}, true, true)

	case StateInit:
		// Never started: nothing to cancel, no terminal event required,
		// just release the engine resources Init allocated.
		s.teardownAsync(false, false)
	}
}

func (s *Session) handleCaptureDisrupted(reason capture.DisruptReason, err error) {
	if s.GetState() != StateStarted {
		return
	}

	switch reason {
	case capture.DisruptFocusLost:
		s.setState(StateCancelled)
		if s.terminalSent {
			s.teardownAsync(true, false)
			return
		}
		s.terminalSent = true
		s.teardownWithTerminal(voiceplugin.Event{Kind: voiceplugin.EventComplete}, true, false)

	case capture.DisruptRecorderError:
		s.setState(StateFinishing)
		if s.terminalSent {
			s.teardownAsync(true, false)
			return
		}
		s.terminalSent = true
		s.teardownWithTerminal(voiceplugin.Event{
			Kind: voiceplugin.EventError,
			Err:  voiceplugin.NewEventError(voiceplugin.ErrKindMedia, "recorder error", err),
		}, true, false)
	}
}

func (s *Session) handleEngineEvent(ev voiceplugin.Event) {
	if s.terminalSent || s.GetState() == StateClosed {
		return
	}

	switch ev.Kind {
	case voiceplugin.EventFinalText:
		if s.backend == voiceplugin.BackendRecognition && s.silenceGate != nil {
			if s.silenceGate.Observe(ev.Text, silence.MonotonicMicros()) {
				s.setState(StateFinishing)
				s.terminalSent = true
				s.teardownWithTerminal(voiceplugin.Event{Kind: voiceplugin.EventComplete}, true, false)
				return
			}
		}
		s.publishEvent(ev)

	case voiceplugin.EventComplete:
		s.setState(StateFinishing)
		s.terminalSent = true
		s.teardownWithTerminal(ev, false, false)

	case voiceplugin.EventError:
		s.setState(StateFinishing)
		s.terminalSent = true
		_, errSpan := trace.InstrumentSessionError(context.Background(), s.id, string(s.backend), ev.Err)
		errSpan.End()
		s.teardownWithTerminal(ev, false, false)

	default: // start, partial-text, audio, stop
		s.publishEvent(ev)
	}
}

// teardownWithTerminal holds ev as the terminal event to publish once
// capture/engine teardown finishes, then starts teardown. Capture resources
// must be released before a terminal event reaches the listener (spec.md
// invariant 4), so the publish itself happens in handleTeardownComplete,
// not here.
func (s *Session) teardownWithTerminal(ev voiceplugin.Event, callEngine, useCancel bool) {
	s.pendingTerminal = &ev
	s.teardownAsync(callEngine, useCancel)
}

// teardownAsync runs capture teardown and engine teardown concurrently and,
// once both complete, enqueues cmdTeardownComplete back onto the engine
// loop. The two goroutines racing to finish and a WaitGroup joining them is
// the rendezvous: whichever finishes second unblocks Wait. The whole
// rendezvous runs under one span so a slow recorder close or engine uninit
// shows up as span duration.
func (s *Session) teardownAsync(callEngine, useCancel bool) {
	go func() {
		_ = trace.WithSpan(context.Background(), "session.teardown", func(ctx context.Context) error {
			var wg sync.WaitGroup
			var captureErr, engineErr error

			if s.capture != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					captureErr = s.capture.Close()
				}()
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				if callEngine {
					if useCancel {
						_ = s.engine.Cancel()
					} else {
						_ = s.engine.Finish()
					}
				}
				engineErr = s.engine.Uninit(true)
			}()

			wg.Wait()
			return errors.Join(captureErr, engineErr)
		})

		select {
		case s.engineQueue <- command{kind: cmdTeardownComplete}:
		default:
			// The engine queue is full; finish directly rather than
			// block this goroutine.
			s.handleTeardownComplete()
		}
	}()
}

func (s *Session) handleTeardownComplete() {
	s.setState(StateClosed)

	_, span := trace.InstrumentSessionClose(context.Background(), s.id, string(s.backend))

	// Capture and engine resources are fully released by the time teardownAsync
	// enqueues this command, so the terminal event is safe to publish only now.
	if s.pendingTerminal != nil {
		trace.AddEvent(span, "terminal_event_published", attribute.String(trace.AttrEventKind, string(s.pendingTerminal.Kind)))
		s.publishEvent(*s.pendingTerminal)
		s.pendingTerminal = nil
	}
	span.End()

	s.publishEvent(voiceplugin.Event{Kind: voiceplugin.EventClosed})

	s.mu.Lock()
	s.listener = nil
	s.hostLoop = nil
	s.mu.Unlock()
}

// newSessionID mirrors the teacher's "sess_" + uuid convention.
func newSessionID() string {
	return "sess_" + uuid.New().String()
}
