package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuttxapps/voicert/pkg/capture"
	"github.com/nuttxapps/voicert/pkg/voiceplugin"
)

// stubEngine is a hand-driven voiceplugin.Engine: tests call emit directly
// to simulate backend-originated events instead of running a real
// WebSocket round trip.
type stubEngine struct {
	mu   sync.Mutex
	sink voiceplugin.EventSink
	env  voiceplugin.Env

	startErr  error
	finishErr error

	finishCalls int
	cancelCalls int
	uninitCalls int
}

func (e *stubEngine) Init(ctx context.Context, p voiceplugin.Params) error { return nil }

func (e *stubEngine) SetEventSink(sink voiceplugin.EventSink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

func (e *stubEngine) emit(ev voiceplugin.Event) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (e *stubEngine) Start(ctx context.Context, hint voiceplugin.AudioHint) error {
	return e.startErr
}

func (e *stubEngine) WriteAudio(data []byte) error { return nil }

func (e *stubEngine) Finish() error {
	e.mu.Lock()
	e.finishCalls++
	e.mu.Unlock()
	return e.finishErr
}

func (e *stubEngine) Cancel() error {
	e.mu.Lock()
	e.cancelCalls++
	e.mu.Unlock()
	return nil
}

func (e *stubEngine) GetEnv() voiceplugin.Env { return e.env }

func (e *stubEngine) Uninit(sync bool) error {
	e.mu.Lock()
	e.uninitCalls++
	e.mu.Unlock()
	return nil
}

func registryFor(backend voiceplugin.Backend, eng voiceplugin.Engine) *voiceplugin.Registry {
	reg := voiceplugin.NewRegistry()
	reg.Register(backend, func(auth voiceplugin.Auth) (voiceplugin.Engine, error) { return eng, nil })
	return reg
}

func waitForState(t *testing.T, s *Session, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.GetState() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session never reached state %s, stuck at %s", want, s.GetState())
}

func expectEvent(t *testing.T, ch <-chan voiceplugin.Event, kind voiceplugin.EventKind) voiceplugin.Event {
	t.Helper()
	select {
	case ev := <-ch:
		require.Equal(t, kind, ev.Kind)
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event %s", kind)
		return voiceplugin.Event{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan voiceplugin.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("expected no further events, got %s", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

// blockingReader never returns from Read until closed, simulating an idle
// capture device whose pipe is torn down by the owner rather than by EOF.
type blockingReader struct {
	done chan struct{}
	once sync.Once
}

func newBlockingReader() *blockingReader { return &blockingReader{done: make(chan struct{})} }

func (r *blockingReader) Read(p []byte) (int, error) {
	<-r.done
	return 0, io.EOF
}

func (r *blockingReader) unblock() { r.once.Do(func() { close(r.done) }) }

type fakeFocusManager struct {
	suggestion string
	changes    chan string
	abandoned  chan capture.FocusHandle
}

func newFakeFocusManager(initial string) *fakeFocusManager {
	return &fakeFocusManager{
		suggestion: initial,
		changes:    make(chan string, 4),
		abandoned:  make(chan capture.FocusHandle, 1),
	}
}

func (f *fakeFocusManager) Request(scenario string) (string, capture.FocusHandle, <-chan string, error) {
	return f.suggestion, capture.FocusHandle(1), f.changes, nil
}

func (f *fakeFocusManager) Abandon(handle capture.FocusHandle) error {
	f.abandoned <- handle
	return nil
}

type fakeRecorder struct {
	reader io.Reader

	mu     sync.Mutex
	closed bool
}

func (r *fakeRecorder) Open(stream string) error                 { return nil }
func (r *fakeRecorder) Prepare(format string) (io.Reader, error) { return r.reader, nil }
func (r *fakeRecorder) Start() error                             { return nil }
func (r *fakeRecorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func TestSession_HappyPathRecognition(t *testing.T) {
	stub := &stubEngine{env: voiceplugin.Env{PreferredFormat: "s16le", ForceFormat: false}}
	registry := registryFor(voiceplugin.BackendRecognition, stub)

	sess, err := CreateWithAuth(voiceplugin.BackendRecognition, registry, Params{}, voiceplugin.Auth{AppID: "a", AppKey: "k"})
	require.NoError(t, err)

	events := make(chan voiceplugin.Event, 16)
	require.NoError(t, sess.SetListener(func(ev voiceplugin.Event) { events <- ev }))
	require.NoError(t, sess.Start(context.Background(), voiceplugin.AudioHint{}))
	waitForState(t, sess, StateStarted, time.Second)

	stub.emit(voiceplugin.Event{Kind: voiceplugin.EventStart, SessionID: "sess-1"})
	expectEvent(t, events, voiceplugin.EventStart)

	stub.emit(voiceplugin.Event{Kind: voiceplugin.EventPartialText, Text: "hel"})
	ev := expectEvent(t, events, voiceplugin.EventPartialText)
	assert.Equal(t, "hel", ev.Text)

	stub.emit(voiceplugin.Event{Kind: voiceplugin.EventFinalText, Text: "hello"})
	ev = expectEvent(t, events, voiceplugin.EventFinalText)
	assert.Equal(t, "hello", ev.Text)

	stub.emit(voiceplugin.Event{Kind: voiceplugin.EventComplete})
	expectEvent(t, events, voiceplugin.EventComplete)

	waitForState(t, sess, StateClosed, time.Second)
	expectEvent(t, events, voiceplugin.EventClosed)
	assertNoEvent(t, events)

	assert.Equal(t, 1, stub.uninitCalls)
}

func TestSession_CancelDuringStreamingSuppressesBackendTerminal(t *testing.T) {
	stub := &stubEngine{}
	registry := registryFor(voiceplugin.BackendRealtime, stub)

	sess, err := CreateWithAuth(voiceplugin.BackendRealtime, registry, Params{}, voiceplugin.Auth{AppID: "a", AppKey: "k"})
	require.NoError(t, err)

	events := make(chan voiceplugin.Event, 16)
	require.NoError(t, sess.SetListener(func(ev voiceplugin.Event) { events <- ev }))
	require.NoError(t, sess.Start(context.Background(), voiceplugin.AudioHint{}))
	waitForState(t, sess, StateStarted, time.Second)

	stub.emit(voiceplugin.Event{Kind: voiceplugin.EventStart})
	expectEvent(t, events, voiceplugin.EventStart)

	require.NoError(t, sess.Cancel())
	expectEvent(t, events, voiceplugin.EventComplete)

	// A backend terminal racing in after cancel must be dropped: exactly
	// one terminal event reaches the listener.
	stub.emit(voiceplugin.Event{Kind: voiceplugin.EventComplete})

	waitForState(t, sess, StateClosed, time.Second)
	expectEvent(t, events, voiceplugin.EventClosed)
	assertNoEvent(t, events)

	assert.Equal(t, 1, stub.cancelCalls)
	assert.Equal(t, 0, stub.finishCalls)
}

func TestSession_FocusPreemptionTearsDownAndEmitsComplete(t *testing.T) {
	stub := &stubEngine{}
	registry := registryFor(voiceplugin.BackendRecognition, stub)

	focus := newFakeFocusManager("play")
	reader := newBlockingReader()
	recorder := &fakeRecorder{reader: reader}

	sess, err := CreateWithAuth(voiceplugin.BackendRecognition, registry, Params{
		Focus:    focus,
		Recorder: recorder,
	}, voiceplugin.Auth{AppID: "a", AppKey: "k"})
	require.NoError(t, err)

	events := make(chan voiceplugin.Event, 16)
	require.NoError(t, sess.SetListener(func(ev voiceplugin.Event) { events <- ev }))
	require.NoError(t, sess.Start(context.Background(), voiceplugin.AudioHint{}))
	waitForState(t, sess, StateStarted, time.Second)

	stub.emit(voiceplugin.Event{Kind: voiceplugin.EventStart})
	expectEvent(t, events, voiceplugin.EventStart)

	focus.changes <- "music" // another app takes focus mid-session

	expectEvent(t, events, voiceplugin.EventComplete)
	waitForState(t, sess, StateClosed, time.Second)
	expectEvent(t, events, voiceplugin.EventClosed)

	reader.unblock() // let the now-orphaned pumpFrames goroutine exit

	select {
	case <-focus.abandoned:
	case <-time.After(time.Second):
		t.Fatal("focus was never abandoned")
	}
	recorder.mu.Lock()
	assert.True(t, recorder.closed)
	recorder.mu.Unlock()
}

func TestSession_FocusDeniedAtStartSurfacesMediaError(t *testing.T) {
	stub := &stubEngine{}
	registry := registryFor(voiceplugin.BackendRecognition, stub)

	focus := newFakeFocusManager("music") // denies immediately
	recorder := &fakeRecorder{reader: newBlockingReader()}

	sess, err := CreateWithAuth(voiceplugin.BackendRecognition, registry, Params{
		Focus:    focus,
		Recorder: recorder,
	}, voiceplugin.Auth{AppID: "a", AppKey: "k"})
	require.NoError(t, err)

	events := make(chan voiceplugin.Event, 16)
	require.NoError(t, sess.SetListener(func(ev voiceplugin.Event) { events <- ev }))
	require.NoError(t, sess.Start(context.Background(), voiceplugin.AudioHint{}))

	ev := expectEvent(t, events, voiceplugin.EventError)
	require.NotNil(t, ev.Err)
	assert.Equal(t, voiceplugin.ErrKindMedia, ev.Err.Kind)

	waitForState(t, sess, StateClosed, time.Second)
	expectEvent(t, events, voiceplugin.EventClosed)
}

func TestSession_AuthRejectionReturnsErrorFromCreate(t *testing.T) {
	registry := voiceplugin.NewRegistry()
	registry.Register(voiceplugin.BackendRecognition, func(auth voiceplugin.Auth) (voiceplugin.Engine, error) {
		if auth.AppKey == "" {
			return nil, voiceplugin.NewArgumentError(voiceplugin.ErrCodeInvalidAuth, "app_key required")
		}
		return &stubEngine{}, nil
	})

	sess, err := CreateWithAuth(voiceplugin.BackendRecognition, registry, Params{}, voiceplugin.Auth{AppID: "a"})
	assert.Error(t, err)
	assert.Nil(t, sess)
}

func TestSession_FinishWaitsForBackendTerminal(t *testing.T) {
	stub := &stubEngine{}
	registry := registryFor(voiceplugin.BackendRecognition, stub)

	sess, err := CreateWithAuth(voiceplugin.BackendRecognition, registry, Params{}, voiceplugin.Auth{AppID: "a", AppKey: "k"})
	require.NoError(t, err)

	events := make(chan voiceplugin.Event, 16)
	require.NoError(t, sess.SetListener(func(ev voiceplugin.Event) { events <- ev }))
	require.NoError(t, sess.Start(context.Background(), voiceplugin.AudioHint{}))
	waitForState(t, sess, StateStarted, time.Second)
	stub.emit(voiceplugin.Event{Kind: voiceplugin.EventStart})
	expectEvent(t, events, voiceplugin.EventStart)

	require.NoError(t, sess.Finish())
	waitForState(t, sess, StateFinishing, time.Second)
	assert.Equal(t, 1, stub.finishCalls)

	stub.emit(voiceplugin.Event{Kind: voiceplugin.EventFinalText, Text: "done"})
	expectEvent(t, events, voiceplugin.EventFinalText)
	stub.emit(voiceplugin.Event{Kind: voiceplugin.EventComplete})
	expectEvent(t, events, voiceplugin.EventComplete)

	waitForState(t, sess, StateClosed, time.Second)
	expectEvent(t, events, voiceplugin.EventClosed)
}

func TestSession_CloseWhileStartedTearsDownInsteadOfNoop(t *testing.T) {
	stub := &stubEngine{}
	registry := registryFor(voiceplugin.BackendRecognition, stub)

	sess, err := CreateWithAuth(voiceplugin.BackendRecognition, registry, Params{}, voiceplugin.Auth{AppID: "a", AppKey: "k"})
	require.NoError(t, err)

	events := make(chan voiceplugin.Event, 16)
	require.NoError(t, sess.SetListener(func(ev voiceplugin.Event) { events <- ev }))
	require.NoError(t, sess.Start(context.Background(), voiceplugin.AudioHint{}))
	waitForState(t, sess, StateStarted, time.Second)

	require.NoError(t, sess.Close())

	expectEvent(t, events, voiceplugin.EventComplete)
	waitForState(t, sess, StateClosed, time.Second)
	expectEvent(t, events, voiceplugin.EventClosed)
}

func TestSession_CloseBeforeStartReleasesEngineWithoutTerminalEvent(t *testing.T) {
	stub := &stubEngine{}
	registry := registryFor(voiceplugin.BackendRecognition, stub)

	sess, err := CreateWithAuth(voiceplugin.BackendRecognition, registry, Params{}, voiceplugin.Auth{AppID: "a", AppKey: "k"})
	require.NoError(t, err)

	events := make(chan voiceplugin.Event, 16)
	require.NoError(t, sess.SetListener(func(ev voiceplugin.Event) { events <- ev }))

	require.NoError(t, sess.Close())
	waitForState(t, sess, StateClosed, time.Second)
	expectEvent(t, events, voiceplugin.EventClosed)
	assertNoEvent(t, events)
	assert.Equal(t, 1, stub.uninitCalls)
}

func TestSession_StartIsNoopWhenAlreadyStarted(t *testing.T) {
	stub := &stubEngine{}
	registry := registryFor(voiceplugin.BackendRecognition, stub)

	sess, err := CreateWithAuth(voiceplugin.BackendRecognition, registry, Params{}, voiceplugin.Auth{AppID: "a", AppKey: "k"})
	require.NoError(t, err)

	require.NoError(t, sess.Start(context.Background(), voiceplugin.AudioHint{}))
	waitForState(t, sess, StateStarted, time.Second)
	require.NoError(t, sess.Start(context.Background(), voiceplugin.AudioHint{}))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateStarted, sess.GetState())
}

func TestSession_FinishIsNoopUnlessStarted(t *testing.T) {
	stub := &stubEngine{}
	registry := registryFor(voiceplugin.BackendRecognition, stub)

	sess, err := CreateWithAuth(voiceplugin.BackendRecognition, registry, Params{}, voiceplugin.Auth{AppID: "a", AppKey: "k"})
	require.NoError(t, err)

	require.NoError(t, sess.Finish())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateInit, sess.GetState())
	assert.Equal(t, 0, stub.finishCalls)
}

func TestSession_HostLoopDeliversOnPostedLoop(t *testing.T) {
	stub := &stubEngine{}
	registry := registryFor(voiceplugin.BackendRecognition, stub)

	host := NewChannelHostLoop(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go host.Run(ctx)

	sess, err := CreateWithAuth(voiceplugin.BackendRecognition, registry, Params{HostLoop: host}, voiceplugin.Auth{AppID: "a", AppKey: "k"})
	require.NoError(t, err)

	var mu sync.Mutex
	var received []voiceplugin.EventKind
	done := make(chan struct{})
	require.NoError(t, sess.SetListener(func(ev voiceplugin.Event) {
		mu.Lock()
		received = append(received, ev.Kind)
		mu.Unlock()
		if ev.Kind == voiceplugin.EventClosed {
			close(done)
		}
	}))

	require.NoError(t, sess.Start(context.Background(), voiceplugin.AudioHint{}))
	waitForState(t, sess, StateStarted, time.Second)
	stub.emit(voiceplugin.Event{Kind: voiceplugin.EventComplete})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for closed via host loop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []voiceplugin.EventKind{voiceplugin.EventComplete, voiceplugin.EventClosed}, received)
}

func TestSession_UnknownBackendErrors(t *testing.T) {
	registry := voiceplugin.NewRegistry()
	sess, err := CreateWithAuth(voiceplugin.Backend("nonexistent"), registry, Params{}, voiceplugin.Auth{AppID: "a", AppKey: "k"})
	assert.Nil(t, sess)
	assert.True(t, errors.As(err, new(*voiceplugin.Error)))
}
