package capture

import (
	"fmt"
	"io"
	"sync"

	"github.com/gen2brain/malgo"
)

// MalgoRecorder is the default Recorder implementation for hosts that don't
// supply their own capture device binding. It opens the real platform
// capture device via gen2brain/malgo.
type MalgoRecorder struct {
	sampleRate uint32
	channels   uint32

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	pipeR   *io.PipeReader
	pipeW   *io.PipeWriter
	stream  string
}

// NewMalgoRecorder constructs a recorder for the given sample rate and
// channel count. Format negotiation happens in Prepare; sampleRate and
// channels here describe the physical device configuration.
func NewMalgoRecorder(sampleRate, channels uint32) *MalgoRecorder {
	return &MalgoRecorder{sampleRate: sampleRate, channels: channels}
}

// Open initializes the malgo context for the named stream.
func (r *MalgoRecorder) Open(stream string) error {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {})
	if err != nil {
		return fmt.Errorf("capture: malgo init context: %w", err)
	}
	r.mu.Lock()
	r.ctx = ctx
	r.stream = stream
	r.mu.Unlock()
	return nil
}

// Prepare configures the capture device and returns the reader end of the
// PCM pipe. format is accepted for interface symmetry; MalgoRecorder always
// captures s16le using the sample rate/channels given to NewMalgoRecorder.
func (r *MalgoRecorder) Prepare(format string) (io.Reader, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = r.channels
	deviceConfig.SampleRate = r.sampleRate

	pr, pw := io.Pipe()

	r.mu.Lock()
	r.pipeR = pr
	r.pipeW = pw
	ctx := r.ctx
	r.mu.Unlock()

	onRecvFrames := func(_ []byte, samples []byte, _ uint32) {
		if len(samples) == 0 {
			return
		}
		// A blocked host Read (or a closed pipe during teardown) must not
		// wedge the malgo callback thread; Write on a closed pipe returns
		// an error we simply drop.
		_, _ = pw.Write(samples)
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
	})
	if err != nil {
		return nil, fmt.Errorf("capture: malgo init device: %w", err)
	}

	r.mu.Lock()
	r.device = device
	r.mu.Unlock()

	return pr, nil
}

// Start begins the capture device.
func (r *MalgoRecorder) Start() error {
	r.mu.Lock()
	device := r.device
	r.mu.Unlock()

	if device == nil {
		return fmt.Errorf("capture: Start called before Prepare")
	}
	if err := device.Start(); err != nil {
		return fmt.Errorf("capture: malgo device start: %w", err)
	}
	return nil
}

// Close tears down the device, pipe and context. Idempotent.
func (r *MalgoRecorder) Close() error {
	r.mu.Lock()
	device, ctx, pw, pr := r.device, r.ctx, r.pipeW, r.pipeR
	r.device, r.ctx, r.pipeW, r.pipeR = nil, nil, nil, nil
	r.mu.Unlock()

	if device != nil {
		device.Uninit()
	}
	if pw != nil {
		_ = pw.Close()
	}
	if pr != nil {
		_ = pr.Close()
	}
	if ctx != nil {
		_ = ctx.Uninit()
		ctx.Free()
	}
	return nil
}
