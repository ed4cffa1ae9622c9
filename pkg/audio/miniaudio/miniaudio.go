// Package miniaudio adapts malgo (miniaudio) devices to the capture and
// playback interfaces the client consumes.
//
// Capture opens the device at its native rate and delivers mono float32
// blocks on the device's callback goroutine; decimation to the transport
// rate happens downstream. Playback is pull-based: the device callback asks
// a render function to fill each block, so scheduling stays in the
// playback package and the adapter only moves bytes.
package miniaudio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// Sentinel errors for device acquisition. Callers classify them into the
// client error taxonomy with errors.Is.
var (
	// ErrNoDevice means no usable device of the requested kind exists.
	ErrNoDevice = errors.New("miniaudio: no device")

	// ErrAccessDenied means the OS refused access to the device.
	ErrAccessDenied = errors.New("miniaudio: access denied")
)

// classify wraps a malgo init error with the matching sentinel where the
// underlying miniaudio result is recognisable from its message.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"):
		return fmt.Errorf("%s: %w: %v", op, ErrAccessDenied, err)
	case strings.Contains(msg, "no device"), strings.Contains(msg, "device type not supported"):
		return fmt.Errorf("%s: %w: %v", op, ErrNoDevice, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// Engine owns the shared miniaudio context. One Engine serves any number of
// streams; Close after all streams are stopped.
type Engine struct {
	ctx *malgo.AllocatedContext
}

// NewEngine initialises the miniaudio backend with realtime thread priority.
func NewEngine() (*Engine, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, classify("miniaudio: init context", err)
	}
	return &Engine{ctx: ctx}, nil
}

// Close tears down the backend context.
func (e *Engine) Close() error {
	if err := e.ctx.Uninit(); err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	e.ctx.Free()
	return nil
}

// CaptureStream is a mono float32 microphone stream. It satisfies the
// capture pipeline's Device interface.
type CaptureStream struct {
	device *malgo.Device
	rate   int

	mu      sync.Mutex
	dataCB  func([]float32)
	onStop  func()
	started bool
	stopped bool
}

// OpenCapture initialises a mono capture device. requestedRate of 0 lets the
// backend pick the device's native rate; the effective rate is reported by
// [CaptureStream.SampleRate]. onStop, if non-nil, fires once when the device
// halts outside of Stop (unplugged, claimed by another process).
func (e *Engine) OpenCapture(requestedRate int, onStop func()) (*CaptureStream, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(requestedRate)
	cfg.PeriodSizeInMilliseconds = 20

	s := &CaptureStream{onStop: onStop}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			s.mu.Lock()
			cb := s.dataCB
			s.mu.Unlock()
			if cb != nil {
				cb(f32BytesToSamples(input, int(frameCount)))
			}
		},
		Stop: func() {
			s.mu.Lock()
			fire := s.started && !s.stopped
			cb := s.onStop
			s.mu.Unlock()
			if fire && cb != nil {
				cb()
			}
		},
	}

	device, err := malgo.InitDevice(e.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, classify("miniaudio: open capture device", err)
	}
	s.device = device
	s.rate = int(device.SampleRate())
	return s, nil
}

// Start begins capture, invoking onSamples with each device block.
func (s *CaptureStream) Start(onSamples func(samples []float32)) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("miniaudio: capture already started")
	}
	s.dataCB = onSamples
	s.started = true
	s.mu.Unlock()

	if err := s.device.Start(); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return classify("miniaudio: start capture", err)
	}
	return nil
}

// SampleRate reports the device's effective capture rate in Hz.
func (s *CaptureStream) SampleRate() int { return s.rate }

// Stop halts capture and releases the device. Idempotent.
func (s *CaptureStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	err := s.device.Stop()
	s.device.Uninit()
	if err != nil {
		return fmt.Errorf("miniaudio: stop capture: %w", err)
	}
	return nil
}

// PlaybackStream is a mono float32 speaker stream driven by a pull callback.
type PlaybackStream struct {
	device *malgo.Device
	rate   int

	mu      sync.Mutex
	render  func(out []float32)
	started bool
	stopped bool
}

// OpenPlayback initialises a mono playback device at the given rate. render
// must fill out with the next block of samples, writing zeros when nothing
// is scheduled; it runs on the device's audio goroutine.
func (e *Engine) OpenPlayback(sampleRate int, render func(out []float32)) (*PlaybackStream, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("miniaudio: playback sample rate must be positive, got %d", sampleRate)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	s := &PlaybackStream{render: render, rate: sampleRate}

	buf := make([]float32, 0)
	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			n := int(frameCount)
			if cap(buf) < n {
				buf = make([]float32, n)
			}
			block := buf[:n]
			s.render(block)
			samplesToF32Bytes(block, output)
		},
	}

	device, err := malgo.InitDevice(e.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, classify("miniaudio: open playback device", err)
	}
	s.device = device
	return s, nil
}

// Start begins pulling audio from the render callback.
func (s *PlaybackStream) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("miniaudio: playback already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.device.Start(); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return classify("miniaudio: start playback", err)
	}
	return nil
}

// SampleRate reports the stream's playback rate in Hz.
func (s *PlaybackStream) SampleRate() int { return s.rate }

// Stop halts playback and releases the device. Idempotent.
func (s *PlaybackStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	err := s.device.Stop()
	s.device.Uninit()
	if err != nil {
		return fmt.Errorf("miniaudio: stop playback: %w", err)
	}
	return nil
}

// f32BytesToSamples reinterprets a little-endian float32 byte block as
// samples. The returned slice is freshly allocated; device buffers are
// reused between callbacks.
func f32BytesToSamples(data []byte, frameCount int) []float32 {
	n := frameCount
	if avail := len(data) / 4; n > avail {
		n = avail
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples
}

// samplesToF32Bytes serialises samples into out as little-endian float32.
func samplesToF32Bytes(samples []float32, out []byte) {
	for i, s := range samples {
		if (i+1)*4 > len(out) {
			return
		}
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
}
