// Package capture bridges the hardware audio callback to the VAD gate and
// the session transport.
//
// The per-frame hot path runs on the device's audio callback goroutine and
// must complete within the frame's real-time budget: mute gate, decimation to
// the transport rate, RMS measurement, and the VAD gate decision all happen
// inline, while the actual network send is handed to a buffered queue drained
// by a dedicated sender goroutine — the callback never blocks on I/O.
//
// Ownership: the device callback is the only writer to the VAD gate and the
// pre-roll ring. A small mutex serialises those against [Pipeline.ResetVAD],
// which the client's dispatch goroutine calls on interruption.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/attune-voice/attune/internal/observe"
	"github.com/attune-voice/attune/pkg/audio"
	"github.com/attune-voice/attune/pkg/vad"
)

// Device is the capture hardware abstraction the pipeline consumes. The
// miniaudio adapter implements it; tests supply fakes.
type Device interface {
	// Start begins capture and invokes onSamples with blocks of mono float32
	// PCM at SampleRate. Block sizes are device-determined; the pipeline
	// re-chunks them into its own frame size.
	Start(onSamples func(samples []float32)) error

	// SampleRate reports the device's capture rate in Hz. Valid after open.
	SampleRate() int

	// Stop halts capture. Idempotent. No onSamples calls occur after Stop
	// returns.
	Stop() error
}

// Sender is the outbound half of the transport the pipeline feeds.
// transport.Session satisfies it.
type Sender interface {
	SendAudio(chunk []byte, sampleRate int) error
}

// Config holds the capture pipeline tuning parameters. All values are fixed
// for the session's lifetime.
type Config struct {
	// TargetSampleRate is the outbound transport rate in Hz. Default 16000.
	TargetSampleRate int

	// FrameDuration is the approximate per-frame span; the actual frame size
	// is the next power of two of samples at the device rate, so higher
	// native rates get proportionally larger frames. Default 128 ms.
	FrameDuration time.Duration

	// SilenceThreshold is the VAD energy threshold. Default 0.02.
	SilenceThreshold float64

	// HangoverFrames is the VAD hangover limit. Default 8.
	HangoverFrames int

	// PreRoll is the look-back span retained before speech onset. Default 250 ms.
	PreRoll time.Duration
}

// withDefaults returns cfg with zero fields replaced by documented defaults.
func (c Config) withDefaults() Config {
	if c.TargetSampleRate == 0 {
		c.TargetSampleRate = 16000
	}
	if c.FrameDuration == 0 {
		c.FrameDuration = 128 * time.Millisecond
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = 0.02
	}
	if c.HangoverFrames == 0 {
		c.HangoverFrames = 8
	}
	if c.PreRoll == 0 {
		c.PreRoll = 250 * time.Millisecond
	}
	return c
}

// Option is a functional option for configuring a [Pipeline].
type Option func(*Pipeline)

// WithMetrics attaches metric instruments. Without it the pipeline runs
// unless instrumented.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// bgCtx is passed to metric instruments on the hot path; instrument Add
// calls do not block on it.
var bgCtx = context.Background()

// sendQueueCap bounds the outbound chunk queue. At 128 ms frames this is
// several seconds of audio; a transport that falls this far behind is dead
// and dropping is the right call.
const sendQueueCap = 64

type outChunk struct {
	pcm        []byte
	sampleRate int
}

// Pipeline owns one capture session: the device, the VAD gate with its
// pre-roll ring, the mute flag, and the sender goroutine.
//
// Start and Stop are safe for concurrent use; Stop is idempotent.
type Pipeline struct {
	device  Device
	sink    Sender
	cfg     Config
	metrics *observe.Metrics

	frameSize int // samples per frame at the device rate
	buf       []float32

	gateMu sync.Mutex
	gate   *vad.Gate

	muted atomic.Bool
	level atomic.Uint64 // math.Float64bits of the last frame's RMS

	sendCh chan outChunk

	mu       sync.Mutex
	started  bool
	stopped  bool
	senderWG sync.WaitGroup
}

// New creates a pipeline over device that forwards gated audio to sink.
// The device must already be open; Start begins the flow.
func New(device Device, sink Sender, cfg Config, opts ...Option) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	if device == nil {
		return nil, fmt.Errorf("capture: device must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("capture: sink must not be nil")
	}
	if cfg.TargetSampleRate <= 0 {
		return nil, fmt.Errorf("capture: target sample rate must be positive, got %d", cfg.TargetSampleRate)
	}

	p := &Pipeline{
		device: device,
		sink:   sink,
		cfg:    cfg,
		sendCh: make(chan outChunk, sendQueueCap),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// frameSizeFor returns the capture frame size in samples for the given device
// rate: the smallest power of two covering cfg.FrameDuration. Higher native
// rates get larger frames, keeping the per-callback span roughly constant.
func frameSizeFor(rate int, frameDur time.Duration) int {
	want := int(float64(rate) * frameDur.Seconds())
	size := 256
	for size < want {
		size <<= 1
	}
	return size
}

// Start sizes the frame for the device's native rate, builds the VAD gate,
// launches the sender goroutine, and begins capture. The pre-roll capacity is
// derived from the effective frame duration so the configured span is always
// covered.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("capture: already started")
	}

	rate := p.device.SampleRate()
	if rate <= 0 {
		return fmt.Errorf("capture: device reports invalid sample rate %d", rate)
	}
	p.frameSize = frameSizeFor(rate, p.cfg.FrameDuration)
	frameDur := time.Duration(p.frameSize) * time.Second / time.Duration(rate)

	gate, err := vad.NewGate(vad.Config{
		SilenceThreshold: p.cfg.SilenceThreshold,
		HangoverFrames:   p.cfg.HangoverFrames,
		PreRollFrames:    audio.FramesForDuration(p.cfg.PreRoll, frameDur),
	})
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	p.gateMu.Lock()
	p.gate = gate
	p.gateMu.Unlock()

	p.senderWG.Add(1)
	go p.senderLoop()

	if err := p.device.Start(p.onSamples); err != nil {
		close(p.sendCh)
		p.senderWG.Wait()
		return fmt.Errorf("capture: start device: %w", err)
	}

	p.started = true
	slog.Info("capture started",
		"device_rate", rate,
		"frame_size", p.frameSize,
		"frame_ms", frameDur.Milliseconds(),
		"target_rate", p.cfg.TargetSampleRate,
	)
	return nil
}

// onSamples is the device callback. It re-chunks device blocks into frames
// and runs each through the gate chain.
func (p *Pipeline) onSamples(samples []float32) {
	p.buf = append(p.buf, samples...)
	for len(p.buf) >= p.frameSize {
		p.processFrame(p.buf[:p.frameSize])
		p.buf = append(p.buf[:0], p.buf[p.frameSize:]...)
	}
}

// processFrame runs the gate chain for one frame: mute gate, decimation,
// RMS, VAD, dispatch.
func (p *Pipeline) processFrame(samples []float32) {
	// Hard gate: muted frames are dropped before any analysis so no audio
	// can reach the network while muted.
	if p.muted.Load() {
		p.level.Store(0)
		return
	}

	frame := audio.Frame{Samples: samples, SampleRate: p.device.SampleRate()}
	frame, err := audio.DownsampleFrame(frame, p.cfg.TargetSampleRate)
	if err != nil {
		slog.Warn("capture: resample failed, dropping frame", "err", err)
		return
	}

	energy := audio.RMS(frame.Samples)
	p.level.Store(math.Float64bits(energy))

	p.gateMu.Lock()
	out, ev := p.gate.Process(frame, energy)
	p.gateMu.Unlock()

	if p.metrics != nil {
		p.metrics.FramesCaptured.Add(bgCtx, 1)
		if ev == vad.EventSpeechStart {
			p.metrics.PreRollFlushes.Add(bgCtx, 1)
		}
	}

	for _, f := range out {
		p.dispatch(f)
	}
}

// dispatch hands one forwardable frame to the send queue. Never blocks: if
// the queue is full the chunk is dropped and counted.
func (p *Pipeline) dispatch(f audio.Frame) {
	chunk := outChunk{pcm: audio.EncodePCM16(f.Samples), sampleRate: f.SampleRate}
	select {
	case p.sendCh <- chunk:
		if p.metrics != nil {
			p.metrics.FramesForwarded.Add(bgCtx, 1)
		}
	default:
		if p.metrics != nil {
			p.metrics.SendDrops.Add(bgCtx, 1)
		}
		slog.Debug("capture: send queue full, dropping chunk", "bytes", len(chunk.pcm))
	}
}

// senderLoop drains the send queue into the transport. Send errors are
// logged and counted, never propagated — the transport's own event stream
// reports fatal failures.
func (p *Pipeline) senderLoop() {
	defer p.senderWG.Done()
	for c := range p.sendCh {
		start := time.Now()
		if err := p.sink.SendAudio(c.pcm, c.sampleRate); err != nil {
			slog.Warn("capture: send audio failed", "err", err)
			continue
		}
		if p.metrics != nil {
			p.metrics.SendDuration.Record(bgCtx, time.Since(start).Seconds())
		}
	}
}

// SetMuted toggles the hard mute gate. Synchronous and idempotent; takes
// effect on the next frame.
func (p *Pipeline) SetMuted(muted bool) {
	p.muted.Store(muted)
}

// Muted reports the current mute state.
func (p *Pipeline) Muted() bool {
	return p.muted.Load()
}

// InputLevel returns the RMS energy of the most recently analysed frame,
// zero while muted or stopped. Used by the volume meter.
func (p *Pipeline) InputLevel() float64 {
	return math.Float64frombits(p.level.Load())
}

// ResetVAD returns the gate to Silent and discards the pre-roll ring. Called
// on interruption, when buffered audio belongs to an obsolete utterance.
func (p *Pipeline) ResetVAD() {
	p.gateMu.Lock()
	defer p.gateMu.Unlock()
	if p.gate != nil {
		p.gate.Reset()
	}
}

// Stop halts the device, drains the sender goroutine, and clears VAD and
// pre-roll state. Idempotent: calling Stop on a stopped (or never started)
// pipeline is a no-op.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true

	// Stop the device first: after this no callback runs and the send
	// queue can be closed safely.
	err := p.device.Stop()

	close(p.sendCh)
	p.senderWG.Wait()

	p.ResetVAD()
	p.level.Store(0)
	p.buf = nil

	if err != nil {
		return fmt.Errorf("capture: stop device: %w", err)
	}
	return nil
}
