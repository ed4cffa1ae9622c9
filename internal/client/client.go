// Package client is the control surface of the Attune voice client. It wires
// the capture pipeline, the session transport, the playback scheduler, and
// the transcript accumulator into one full-duplex conversation.
//
// Goroutine ownership is strict: the device callback goroutine is the single
// writer to VAD and pre-roll state, and one dispatch goroutine per session is
// the single writer to playback and transcript state. Everything else talks
// to those two through atomics or the structures' own locks.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/attune-voice/attune/internal/capture"
	"github.com/attune-voice/attune/internal/meter"
	"github.com/attune-voice/attune/internal/observe"
	"github.com/attune-voice/attune/internal/playback"
	"github.com/attune-voice/attune/internal/transcript"
	"github.com/attune-voice/attune/pkg/transport"
)

// PlaybackDevice is the output half of the hardware abstraction. The
// miniaudio adapter satisfies it.
type PlaybackDevice interface {
	Start() error
	Stop() error
}

// Devices acquires audio hardware for a session. The production
// implementation wraps the miniaudio engine; tests supply fakes.
//
// Acquisition errors should be pre-classified into the package taxonomy
// (*PermissionError, *HardwareError) where the implementation can tell;
// anything else is treated as a hardware failure.
type Devices interface {
	// OpenCapture acquires the microphone. onStop fires if the device halts
	// outside of an explicit Stop.
	OpenCapture(onStop func()) (capture.Device, error)

	// OpenPlayback acquires the speaker at sampleRate, pulling blocks
	// through render.
	OpenPlayback(sampleRate int, render func(out []float32)) (PlaybackDevice, error)
}

// ToolHandler executes a tool call requested by the model and returns its
// result as a JSON document or plain text.
type ToolHandler interface {
	Handle(ctx context.Context, call transport.ToolCall) (string, error)
}

// Config assembles a client's collaborators and callbacks. Dialer and
// Devices are required; callbacks are optional.
type Config struct {
	Dialer  transport.Dialer
	Devices Devices
	Session transport.SessionConfig
	Capture capture.Config

	// Lead is the playback scheduling lead; zero means playback.DefaultLead.
	Lead time.Duration

	// MeterInterval is the level telemetry period; zero means meter.DefaultInterval.
	MeterInterval time.Duration

	// Tools executes model tool calls; nil rejects them.
	Tools ToolHandler

	// OnTurn receives each finalized transcript turn.
	OnTurn func(transcript.Turn)

	// OnLevels receives periodic input/output level pairs.
	OnLevels func(input, output float64)

	// OnError receives asynchronous failures: mid-session transport drops,
	// device loss, non-fatal provider errors. Never called synchronously
	// from Connect.
	OnError func(error)

	Metrics *observe.Metrics
}

// Client is one voice conversation. Create with New, start with Connect,
// end with Disconnect. A Client is not reusable after Disconnect.
type Client struct {
	cfg Config

	mu        sync.Mutex
	connected bool
	closing   bool
	startedAt time.Time

	session  transport.Session
	pipeline *capture.Pipeline
	sched    *playback.Scheduler
	decoder  playback.Decoder
	speaker  PlaybackDevice
	levels   *meter.Meter
	turns    *transcript.TurnAccumulator

	dispatchWG sync.WaitGroup
	toolWG     sync.WaitGroup
	toolCtx    context.Context
	toolStop   context.CancelFunc
}

// New validates cfg and returns an unconnected client.
func New(cfg Config) (*Client, error) {
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("client: dialer must not be nil")
	}
	if cfg.Devices == nil {
		return nil, fmt.Errorf("client: devices must not be nil")
	}
	return &Client{cfg: cfg, turns: transcript.NewTurnAccumulator()}, nil
}

// Connect acquires the microphone, dials the provider, and starts the
// capture, playback, and telemetry machinery. On any failure everything
// already acquired is torn down before the error returns, classified as
// *PermissionError, *HardwareError, or *TransportError.
//
// ctx governs the connection attempt only.
func (c *Client) Connect(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return fmt.Errorf("client: already connected")
	}
	if c.closing {
		return fmt.Errorf("client: client is closed")
	}

	defer func() {
		if err != nil {
			c.teardownLocked()
		}
	}()

	mic, err := c.cfg.Devices.OpenCapture(c.onDeviceLost)
	if err != nil {
		return classifyDeviceErr("capture", err)
	}

	session, err := c.cfg.Dialer.Dial(ctx, c.cfg.Session)
	if err != nil {
		mic.Stop()
		return &TransportError{Err: err}
	}
	c.session = session

	format := session.OutputFormat()
	decoder, err := playback.NewDecoder(format)
	if err != nil {
		mic.Stop()
		return &TransportError{Err: err}
	}
	c.decoder = decoder

	schedOpts := []playback.Option{}
	if c.cfg.Lead > 0 {
		schedOpts = append(schedOpts, playback.WithLead(c.cfg.Lead))
	}
	if c.cfg.Metrics != nil {
		schedOpts = append(schedOpts, playback.WithMetrics(c.cfg.Metrics))
	}
	c.sched = playback.NewScheduler(format.SampleRate, schedOpts...)

	speaker, err := c.cfg.Devices.OpenPlayback(format.SampleRate, c.sched.Render)
	if err != nil {
		mic.Stop()
		return classifyDeviceErr("playback", err)
	}
	c.speaker = speaker
	if err := speaker.Start(); err != nil {
		mic.Stop()
		return classifyDeviceErr("playback", err)
	}

	capOpts := []capture.Option{}
	if c.cfg.Metrics != nil {
		capOpts = append(capOpts, capture.WithMetrics(c.cfg.Metrics))
	}
	pipeline, err := capture.New(mic, session, c.cfg.Capture, capOpts...)
	if err != nil {
		mic.Stop()
		return &HardwareError{Device: "capture", Err: err}
	}
	c.pipeline = pipeline
	if err := pipeline.Start(); err != nil {
		// The pipeline never owned a running device; release it directly.
		mic.Stop()
		return classifyDeviceErr("capture", err)
	}

	c.levels = meter.New(c.cfg.MeterInterval, pipeline.InputLevel, c.sched.OutputLevel, c.cfg.OnLevels)
	c.levels.Start()

	c.toolCtx, c.toolStop = context.WithCancel(context.Background())
	c.dispatchWG.Add(1)
	go c.dispatch(session.Events())

	c.connected = true
	c.startedAt = time.Now()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	}
	slog.Info("session connected", "output_codec", format.Codec, "output_rate", format.SampleRate)
	return nil
}

// classifyDeviceErr maps a device acquisition or start error into the
// package taxonomy, preserving pre-classified errors from the provider.
func classifyDeviceErr(device string, err error) error {
	var perm *PermissionError
	var hw *HardwareError
	if errors.As(err, &perm) || errors.As(err, &hw) {
		return err
	}
	return &HardwareError{Device: device, Err: err}
}

// dispatch is the session's event loop and the single writer to playback
// and transcript state. It runs until the transport delivers KindClosed.
func (c *Client) dispatch(events <-chan transport.Event) {
	defer c.dispatchWG.Done()

	for ev := range events {
		switch ev.Kind {
		case transport.KindAudio:
			c.handleAudio(ev.Audio)

		case transport.KindPartialTranscript:
			c.turns.Append(ev.Speaker, ev.Text)

		case transport.KindTurnComplete:
			for _, turn := range c.turns.Finalize() {
				if c.cfg.OnTurn != nil {
					c.cfg.OnTurn(turn)
				}
			}

		case transport.KindInterrupted:
			c.sched.Interrupt()
			c.turns.ClearAssistant()
			c.pipeline.ResetVAD()

		case transport.KindToolCall:
			c.handleToolCall(ev.Tool)

		case transport.KindError:
			slog.Warn("provider error", "err", ev.Err)
			c.report(ev.Err)

		case transport.KindClosed:
			c.onClosed(ev.Err)
			return
		}
	}
}

func (c *Client) handleAudio(chunk []byte) {
	samples, err := c.decoder.Decode(chunk)
	if err != nil {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.DecodeErrors.Add(context.Background(), 1)
		}
		slog.Warn("dropping undecodable audio chunk", "bytes", len(chunk), "err", err)
		c.report(&DecodeError{Err: err})
		return
	}
	c.sched.Schedule(samples)
}

// handleToolCall runs the tool off the dispatch goroutine so a slow tool
// cannot stall audio handling, and injects the result back into the session.
func (c *Client) handleToolCall(call transport.ToolCall) {
	session := c.session
	c.toolWG.Add(1)
	go func() {
		defer c.toolWG.Done()

		var result string
		var err error
		if c.cfg.Tools == nil {
			err = fmt.Errorf("client: no tool handler registered for %q", call.Name)
		} else {
			result, err = c.cfg.Tools.Handle(c.toolCtx, call)
		}
		if err != nil {
			slog.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "err", err)
			result = fmt.Sprintf(`{"error":%q}`, err.Error())
		}
		if err := session.SendToolResult(call.ID, call.Name, result); err != nil {
			slog.Warn("send tool result failed", "tool", call.Name, "err", err)
		}
	}()
}

// onClosed handles the terminal transport event. When the closure was not
// initiated by Disconnect it is a mid-session drop: tear down asynchronously
// and notify the host.
func (c *Client) onClosed(cause error) {
	c.mu.Lock()
	initiated := c.closing
	c.mu.Unlock()
	if initiated {
		return
	}

	slog.Warn("session dropped", "cause", cause)
	c.report(&TransportError{Err: cause})
	go c.Disconnect()
}

// onDeviceLost fires from the device adapter when capture halts outside of
// Stop: unplugged hardware, device claimed elsewhere.
func (c *Client) onDeviceLost() {
	c.mu.Lock()
	initiated := c.closing
	c.mu.Unlock()
	if initiated {
		return
	}

	slog.Warn("capture device lost")
	c.report(&HardwareError{Device: "capture", Err: errors.New("device stopped unexpectedly")})
	go c.Disconnect()
}

func (c *Client) report(err error) {
	if err == nil || c.cfg.OnError == nil {
		return
	}
	c.cfg.OnError(err)
}

// SetMuted toggles the capture hard mute. Safe any time after Connect.
func (c *Client) SetMuted(muted bool) {
	c.mu.Lock()
	p := c.pipeline
	c.mu.Unlock()
	if p != nil {
		p.SetMuted(muted)
	}
}

// Muted reports the capture mute state.
func (c *Client) Muted() bool {
	c.mu.Lock()
	p := c.pipeline
	c.mu.Unlock()
	return p != nil && p.Muted()
}

// SetOutputVolume sets playback gain, clamped to [0, 1]. Volume zero mutes
// output without disturbing the playback schedule.
func (c *Client) SetOutputVolume(volume float64) {
	c.mu.Lock()
	s := c.sched
	c.mu.Unlock()
	if s != nil {
		s.SetGain(volume)
	}
}

// SendText injects a text message into the conversation.
func (c *Client) SendText(role, text string) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return fmt.Errorf("client: not connected")
	}
	return session.SendText(role, text)
}

// Disconnect ends the session and releases every resource. Idempotent;
// concurrent and repeated calls are safe. The first call wins; later calls
// return nil immediately.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	wasConnected := c.connected
	c.connected = false
	startedAt := c.startedAt
	session := c.session
	c.mu.Unlock()

	var errs []error

	// Stop capture first so no audio is sent into a closing session.
	if c.pipeline != nil {
		if err := c.pipeline.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.levels != nil {
		c.levels.Stop()
	}
	if c.toolStop != nil {
		c.toolStop()
	}

	if session != nil {
		if err := session.Close(); err != nil {
			errs = append(errs, err)
		}
		c.dispatchWG.Wait()
	}
	c.toolWG.Wait()

	if c.sched != nil {
		c.sched.Interrupt()
	}
	if c.speaker != nil {
		if err := c.speaker.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if wasConnected {
		if c.cfg.Metrics != nil {
			ctx := context.Background()
			c.cfg.Metrics.ActiveSessions.Add(ctx, -1)
			c.cfg.Metrics.SessionDuration.Record(ctx, time.Since(startedAt).Seconds())
		}
		slog.Info("session disconnected", "duration", time.Since(startedAt).Round(time.Millisecond))
	}
	return errors.Join(errs...)
}

// teardownLocked releases partially acquired resources after a failed
// Connect. Caller holds c.mu.
func (c *Client) teardownLocked() {
	if c.levels != nil {
		c.levels.Stop()
		c.levels = nil
	}
	if c.pipeline != nil {
		c.pipeline.Stop()
		c.pipeline = nil
	}
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	if c.speaker != nil {
		c.speaker.Stop()
		c.speaker = nil
	}
	c.sched = nil
	c.decoder = nil
}
