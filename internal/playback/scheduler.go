// Package playback schedules decoded assistant audio for gapless output and
// implements barge-in interruption.
//
// Chunks arrive from the network in bursts but must play back contiguously.
// The [Scheduler] assigns each chunk an absolute start time on a shared
// clock: the end of the previously scheduled chunk when that is still in the
// future, otherwise a short lead from now. A pull-based [Scheduler.Render]
// feeds the device callback from the scheduled set; [Scheduler.Interrupt]
// discards the set wholesale so stale speech can never resume after a
// barge-in.
package playback

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/attune-voice/attune/internal/observe"
	"github.com/attune-voice/attune/pkg/audio"
)

// DefaultLead is the scheduling offset applied when the playback clock has
// lapsed: far enough ahead that the device callback fires before the start
// time, short enough to stay imperceptible.
const DefaultLead = 50 * time.Millisecond

var bgCtx = context.Background()

// buffer is one scheduled chunk with its absolute start time and a cursor
// over samples already rendered.
type buffer struct {
	samples []float32
	start   time.Time
	pos     int
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithClock substitutes the time source. Tests use this to make scheduling
// deterministic.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithLead overrides [DefaultLead].
func WithLead(lead time.Duration) Option {
	return func(s *Scheduler) { s.lead = lead }
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler owns the set of scheduled buffers and the playback clock.
// Schedule and Interrupt run on the dispatch goroutine; Render runs on the
// device callback goroutine.
type Scheduler struct {
	sampleRate int
	lead       time.Duration
	clock      func() time.Time
	metrics    *observe.Metrics

	mu        sync.Mutex
	queue     []*buffer
	nextStart time.Time
	cursor    time.Time

	gain  atomic.Uint64 // math.Float64bits, [0,1]
	level atomic.Uint64 // math.Float64bits of last rendered block RMS
}

// NewScheduler creates a scheduler producing mono audio at sampleRate.
// Gain starts at 1.
func NewScheduler(sampleRate int, opts ...Option) *Scheduler {
	s := &Scheduler{
		sampleRate: sampleRate,
		lead:       DefaultLead,
		clock:      time.Now,
	}
	s.gain.Store(math.Float64bits(1))
	for _, o := range opts {
		o(s)
	}
	return s
}

// SampleRate reports the scheduler's output rate in Hz.
func (s *Scheduler) SampleRate() int { return s.sampleRate }

// Schedule enqueues one decoded chunk. Its start time abuts the previous
// chunk when the stream is keeping up, or re-anchors a lead ahead of now
// after a stall, so consecutive chunks of one response never gap or overlap.
// Empty chunks are ignored.
func (s *Scheduler) Schedule(samples []float32) {
	if len(samples) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	start := s.nextStart
	if start.IsZero() || start.Before(now) {
		start = now.Add(s.lead)
	}
	dur := time.Duration(len(samples)) * time.Second / time.Duration(s.sampleRate)
	s.nextStart = start.Add(dur)

	s.queue = append(s.queue, &buffer{samples: samples, start: start})
	if s.metrics != nil {
		s.metrics.BuffersScheduled.Add(bgCtx, 1)
	}
}

// Interrupt discards every scheduled buffer and resets the playback clock.
// The next Schedule call re-anchors from now. Idempotent.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	dropped := len(s.queue)
	s.queue = nil
	s.nextStart = time.Time{}
	s.mu.Unlock()

	s.level.Store(0)
	if dropped > 0 {
		if s.metrics != nil {
			s.metrics.Interruptions.Add(bgCtx, 1)
		}
		slog.Debug("playback interrupted", "dropped_buffers", dropped)
	}
}

// SetGain sets the output gain, clamped to [0, 1]. Gain 0 mutes playback
// without disturbing scheduling, so timing stays intact across mute cycles.
func (s *Scheduler) SetGain(gain float64) {
	if gain < 0 {
		gain = 0
	} else if gain > 1 {
		gain = 1
	}
	s.gain.Store(math.Float64bits(gain))
}

// Gain returns the current output gain.
func (s *Scheduler) Gain() float64 {
	return math.Float64frombits(s.gain.Load())
}

// OutputLevel returns the RMS energy of the most recently rendered block,
// zero when nothing is playing.
func (s *Scheduler) OutputLevel() float64 {
	return math.Float64frombits(s.level.Load())
}

// Pending reports the total unrendered audio currently scheduled.
func (s *Scheduler) Pending() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, b := range s.queue {
		n += len(b.samples) - b.pos
	}
	return time.Duration(n) * time.Second / time.Duration(s.sampleRate)
}

// Render fills out with the next block of output samples, mixing scheduled
// buffers at their start offsets and writing silence elsewhere. It advances
// an internal block cursor anchored on first call, so the device pull rate
// is the timebase once playback is running.
func (s *Scheduler) Render(out []float32) {
	for i := range out {
		out[i] = 0
	}
	if len(out) == 0 {
		return
	}

	s.mu.Lock()
	if s.cursor.IsZero() {
		s.cursor = s.clock()
	}
	blockStart := s.cursor
	blockDur := time.Duration(len(out)) * time.Second / time.Duration(s.sampleRate)
	s.cursor = blockStart.Add(blockDur)

	var late bool
	kept := s.queue[:0]
	for _, b := range s.queue {
		playhead := b.start.Add(time.Duration(b.pos) * time.Second / time.Duration(s.sampleRate))
		idx := int(playhead.Sub(blockStart) * time.Duration(s.sampleRate) / time.Second)

		if idx >= len(out) {
			// Starts after this block.
			kept = append(kept, b)
			continue
		}
		if idx < 0 {
			// The device missed this buffer's start; skip what should
			// already have played rather than smearing it late.
			skip := -idx
			if b.pos+skip >= len(b.samples) {
				late = true
				continue
			}
			b.pos += skip
			idx = 0
			late = true
		}

		src := b.samples[b.pos:]
		n := len(out) - idx
		if n > len(src) {
			n = len(src)
		}
		for i := 0; i < n; i++ {
			out[idx+i] += src[i]
		}
		b.pos += n
		if b.pos < len(b.samples) {
			kept = append(kept, b)
		}
	}
	s.queue = kept
	s.mu.Unlock()

	if late && s.metrics != nil {
		s.metrics.PlaybackUnderruns.Add(bgCtx, 1)
	}

	gain := s.Gain()
	for i, v := range out {
		v *= float32(gain)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = v
	}

	s.level.Store(math.Float64bits(audio.RMS(out)))
}
