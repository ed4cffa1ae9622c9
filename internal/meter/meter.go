// Package meter periodically samples input and output audio levels and
// reports them to a listener. Purely observational: it reads levels the
// capture and playback sides already track and never touches the audio path.
package meter

import (
	"sync"
	"time"
)

// DefaultInterval is the sampling period. Fast enough for a responsive
// volume display, slow enough to be free.
const DefaultInterval = 50 * time.Millisecond

// LevelFunc reports a side's current RMS level. A nil LevelFunc reads as
// zero, so a meter can outlive either side.
type LevelFunc func() float64

// Listener receives one input/output level pair per tick.
type Listener func(input, output float64)

// Meter drives the sampling ticker. Start launches it; Stop is idempotent.
type Meter struct {
	interval time.Duration
	input    LevelFunc
	output   LevelFunc
	listener Listener

	mu      sync.Mutex
	stop    chan struct{}
	started bool
	stopped bool
}

// New creates a meter sampling input and output every interval. A zero
// interval uses [DefaultInterval].
func New(interval time.Duration, input, output LevelFunc, listener Listener) *Meter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Meter{
		interval: interval,
		input:    input,
		output:   output,
		listener: listener,
		stop:     make(chan struct{}),
	}
}

// Start begins ticking. No-op without a listener or after Stop.
func (m *Meter) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped || m.listener == nil {
		return
	}
	m.started = true
	go m.run()
}

func (m *Meter) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.listener(sample(m.input), sample(m.output))
		}
	}
}

// Stop halts the ticker. Idempotent.
func (m *Meter) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.stop)
}

func sample(f LevelFunc) float64 {
	if f == nil {
		return 0
	}
	return f()
}
