package vad

import (
	"fmt"

	"github.com/attune-voice/attune/pkg/audio"
)

// Config holds the parameters for a [Gate]. Thresholds are fixed for the
// lifetime of the gate; live reconfiguration during an active session is not
// supported.
type Config struct {
	// SilenceThreshold is the RMS energy above which a frame counts as speech.
	// Range [0, 1] for float PCM in [-1, 1]. Typical: 0.02.
	SilenceThreshold float64

	// HangoverFrames is the number of consecutive sub-threshold frames
	// tolerated during active speech before the gate returns to silence.
	// Typical: 8 (≈1 s at 128 ms frames).
	HangoverFrames int

	// PreRollFrames is the capacity of the pre-roll ring in frames.
	PreRollFrames int
}

// Gate is the Silent/SpeechActive voice activity state machine. It owns the
// pre-roll ring and decides, frame by frame, which audio reaches the
// transport.
//
// Gate performs no locking: it is mutated exclusively by the capture
// callback. State transitions are a pure function of frame arrival order.
type Gate struct {
	threshold  float64
	hangover   int
	ring       *audio.PreRollRing
	state      State
	silenceRun int
}

// NewGate validates cfg and returns a Gate in the Silent state.
func NewGate(cfg Config) (*Gate, error) {
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > 1 {
		return nil, fmt.Errorf("vad: silence threshold %v out of range [0, 1]", cfg.SilenceThreshold)
	}
	if cfg.HangoverFrames < 0 {
		return nil, fmt.Errorf("vad: hangover frames must be non-negative, got %d", cfg.HangoverFrames)
	}
	if cfg.PreRollFrames < 0 {
		return nil, fmt.Errorf("vad: pre-roll frames must be non-negative, got %d", cfg.PreRollFrames)
	}
	return &Gate{
		threshold: cfg.SilenceThreshold,
		hangover:  cfg.HangoverFrames,
		ring:      audio.NewPreRollRing(cfg.PreRollFrames),
		state:     Silent,
	}, nil
}

// Process advances the state machine by one frame with the given RMS energy
// and returns the frames to forward to the transport, oldest first, plus the
// event classifying the transition.
//
//   - Silent, energy > threshold: the entire pre-roll ring is flushed ahead
//     of the current frame (a single-frame blip still flushes — false
//     positives cost bytes, false negatives cost speech).
//   - Silent, energy ≤ threshold: the frame is buffered; nothing forwarded.
//   - SpeechActive, energy > threshold: the frame is forwarded.
//   - SpeechActive, energy ≤ threshold: forwarded while the consecutive
//     silence run is within the hangover limit; beyond it the gate returns
//     to Silent and the frame is buffered instead.
func (g *Gate) Process(frame audio.Frame, energy float64) ([]audio.Frame, EventType) {
	switch g.state {
	case Silent:
		if energy <= g.threshold {
			g.ring.Push(frame)
			return nil, EventSilence
		}
		g.state = SpeechActive
		g.silenceRun = 0
		out := append(g.ring.DrainAll(), frame)
		return out, EventSpeechStart

	default: // SpeechActive
		if energy > g.threshold {
			g.silenceRun = 0
			return []audio.Frame{frame}, EventSpeechContinue
		}
		g.silenceRun++
		if g.silenceRun <= g.hangover {
			return []audio.Frame{frame}, EventSpeechContinue
		}
		g.state = Silent
		g.silenceRun = 0
		g.ring.Push(frame)
		return nil, EventSpeechEnd
	}
}

// State returns the current detection state.
func (g *Gate) State() State { return g.state }

// PreRollLen returns the number of frames currently held in the pre-roll ring.
func (g *Gate) PreRollLen() int { return g.ring.Len() }

// Reset returns the gate to Silent and discards all pre-roll contents. Used
// when the utterance the buffered audio belonged to is obsolete (interruption
// or reconnect).
func (g *Gate) Reset() {
	g.state = Silent
	g.silenceRun = 0
	g.ring.Reset()
}
