package audio

import "time"

// PreRollRing retains the most recent frames observed while the voice gate is
// silent, so that the first phonemes of an utterance — captured just before
// the energy threshold was crossed — are not lost. It is a bounded FIFO:
// pushing beyond capacity evicts the oldest frame.
//
// The ring is mutated only from the capture callback; it performs no locking
// of its own.
type PreRollRing struct {
	frames []Frame
	cap    int
}

// NewPreRollRing creates a ring holding at most capacity frames. A capacity
// of zero or less yields a ring that retains nothing (Push is a no-op).
func NewPreRollRing(capacity int) *PreRollRing {
	if capacity < 0 {
		capacity = 0
	}
	return &PreRollRing{cap: capacity}
}

// FramesForDuration converts a pre-roll duration into a frame count at the
// given per-frame duration, rounding up so the configured span is always
// covered. Returns 0 when either duration is non-positive.
func FramesForDuration(preRoll, frameDur time.Duration) int {
	if preRoll <= 0 || frameDur <= 0 {
		return 0
	}
	return int((preRoll + frameDur - 1) / frameDur)
}

// Push appends a copy of frame, evicting the oldest frame if the ring is at
// capacity. The frame is cloned because device callbacks reuse their sample
// buffers.
func (r *PreRollRing) Push(frame Frame) {
	if r.cap == 0 {
		return
	}
	if len(r.frames) == r.cap {
		copy(r.frames, r.frames[1:])
		r.frames = r.frames[:r.cap-1]
	}
	r.frames = append(r.frames, frame.Clone())
}

// DrainAll returns every buffered frame in chronological order and empties
// the ring. The returned slice is owned by the caller.
func (r *PreRollRing) DrainAll() []Frame {
	out := r.frames
	r.frames = nil
	return out
}

// Len returns the number of buffered frames.
func (r *PreRollRing) Len() int { return len(r.frames) }

// Cap returns the configured capacity.
func (r *PreRollRing) Cap() int { return r.cap }

// Reset discards all buffered frames without returning them.
func (r *PreRollRing) Reset() { r.frames = nil }
