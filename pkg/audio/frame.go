// Package audio provides the core audio types and signal primitives used by
// the Attune capture and playback pipelines: the [Frame] sample block, RMS
// energy measurement, decimating resampling, the pre-roll ring buffer, and
// PCM16 byte codecs for the transport boundary.
//
// Everything in this package is plain computation over sample slices. There
// is no I/O, no goroutines, and no hidden state beyond what each type
// documents — the hot audio callback calls into this package and must never
// block.
package audio

import "time"

// Frame is a block of mono PCM samples in the range [-1, 1], captured or
// decoded at a known sample rate. Frames are ephemeral: produced once per
// device callback or decoded network chunk, consumed synchronously, never
// persisted.
type Frame struct {
	// Samples is the mono float32 PCM payload.
	Samples []float32

	// SampleRate is the rate in Hz at which Samples was captured or decoded.
	SampleRate int
}

// Duration returns the wall-clock span the frame covers at its sample rate.
// Returns zero for a frame with a non-positive sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Clone returns a deep copy of the frame. Device callbacks reuse their sample
// buffers between invocations, so any frame that outlives the callback (e.g.
// one pushed into the pre-roll ring) must be cloned first.
func (f Frame) Clone() Frame {
	cp := make([]float32, len(f.Samples))
	copy(cp, f.Samples)
	return Frame{Samples: cp, SampleRate: f.SampleRate}
}
