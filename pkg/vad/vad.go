// Package vad implements energy-based voice activity detection as a two-state
// hangover gate with pre-roll recovery.
//
// A naive threshold gate clips the first consonant of every utterance (the
// frames just before the threshold crossing are already gone) and chops
// trailing breath and fricatives (energy dips below threshold before the
// speaker is done). The [Gate] solves both without lookahead: sub-threshold
// frames observed while silent are retained in a pre-roll ring and flushed
// in order the moment speech starts, and a configurable hangover tail keeps
// forwarding frames across brief intra-utterance pauses.
//
// A Gate holds per-stream state and is driven synchronously from the capture
// callback; it must not be shared across goroutines.
package vad

// State enumerates the gate's detection states.
type State int

const (
	// Silent means no speech is in progress; frames are buffered, not forwarded.
	Silent State = iota

	// SpeechActive means an utterance is in progress; frames are forwarded.
	SpeechActive
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Silent:
		return "SILENT"
	case SpeechActive:
		return "SPEECH_ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// EventType classifies the outcome of processing a single frame.
type EventType int

const (
	// EventSilence indicates the frame was buffered while silent.
	EventSilence EventType = iota

	// EventSpeechStart indicates the frame crossed the threshold from silence;
	// pre-roll was flushed ahead of it.
	EventSpeechStart

	// EventSpeechContinue indicates ongoing speech (including hangover frames).
	EventSpeechContinue

	// EventSpeechEnd indicates the hangover limit was exceeded and the gate
	// returned to silence.
	EventSpeechEnd
)
