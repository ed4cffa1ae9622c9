// Package transcript accumulates streaming partial transcripts into
// finalized conversation turns.
package transcript

import (
	"strings"
	"time"

	"github.com/attune-voice/attune/pkg/transport"
)

// Turn is one finalized utterance in the conversation.
type Turn struct {
	Speaker transport.Speaker
	Text    string
	At      time.Time
}

// TurnAccumulator builds one pending turn per speaker from partial
// transcript deltas. Providers stream deltas out of order across speakers
// but in order within one, so per-speaker concatenation is sufficient.
//
// Not safe for concurrent use; the dispatch goroutine is the sole caller.
type TurnAccumulator struct {
	pending map[transport.Speaker]*strings.Builder
	now     func() time.Time
}

// NewTurnAccumulator creates an empty accumulator.
func NewTurnAccumulator() *TurnAccumulator {
	return &TurnAccumulator{
		pending: make(map[transport.Speaker]*strings.Builder),
		now:     time.Now,
	}
}

// Append adds a partial transcript delta to the speaker's pending turn.
// Empty deltas are ignored.
func (a *TurnAccumulator) Append(speaker transport.Speaker, delta string) {
	if delta == "" {
		return
	}
	b := a.pending[speaker]
	if b == nil {
		b = &strings.Builder{}
		a.pending[speaker] = b
	}
	b.WriteString(delta)
}

// Pending returns the speaker's accumulated text so far.
func (a *TurnAccumulator) Pending(speaker transport.Speaker) string {
	if b := a.pending[speaker]; b != nil {
		return b.String()
	}
	return ""
}

// Finalize closes out every pending turn and returns them, user before
// assistant. Called on turn-complete. Whitespace-only turns are dropped.
func (a *TurnAccumulator) Finalize() []Turn {
	var turns []Turn
	for _, speaker := range []transport.Speaker{transport.SpeakerUser, transport.SpeakerAssistant} {
		b := a.pending[speaker]
		if b == nil {
			continue
		}
		text := strings.TrimSpace(b.String())
		delete(a.pending, speaker)
		if text == "" {
			continue
		}
		turns = append(turns, Turn{Speaker: speaker, Text: text, At: a.now()})
	}
	return turns
}

// ClearAssistant discards the assistant's pending turn. Called on
// interruption: text for speech the user talked over was never heard and
// must not surface as a finalized turn.
func (a *TurnAccumulator) ClearAssistant() {
	delete(a.pending, transport.SpeakerAssistant)
}

// Reset discards all pending turns.
func (a *TurnAccumulator) Reset() {
	a.pending = make(map[transport.Speaker]*strings.Builder)
}
