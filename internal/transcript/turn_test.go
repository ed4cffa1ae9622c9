package transcript_test

import (
	"testing"

	"github.com/attune-voice/attune/internal/transcript"
	"github.com/attune-voice/attune/pkg/transport"
)

func TestTurnAccumulator_ConcatenatesDeltas(t *testing.T) {
	t.Parallel()

	a := transcript.NewTurnAccumulator()
	a.Append(transport.SpeakerUser, "what ")
	a.Append(transport.SpeakerUser, "time ")
	a.Append(transport.SpeakerUser, "is it")

	if got := a.Pending(transport.SpeakerUser); got != "what time is it" {
		t.Fatalf("Pending = %q, want %q", got, "what time is it")
	}
}

func TestTurnAccumulator_FinalizeOrdersUserFirst(t *testing.T) {
	t.Parallel()

	a := transcript.NewTurnAccumulator()
	a.Append(transport.SpeakerAssistant, "It is noon.")
	a.Append(transport.SpeakerUser, "what time is it")

	turns := a.Finalize()
	if len(turns) != 2 {
		t.Fatalf("Finalize returned %d turns, want 2", len(turns))
	}
	if turns[0].Speaker != transport.SpeakerUser {
		t.Fatalf("first turn speaker = %v, want user", turns[0].Speaker)
	}
	if turns[1].Speaker != transport.SpeakerAssistant {
		t.Fatalf("second turn speaker = %v, want assistant", turns[1].Speaker)
	}
	if turns[0].At.IsZero() {
		t.Fatal("turn timestamp is zero")
	}
}

func TestTurnAccumulator_FinalizeClearsPending(t *testing.T) {
	t.Parallel()

	a := transcript.NewTurnAccumulator()
	a.Append(transport.SpeakerUser, "hello")
	a.Finalize()

	if got := a.Pending(transport.SpeakerUser); got != "" {
		t.Fatalf("Pending after finalize = %q, want empty", got)
	}
	if got := a.Finalize(); len(got) != 0 {
		t.Fatalf("second Finalize returned %d turns, want 0", len(got))
	}
}

func TestTurnAccumulator_DropsWhitespaceOnlyTurns(t *testing.T) {
	t.Parallel()

	a := transcript.NewTurnAccumulator()
	a.Append(transport.SpeakerUser, "  \n ")
	if got := a.Finalize(); len(got) != 0 {
		t.Fatalf("Finalize returned %d turns for whitespace, want 0", len(got))
	}
}

func TestTurnAccumulator_ClearAssistant(t *testing.T) {
	t.Parallel()

	a := transcript.NewTurnAccumulator()
	a.Append(transport.SpeakerUser, "stop")
	a.Append(transport.SpeakerAssistant, "as I was saying")

	a.ClearAssistant()
	turns := a.Finalize()
	if len(turns) != 1 {
		t.Fatalf("Finalize returned %d turns, want 1", len(turns))
	}
	if turns[0].Speaker != transport.SpeakerUser {
		t.Fatalf("surviving turn speaker = %v, want user", turns[0].Speaker)
	}
}

func TestTurnAccumulator_Reset(t *testing.T) {
	t.Parallel()

	a := transcript.NewTurnAccumulator()
	a.Append(transport.SpeakerUser, "hello")
	a.Append(transport.SpeakerAssistant, "hi")
	a.Reset()

	if got := a.Finalize(); len(got) != 0 {
		t.Fatalf("Finalize after Reset returned %d turns, want 0", len(got))
	}
}
