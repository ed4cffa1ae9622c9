// Package transport defines the contract between the Attune voice pipeline
// and a remote speech-to-speech model connection.
//
// A [Session] is a bidirectional channel: outbound it accepts raw PCM audio
// chunks (fire-and-forget, no per-chunk acknowledgment) and control messages
// (tool results, text injection); inbound it emits a single ordered stream of
// [Event] values — synthesised audio, partial transcripts, turn boundaries,
// interruption signals, tool calls, errors, and closure. Funnelling every
// inbound signal through one Events channel lets the client run exactly one
// dispatch goroutine per session, which is what keeps the playback and
// transcript state single-writer.
//
// Delivery order of control messages relative to audio chunks is not
// guaranteed and must not be relied upon for correctness.
//
// Implementations must be safe for concurrent use: the capture callback sends
// audio while the dispatch goroutine sends tool results.
package transport

import "context"

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	// KindAudio carries an encoded audio chunk of the model's speech.
	KindAudio EventKind = iota

	// KindPartialTranscript carries an incremental transcript fragment for
	// the current turn of Speaker.
	KindPartialTranscript

	// KindTurnComplete marks the end of the model's current speaker turn.
	KindTurnComplete

	// KindInterrupted signals that the model detected the user barging in;
	// all scheduled playback for the current response is obsolete.
	KindInterrupted

	// KindToolCall carries a tool invocation request from the model.
	KindToolCall

	// KindError carries a non-fatal provider error. The session stays open.
	KindError

	// KindClosed is the final event on the stream. Err holds the cause when
	// the session ended abnormally, nil on clean closure.
	KindClosed
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case KindAudio:
		return "AUDIO"
	case KindPartialTranscript:
		return "PARTIAL_TRANSCRIPT"
	case KindTurnComplete:
		return "TURN_COMPLETE"
	case KindInterrupted:
		return "INTERRUPTED"
	case KindToolCall:
		return "TOOL_CALL"
	case KindError:
		return "ERROR"
	case KindClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Speaker identifies whose speech a transcript fragment belongs to.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// ToolCall is a tool invocation request surfaced by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier, echoed back with the result.
	ID string

	// Name is the tool name as advertised in [SessionConfig.Tools].
	Name string

	// Args is the JSON-encoded argument object.
	Args string
}

// Event is one inbound message on a session's event stream. Kind selects
// which of the remaining fields are meaningful.
type Event struct {
	Kind    EventKind
	Speaker Speaker  // KindPartialTranscript
	Text    string   // KindPartialTranscript
	Audio   []byte   // KindAudio: encoded chunk in the session's OutputFormat
	Tool    ToolCall // KindToolCall
	Err     error    // KindError, KindClosed
}

// ToolDefinition describes a tool offered to the model at session setup.
type ToolDefinition struct {
	// Name is the tool's identifier.
	Name string

	// Description tells the model when to invoke the tool.
	Description string

	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
}

// Codec identifies the encoding of inbound audio chunks.
type Codec string

const (
	// CodecPCM16 is raw little-endian 16-bit mono PCM.
	CodecPCM16 Codec = "pcm16"

	// CodecOpus is an Opus packet stream.
	CodecOpus Codec = "opus"
)

// AudioFormat describes the encoding and sample rate of a session's inbound
// audio chunks.
type AudioFormat struct {
	Codec      Codec
	SampleRate int
}

// SessionConfig is the initial configuration for a new session. All fields
// are fixed for the session's lifetime.
type SessionConfig struct {
	// SampleRate is the outbound PCM rate in Hz. Attune always sends 16 kHz.
	SampleRate int

	// Voice selects the model's synthesis voice.
	Voice string

	// Instructions is the free-text system prompt.
	Instructions string

	// Tools is the set of tool definitions offered to the model.
	Tools []ToolDefinition
}

// Session is an open connection to the remote speech model.
//
// Callers must drain Events promptly; a stalled consumer backpressures the
// provider receive loop. Callers must call Close when done.
type Session interface {
	// SendAudio delivers one outbound PCM16 chunk captured at sampleRate.
	// Fire-and-forget: a nil return means the chunk was handed to the
	// connection, not that the provider processed it.
	SendAudio(chunk []byte, sampleRate int) error

	// SendToolResult injects the result of a tool call back into the session.
	// result must be a JSON document or plain text (providers wrap plain text).
	SendToolResult(callID, name, result string) error

	// SendText injects a text message with the given role ("user", "system",
	// "assistant") into the conversation context.
	SendText(role, text string) error

	// Events returns the inbound event stream. The channel is closed after
	// the KindClosed event is delivered.
	Events() <-chan Event

	// OutputFormat reports the encoding of KindAudio chunks. Constant for the
	// session's lifetime.
	OutputFormat() AudioFormat

	// Close terminates the session and releases its resources. Idempotent.
	Close() error
}

// Dialer opens sessions against one provider.
//
// Implementations must be safe for concurrent use.
type Dialer interface {
	// Dial establishes a session. ctx governs the connection attempt only;
	// the returned session lives until Close. The caller owns the session.
	Dial(ctx context.Context, cfg SessionConfig) (Session, error)
}
