// Package openai implements the transport contract for OpenAI's Realtime API.
//
// It speaks the Realtime event protocol over a WebSocket: outbound audio is
// appended to the input buffer as base64 PCM16, inbound response.* and
// conversation.* events are decoded into the uniform [transport.Event]
// stream. The server-side VAD's input_audio_buffer.speech_started event maps
// to [transport.KindInterrupted] — the model stops speaking when the user
// barges in, and the client must drop its scheduled playback.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/attune-voice/attune/pkg/transport"
)

// Compile-time assertions.
var (
	_ transport.Dialer  = (*Dialer)(nil)
	_ transport.Session = (*session)(nil)
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// outputSampleRate is the PCM rate of the Realtime API's pcm16 output.
	outputSampleRate = 24000

	eventBuf = 64
)

// Option is a functional option for configuring a [Dialer].
type Option func(*Dialer)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// Dialer opens OpenAI Realtime sessions.
type Dialer struct {
	apiKey  string
	model   string
	baseURL string
}

// NewDialer creates an OpenAI Realtime dialer with the given API key and
// options.
func NewDialer(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial establishes a new Realtime session. The session is ready to accept
// audio immediately after the session.update message is sent.
func (d *Dialer) Dial(ctx context.Context, cfg transport.SessionConfig) (transport.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", d.baseURL, d.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		events: make(chan transport.Event, eventBuf),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := s.sendSessionUpdate(cfg.Voice, cfg.Instructions, cfg.Tools); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go s.receiveLoop()

	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string    `json:"voice,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	Tools             []oaiTool `json:"tools,omitempty"`
	InputAudioFormat  string    `json:"input_audio_format"`
	OutputAudioFormat string    `json:"output_audio_format"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object in an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan transport.Event

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSessionUpdate configures voice, instructions, tools, and audio formats.
func (s *session) sendSessionUpdate(voice, instructions string, tools []transport.ToolDefinition) error {
	params := sessionParams{
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Voice:             voice,
		Instructions:      instructions,
	}
	if len(tools) > 0 {
		params.Tools = toOAITools(tools)
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads WebSocket events and translates them into the uniform
// event stream. It owns the events channel: it emits the final KindClosed
// event and closes the channel when it exits.
func (s *session) receiveLoop() {
	var cause error
	defer func() {
		s.emit(transport.Event{Kind: transport.KindClosed, Err: cause})
		close(s.events)
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				cause = err
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		chunk, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(chunk) == 0 {
			return
		}
		s.emit(transport.Event{Kind: transport.KindAudio, Audio: chunk})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.emit(transport.Event{
			Kind:    transport.KindPartialTranscript,
			Speaker: transport.SpeakerAssistant,
			Text:    evt.Delta,
		})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(transport.Event{
			Kind:    transport.KindPartialTranscript,
			Speaker: transport.SpeakerUser,
			Text:    evt.Transcript,
		})

	case "response.done":
		s.emit(transport.Event{Kind: transport.KindTurnComplete})

	case "input_audio_buffer.speech_started":
		// The server-side VAD heard the user while a response may still be
		// streaming: barge-in.
		s.emit(transport.Event{Kind: transport.KindInterrupted})

	case "response.function_call_arguments.done":
		s.emit(transport.Event{
			Kind: transport.KindToolCall,
			Tool: transport.ToolCall{
				ID:   evt.CallID,
				Name: evt.Name,
				Args: evt.Arguments,
			},
		})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(transport.Event{
			Kind: transport.KindError,
			Err:  fmt.Errorf("openai: %s", msg),
		})
	}
}

// emit delivers ev to the event stream, giving up if the session is torn down
// while the consumer is stalled.
func (s *session) emit(ev transport.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// toOAITools converts tool definitions to the Realtime tool format.
func toOAITools(tools []transport.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio appends a raw PCM16 chunk to the input audio buffer. The Realtime
// API's input format is fixed at session setup, so sampleRate must match the
// configured 16 kHz input; other rates are rejected.
func (s *session) SendAudio(chunk []byte, sampleRate int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	s.mu.Unlock()

	if sampleRate != 16000 {
		return fmt.Errorf("openai: unsupported outbound sample rate %d (input format is pcm16 @ 16 kHz)", sampleRate)
	}

	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// SendToolResult returns a tool call result as a function_call_output item
// and triggers the next model response.
func (s *session) SendToolResult(callID, _ string, result string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	s.mu.Unlock()

	if err := s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: result,
		},
	}); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// SendText injects a text message as a conversation item. Unknown roles are
// coerced to "user". Assistant items use the "text" part type, everything
// else uses "input_text", per the Realtime item schema.
func (s *session) SendText(role, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	s.mu.Unlock()

	switch role {
	case "assistant", "system":
	default:
		role = "user"
	}
	partType := "input_text"
	if role == "assistant" {
		partType = "text"
	}

	return s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    role,
			Content: []conversationPart{{Type: partType, Text: text}},
		},
	})
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan transport.Event { return s.events }

// OutputFormat reports the Realtime API's synthesis format: 24 kHz PCM16.
func (s *session) OutputFormat() transport.AudioFormat {
	return transport.AudioFormat{Codec: transport.CodecPCM16, SampleRate: outputSampleRate}
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
