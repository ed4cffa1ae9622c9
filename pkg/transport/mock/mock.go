// Package mock provides test doubles for the transport package interfaces.
//
// Use [Dialer] to verify that sessions are opened with the expected
// SessionConfig and to inject connection failures. Use [Session] to script
// inbound events and inspect the audio chunks and control messages the
// pipeline sent.
//
// Example:
//
//	sess := mock.NewSession()
//	dialer := &mock.Dialer{Session: sess}
//	// ... run the code under test ...
//	sess.Emit(transport.Event{Kind: transport.KindInterrupted})
//	sess.CloseStream(nil)
package mock

import (
	"context"
	"sync"

	"github.com/attune-voice/attune/pkg/transport"
)

// Compile-time assertions.
var (
	_ transport.Dialer  = (*Dialer)(nil)
	_ transport.Session = (*Session)(nil)
)

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	// Cfg is the SessionConfig passed to Dial.
	Cfg transport.SessionConfig
}

// Dialer is a mock implementation of transport.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Session is returned by Dial. If nil, Dial returns a new default Session.
	Session transport.Session

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// DialCalls records every call to Dial in order.
	DialCalls []DialCall
}

// Dial records the call and returns Session, DialErr.
func (d *Dialer) Dial(_ context.Context, cfg transport.SessionConfig) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, DialCall{Cfg: cfg})
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.Session != nil {
		return d.Session, nil
	}
	return NewSession(), nil
}

// AudioChunk records a single invocation of Session.SendAudio.
type AudioChunk struct {
	Data       []byte
	SampleRate int
}

// ToolResult records a single invocation of Session.SendToolResult.
type ToolResult struct {
	CallID string
	Name   string
	Result string
}

// TextMessage records a single invocation of Session.SendText.
type TextMessage struct {
	Role string
	Text string
}

// Session is a scriptable mock implementation of transport.Session.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// Format is reported by OutputFormat. Defaults to 24 kHz PCM16.
	Format transport.AudioFormat

	// AudioChunks records every SendAudio call in order.
	AudioChunks []AudioChunk

	// ToolResults records every SendToolResult call in order.
	ToolResults []ToolResult

	// TextMessages records every SendText call in order.
	TextMessages []TextMessage

	// Closed counts Close invocations.
	Closed int

	events    chan transport.Event
	streamEnd sync.Once
}

// NewSession creates a Session with a buffered event stream ready to accept
// scripted events via [Session.Emit].
func NewSession() *Session {
	return &Session{
		Format: transport.AudioFormat{Codec: transport.CodecPCM16, SampleRate: 24000},
		events: make(chan transport.Event, 256),
	}
}

// Emit pushes a scripted event onto the stream. Panics if called after
// CloseStream — a test scripting bug.
func (s *Session) Emit(ev transport.Event) {
	s.events <- ev
}

// CloseStream delivers the final KindClosed event (with the given cause) and
// closes the event stream, mimicking a provider receive loop exiting.
// Safe to call more than once.
func (s *Session) CloseStream(cause error) {
	s.streamEnd.Do(func() {
		s.events <- transport.Event{Kind: transport.KindClosed, Err: cause}
		close(s.events)
	})
}

// SendAudio records the chunk (copying the data, since callers may reuse the
// buffer) and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte, sampleRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.AudioChunks = append(s.AudioChunks, AudioChunk{Data: cp, SampleRate: sampleRate})
	return s.SendAudioErr
}

// SendToolResult records the call.
func (s *Session) SendToolResult(callID, name, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ToolResults = append(s.ToolResults, ToolResult{CallID: callID, Name: name, Result: result})
	return nil
}

// SendText records the call.
func (s *Session) SendText(role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TextMessages = append(s.TextMessages, TextMessage{Role: role, Text: text})
	return nil
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan transport.Event { return s.events }

// OutputFormat returns Format.
func (s *Session) OutputFormat() transport.AudioFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Format
}

// Close records the call and ends the event stream cleanly.
func (s *Session) Close() error {
	s.mu.Lock()
	s.Closed++
	s.mu.Unlock()
	s.CloseStream(nil)
	return nil
}

// SentAudio returns a snapshot of the recorded audio chunks.
func (s *Session) SentAudio() []AudioChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AudioChunk, len(s.AudioChunks))
	copy(out, s.AudioChunks)
	return out
}

// SentToolResults returns a snapshot of the recorded tool results.
func (s *Session) SentToolResults() []ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolResult, len(s.ToolResults))
	copy(out, s.ToolResults)
	return out
}

// CloseCount returns the number of Close invocations.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Closed
}
