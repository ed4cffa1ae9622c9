package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/attune-voice/attune/pkg/transport"
	"github.com/attune-voice/attune/pkg/transport/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted *websocket.Conn; the server is closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// nextEvent waits for the next event on the stream with a timeout.
func nextEvent(t *testing.T, events <-chan transport.Event) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return transport.Event{}
}

// dialTest connects a session to srv and registers cleanup.
func dialTest(t *testing.T, srv *httptest.Server, cfg transport.SessionConfig) transport.Session {
	t.Helper()
	d := gemini.NewDialer("test-api-key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := d.Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// ── Dial and setup ────────────────────────────────────────────────────────────

func TestDial_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			Tools []struct {
				FunctionDeclarations []struct {
					Name string `json:"name"`
				} `json:"functionDeclarations"`
			} `json:"tools"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	dialTest(t, srv, transport.SessionConfig{
		Instructions: "Be concise.",
		Voice:        "Aoede",
		Tools: []transport.ToolDefinition{
			{Name: "fs_read", Description: "Reads a file"},
		},
	})

	select {
	case msg := <-received:
		if !strings.HasPrefix(msg.Setup.Model, "models/") {
			t.Errorf("model %q should start with 'models/'", msg.Setup.Model)
		}
		if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "audio" {
			t.Errorf("responseModalities = %v; want [audio]", got)
		}
		if msg.Setup.SystemInstruction == nil ||
			len(msg.Setup.SystemInstruction.Parts) == 0 ||
			msg.Setup.SystemInstruction.Parts[0].Text != "Be concise." {
			t.Errorf("unexpected systemInstruction: %+v", msg.Setup.SystemInstruction)
		}
		if msg.Setup.GenerationConfig.SpeechConfig == nil ||
			msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Aoede" {
			t.Errorf("unexpected speechConfig: %+v", msg.Setup.GenerationConfig.SpeechConfig)
		}
		if len(msg.Setup.Tools) != 1 ||
			len(msg.Setup.Tools[0].FunctionDeclarations) != 1 ||
			msg.Setup.Tools[0].FunctionDeclarations[0].Name != "fs_read" {
			t.Errorf("unexpected tools: %+v", msg.Setup.Tools)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestDial_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	query := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.RawQuery
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	d := gemini.NewDialer("secret-key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := d.Dial(context.Background(), transport.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	select {
	case q := <-query:
		if !strings.Contains(q, "key=secret-key") {
			t.Errorf("query %q missing api key", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for connection")
	}
}

func TestDial_ServerUnavailable(t *testing.T) {
	t.Parallel()
	d := gemini.NewDialer("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := d.Dial(ctx, transport.SessionConfig{}); err == nil {
		t.Fatal("Dial should fail when no server is listening")
	}
}

// ── Outbound messages ─────────────────────────────────────────────────────────

func TestSendAudio_EncodesMediaChunk(t *testing.T) {
	t.Parallel()

	type inputMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	received := make(chan inputMsg, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		var msg inputMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialTest(t, srv, transport.SessionConfig{})

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := sess.SendAudio(pcm, 16000); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-received:
		if len(msg.RealtimeInput.MediaChunks) != 1 {
			t.Fatalf("got %d media chunks, want 1", len(msg.RealtimeInput.MediaChunks))
		}
		chunk := msg.RealtimeInput.MediaChunks[0]
		if want := "audio/pcm;rate=16000"; chunk.MIMEType != want {
			t.Errorf("mimeType = %q; want %q", chunk.MIMEType, want)
		}
		decoded, err := base64.StdEncoding.DecodeString(chunk.Data)
		if err != nil {
			t.Fatalf("decode data: %v", err)
		}
		if string(decoded) != string(pcm) {
			t.Errorf("decoded data = %v; want %v", decoded, pcm)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for media chunk")
	}
}

func TestSendText_MapsRoles(t *testing.T) {
	t.Parallel()

	type contentMsg struct {
		ClientContent struct {
			Turns []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"turns"`
			TurnComplete bool `json:"turnComplete"`
		} `json:"clientContent"`
	}

	received := make(chan contentMsg, 2)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		for i := 0; i < 2; i++ {
			var msg contentMsg
			readJSON(t, conn, &msg)
			received <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialTest(t, srv, transport.SessionConfig{})

	if err := sess.SendText("user", "hello"); err != nil {
		t.Fatalf("SendText(user): %v", err)
	}
	if err := sess.SendText("assistant", "hi there"); err != nil {
		t.Fatalf("SendText(assistant): %v", err)
	}

	wantRoles := []string{"user", "model"}
	wantTexts := []string{"hello", "hi there"}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-received:
			if len(msg.ClientContent.Turns) != 1 {
				t.Fatalf("got %d turns, want 1", len(msg.ClientContent.Turns))
			}
			turn := msg.ClientContent.Turns[0]
			if turn.Role != wantRoles[i] {
				t.Errorf("turn %d role = %q; want %q", i, turn.Role, wantRoles[i])
			}
			if len(turn.Parts) != 1 || turn.Parts[0].Text != wantTexts[i] {
				t.Errorf("turn %d parts = %+v; want text %q", i, turn.Parts, wantTexts[i])
			}
			if !msg.ClientContent.TurnComplete {
				t.Error("turnComplete should be true")
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for clientContent")
		}
	}
}

func TestSendToolResult_WrapsNonJSON(t *testing.T) {
	t.Parallel()

	type toolMsg struct {
		ToolResponse struct {
			FunctionResponses []struct {
				ID       string         `json:"id"`
				Name     string         `json:"name"`
				Response map[string]any `json:"response"`
			} `json:"functionResponses"`
		} `json:"toolResponse"`
	}

	received := make(chan toolMsg, 2)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		for i := 0; i < 2; i++ {
			var msg toolMsg
			readJSON(t, conn, &msg)
			received <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialTest(t, srv, transport.SessionConfig{})

	if err := sess.SendToolResult("call-1", "fs_read", `{"content":"data"}`); err != nil {
		t.Fatalf("SendToolResult (json): %v", err)
	}
	if err := sess.SendToolResult("call-2", "fs_read", "plain text"); err != nil {
		t.Fatalf("SendToolResult (plain): %v", err)
	}

	msg := <-received
	fr := msg.ToolResponse.FunctionResponses[0]
	if fr.ID != "call-1" || fr.Name != "fs_read" {
		t.Errorf("response identity = %q/%q; want call-1/fs_read", fr.ID, fr.Name)
	}
	if got := fr.Response["content"]; got != "data" {
		t.Errorf("response content = %v; want data", got)
	}

	msg = <-received
	fr = msg.ToolResponse.FunctionResponses[0]
	if got := fr.Response["output"]; got != "plain text" {
		t.Errorf("wrapped output = %v; want plain text", got)
	}
}

// ── Inbound event mapping ─────────────────────────────────────────────────────

func TestEvents_AudioAndTranscripts(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x20, 0x30, 0x40}
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(pcm),
						}},
					},
				},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription":  map[string]any{"text": "what time is it"},
				"outputTranscription": map[string]any{"text": "It is noon."},
				"turnComplete":        true,
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialTest(t, srv, transport.SessionConfig{})

	ev := nextEvent(t, sess.Events())
	if ev.Kind != transport.KindAudio {
		t.Fatalf("event kind = %v; want KindAudio", ev.Kind)
	}
	if string(ev.Audio) != string(pcm) {
		t.Errorf("audio = %v; want %v", ev.Audio, pcm)
	}

	ev = nextEvent(t, sess.Events())
	if ev.Kind != transport.KindPartialTranscript || ev.Speaker != transport.SpeakerUser {
		t.Fatalf("event = %+v; want user partial transcript", ev)
	}
	if ev.Text != "what time is it" {
		t.Errorf("text = %q", ev.Text)
	}

	ev = nextEvent(t, sess.Events())
	if ev.Kind != transport.KindPartialTranscript || ev.Speaker != transport.SpeakerAssistant {
		t.Fatalf("event = %+v; want assistant partial transcript", ev)
	}
	if ev.Text != "It is noon." {
		t.Errorf("text = %q", ev.Text)
	}

	ev = nextEvent(t, sess.Events())
	if ev.Kind != transport.KindTurnComplete {
		t.Fatalf("event kind = %v; want KindTurnComplete", ev.Kind)
	}
}

func TestEvents_Interrupted(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"interrupted": true},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialTest(t, srv, transport.SessionConfig{})

	ev := nextEvent(t, sess.Events())
	if ev.Kind != transport.KindInterrupted {
		t.Fatalf("event kind = %v; want KindInterrupted", ev.Kind)
	}
}

func TestEvents_ToolCall(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{
			"toolCall": map[string]any{
				"functionCalls": []map[string]any{
					{
						"id":   "call-7",
						"name": "fs_list",
						"args": map[string]any{"path": "."},
					},
				},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialTest(t, srv, transport.SessionConfig{})

	ev := nextEvent(t, sess.Events())
	if ev.Kind != transport.KindToolCall {
		t.Fatalf("event kind = %v; want KindToolCall", ev.Kind)
	}
	if ev.Tool.ID != "call-7" || ev.Tool.Name != "fs_list" {
		t.Errorf("tool call = %+v", ev.Tool)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(ev.Tool.Args), &args); err != nil {
		t.Fatalf("args not valid JSON: %v", err)
	}
	if args["path"] != "." {
		t.Errorf("args = %v; want path=.", args)
	}
}

func TestEvents_ServerError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 429, "message": "quota exceeded"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialTest(t, srv, transport.SessionConfig{})

	ev := nextEvent(t, sess.Events())
	if ev.Kind != transport.KindError {
		t.Fatalf("event kind = %v; want KindError", ev.Kind)
	}
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "quota exceeded") {
		t.Errorf("err = %v; want quota exceeded", ev.Err)
	}
}

func TestEvents_ServerDropEmitsClosed(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		conn.Close(websocket.StatusInternalError, "provider restart")
	})

	sess := dialTest(t, srv, transport.SessionConfig{})

	ev := nextEvent(t, sess.Events())
	if ev.Kind != transport.KindClosed {
		t.Fatalf("event kind = %v; want KindClosed", ev.Kind)
	}
	if ev.Err == nil {
		t.Error("server-initiated drop should carry an error")
	}

	// The stream must terminate after the closed event.
	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Error("expected channel close after KindClosed")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

// ── Session lifecycle ─────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialTest(t, srv, transport.SessionConfig{})

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := sess.SendAudio([]byte{0, 0}, 16000); err == nil {
		t.Error("SendAudio after Close should fail")
	}
	if err := sess.SendText("user", "hi"); err == nil {
		t.Error("SendText after Close should fail")
	}
}

func TestClose_ClientInitiatedHasNoError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialTest(t, srv, transport.SessionConfig{})
	_ = sess.Close()

	// Drain until the final closed event; it must not carry an error.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				return
			}
			if ev.Kind == transport.KindClosed && ev.Err != nil {
				t.Fatalf("client-initiated close carried error: %v", ev.Err)
			}
		case <-deadline:
			t.Fatal("timeout draining events")
		}
	}
}

func TestOutputFormat(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialTest(t, srv, transport.SessionConfig{})

	format := sess.OutputFormat()
	if format.Codec != transport.CodecPCM16 {
		t.Errorf("codec = %v; want CodecPCM16", format.Codec)
	}
	if format.SampleRate != 24000 {
		t.Errorf("sample rate = %d; want 24000", format.SampleRate)
	}
}
