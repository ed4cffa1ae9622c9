package openai_test

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
	"github.com/attune-voice/attune/pkg/transport/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

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

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

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

func dialTest(t *testing.T, srv *httptest.Server, cfg transport.SessionConfig) transport.Session {
	t.Helper()
	d := openai.NewDialer("test-api-key", openai.WithBaseURL(wsURL(srv)))
	sess, err := d.Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// ── Dial and setup ────────────────────────────────────────────────────────────

func TestDial_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type updateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Voice        string `json:"voice"`
			Instructions string `json:"instructions"`
			Tools        []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"tools"`
			InputAudioFormat  string `json:"input_audio_format"`
			OutputAudioFormat string `json:"output_audio_format"`
		} `json:"session"`
	}

	type connInfo struct {
		msg   updateMsg
		auth  string
		query string
	}
	received := make(chan connInfo, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		var msg updateMsg
		readJSON(t, conn, &msg)
		received <- connInfo{msg: msg, auth: r.Header.Get("Authorization"), query: r.URL.RawQuery}
		<-conn.CloseRead(context.Background()).Done()
	})

	dialTest(t, srv, transport.SessionConfig{
		Voice:        "alloy",
		Instructions: "Be concise.",
		Tools: []transport.ToolDefinition{
			{Name: "fs_read", Description: "Reads a file"},
		},
	})

	select {
	case info := <-received:
		if info.msg.Type != "session.update" {
			t.Errorf("type = %q; want session.update", info.msg.Type)
		}
		if info.msg.Session.Voice != "alloy" || info.msg.Session.Instructions != "Be concise." {
			t.Errorf("session params = %+v", info.msg.Session)
		}
		if info.msg.Session.InputAudioFormat != "pcm16" || info.msg.Session.OutputAudioFormat != "pcm16" {
			t.Errorf("audio formats = %q/%q; want pcm16/pcm16",
				info.msg.Session.InputAudioFormat, info.msg.Session.OutputAudioFormat)
		}
		if len(info.msg.Session.Tools) != 1 ||
			info.msg.Session.Tools[0].Type != "function" ||
			info.msg.Session.Tools[0].Name != "fs_read" {
			t.Errorf("tools = %+v", info.msg.Session.Tools)
		}
		if want := "Bearer test-api-key"; info.auth != want {
			t.Errorf("Authorization = %q; want %q", info.auth, want)
		}
		if !strings.Contains(info.query, "model=") {
			t.Errorf("query %q missing model", info.query)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

// ── Outbound messages ─────────────────────────────────────────────────────────

func TestSendAudio_AppendsToInputBuffer(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}

	received := make(chan appendMsg, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		var msg appendMsg
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
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q; want input_audio_buffer.append", msg.Type)
		}
		decoded, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("decode audio: %v", err)
		}
		if string(decoded) != string(pcm) {
			t.Errorf("decoded audio = %v; want %v", decoded, pcm)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for append")
	}
}

func TestSendAudio_RejectsWrongRate(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialTest(t, srv, transport.SessionConfig{})

	if err := sess.SendAudio([]byte{0, 0}, 48000); err == nil {
		t.Fatal("SendAudio should reject a 48 kHz chunk")
	}
}

func TestSendToolResult_CreatesOutputItemAndResponse(t *testing.T) {
	t.Parallel()

	type itemMsg struct {
		Type string `json:"type"`
		Item struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		} `json:"item"`
	}

	msgs := make(chan json.RawMessage, 2)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		for i := 0; i < 2; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				return
			}
			msgs <- data
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialTest(t, srv, transport.SessionConfig{})

	if err := sess.SendToolResult("call-1", "fs_read", `{"content":"data"}`); err != nil {
		t.Fatalf("SendToolResult: %v", err)
	}

	var item itemMsg
	select {
	case data := <-msgs:
		if err := json.Unmarshal(data, &item); err != nil {
			t.Fatalf("unmarshal item: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for item")
	}
	if item.Type != "conversation.item.create" || item.Item.Type != "function_call_output" {
		t.Errorf("item = %+v", item)
	}
	if item.Item.CallID != "call-1" || item.Item.Output != `{"content":"data"}` {
		t.Errorf("call output = %+v", item.Item)
	}

	var follow struct {
		Type string `json:"type"`
	}
	select {
	case data := <-msgs:
		if err := json.Unmarshal(data, &follow); err != nil {
			t.Fatalf("unmarshal follow-up: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.create")
	}
	if follow.Type != "response.create" {
		t.Errorf("follow-up type = %q; want response.create", follow.Type)
	}
}

func TestSendText_RoleAndPartType(t *testing.T) {
	t.Parallel()

	type itemMsg struct {
		Type string `json:"type"`
		Item struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}

	received := make(chan itemMsg, 3)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		for i := 0; i < 3; i++ {
			var msg itemMsg
			readJSON(t, conn, &msg)
			received <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialTest(t, srv, transport.SessionConfig{})

	for _, role := range []string{"user", "assistant", "narrator"} {
		if err := sess.SendText(role, "hello"); err != nil {
			t.Fatalf("SendText(%s): %v", role, err)
		}
	}

	wantRoles := []string{"user", "assistant", "user"}
	wantParts := []string{"input_text", "text", "input_text"}
	for i := 0; i < 3; i++ {
		select {
		case msg := <-received:
			if msg.Item.Role != wantRoles[i] {
				t.Errorf("item %d role = %q; want %q", i, msg.Item.Role, wantRoles[i])
			}
			if len(msg.Item.Content) != 1 || msg.Item.Content[0].Type != wantParts[i] {
				t.Errorf("item %d content = %+v; want part type %q", i, msg.Item.Content, wantParts[i])
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for item")
		}
	}
}

// ── Inbound event mapping ─────────────────────────────────────────────────────

func TestEvents_FullResponseCycle(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x20, 0x30, 0x40}
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString(pcm),
		})
		writeJSON(t, conn, map[string]any{
			"type":  "response.audio_transcript.delta",
			"delta": "It is ",
		})
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "what time is it",
		})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialTest(t, srv, transport.SessionConfig{})

	ev := nextEvent(t, sess.Events())
	if ev.Kind != transport.KindAudio || string(ev.Audio) != string(pcm) {
		t.Fatalf("event = %+v; want audio %v", ev, pcm)
	}

	ev = nextEvent(t, sess.Events())
	if ev.Kind != transport.KindPartialTranscript || ev.Speaker != transport.SpeakerAssistant || ev.Text != "It is " {
		t.Fatalf("event = %+v; want assistant partial", ev)
	}

	ev = nextEvent(t, sess.Events())
	if ev.Kind != transport.KindPartialTranscript || ev.Speaker != transport.SpeakerUser || ev.Text != "what time is it" {
		t.Fatalf("event = %+v; want user transcript", ev)
	}

	ev = nextEvent(t, sess.Events())
	if ev.Kind != transport.KindTurnComplete {
		t.Fatalf("event kind = %v; want KindTurnComplete", ev.Kind)
	}
}

func TestEvents_SpeechStartedIsInterruption(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialTest(t, srv, transport.SessionConfig{})

	ev := nextEvent(t, sess.Events())
	if ev.Kind != transport.KindInterrupted {
		t.Fatalf("event kind = %v; want KindInterrupted", ev.Kind)
	}
}

func TestEvents_FunctionCall(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"call_id":   "call-9",
			"name":      "fs_list",
			"arguments": `{"path":"."}`,
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialTest(t, srv, transport.SessionConfig{})

	ev := nextEvent(t, sess.Events())
	if ev.Kind != transport.KindToolCall {
		t.Fatalf("event kind = %v; want KindToolCall", ev.Kind)
	}
	if ev.Tool.ID != "call-9" || ev.Tool.Name != "fs_list" || ev.Tool.Args != `{"path":"."}` {
		t.Errorf("tool call = %+v", ev.Tool)
	}
}

func TestEvents_ErrorEvent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "rate_limit", "message": "slow down"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := dialTest(t, srv, transport.SessionConfig{})

	ev := nextEvent(t, sess.Events())
	if ev.Kind != transport.KindError {
		t.Fatalf("event kind = %v; want KindError", ev.Kind)
	}
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "slow down") {
		t.Errorf("err = %v; want slow down", ev.Err)
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
	if format.Codec != transport.CodecPCM16 || format.SampleRate != 24000 {
		t.Errorf("format = %+v; want pcm16 @ 24000", format)
	}
}
