package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/aurora/pkg/audio/codec"
	"github.com/MrWong99/aurora/pkg/provider/s2s"
	"github.com/MrWong99/aurora/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
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
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
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

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// handshake consumes the setup message and acknowledges it.
func handshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	sendSetupComplete(t, conn)
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0))
}

// connect opens a session or fails the test.
func connect(t *testing.T, srv *httptest.Server) s2s.SessionHandle {
	t.Helper()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { handle.Close() })
	return handle
}

// nextEvent receives one event or fails after a timeout.
func nextEvent(t *testing.T, handle s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-handle.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return s2s.Event{}
}

// ── Options & capabilities ─────────────────────────────────────────────────────

func TestWithModel_SetsModel(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if model := <-modelCh; model != "models/custom-model" {
		t.Errorf("model = %q; want %q", model, "models/custom-model")
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if len(caps.Voices) != len(s2s.Voices) {
		t.Errorf("Voices = %d; want %d", len(caps.Voices), len(s2s.Voices))
	}
	if caps.InputSampleRate != 16000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d; want 16000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
}

// ── Connect ────────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
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
					Name       string         `json:"name"`
					Parameters map[string]any `json:"parameters"`
				} `json:"functionDeclarations"`
			} `json:"tools"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	cfg := s2s.SessionConfig{
		Instructions: "You are a receptionist.",
		Voice:        "Aoede",
		Tools: []s2s.ToolDeclaration{{
			Name:        "confirm_appointment",
			Description: "Books an appointment",
			Parameters:  map[string]any{"type": "object"},
		}},
	}
	handle, err := newProvider(srv).Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	msg := <-received
	s := msg.Setup
	if !strings.HasPrefix(s.Model, "models/") {
		t.Errorf("model %q should start with 'models/'", s.Model)
	}
	if len(s.GenerationConfig.ResponseModalities) != 1 || s.GenerationConfig.ResponseModalities[0] != "AUDIO" {
		t.Errorf("responseModalities = %v; want [AUDIO]", s.GenerationConfig.ResponseModalities)
	}
	if got := s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Aoede" {
		t.Errorf("voiceName = %q; want Aoede", got)
	}
	if s.SystemInstruction == nil || len(s.SystemInstruction.Parts) == 0 || s.SystemInstruction.Parts[0].Text != "You are a receptionist." {
		t.Errorf("unexpected system instruction: %+v", s.SystemInstruction)
	}
	if len(s.Tools) != 1 || len(s.Tools[0].FunctionDeclarations) != 1 || s.Tools[0].FunctionDeclarations[0].Name != "confirm_appointment" {
		t.Errorf("unexpected tools: %+v", s.Tools)
	}
	if s.InputAudioTranscription == nil || s.OutputAudioTranscription == nil {
		t.Error("audio transcription should be requested in both directions")
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	query := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.RawQuery
		handshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if q := <-query; !strings.Contains(q, "key=secret-key") {
		t.Errorf("URL query %q should contain key=secret-key", q)
	}
}

func TestConnect_ReadyOnlyAfterSetupComplete(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-release
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	done := make(chan s2s.SessionHandle, 1)
	go func() {
		handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
		if err != nil {
			t.Errorf("Connect: %v", err)
		}
		done <- handle
	}()

	select {
	case <-done:
		t.Fatal("Connect returned before setupComplete")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	handle := <-done
	if handle == nil {
		return
	}
	defer handle.Close()
	if !handle.Ready() || handle.State() != s2s.StateOpen {
		t.Errorf("state = %v; want open", handle.State())
	}
}

func TestConnect_ServerErrorBeforeSetupComplete(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"error": map[string]any{
			"code": 403, "message": "API key not valid", "status": "PERMISSION_DENIED",
		}})
		<-conn.CloseRead(context.Background()).Done()
	})

	_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrConnectionFailed) {
		t.Fatalf("err = %v; want ErrConnectionFailed", err)
	}
	if !strings.Contains(err.Error(), "API key not valid") {
		t.Errorf("err = %v; should carry the server message", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	_, err := gemini.New("key", gemini.WithBaseURL(url)).Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrConnectionFailed) {
		t.Fatalf("err = %v; want ErrConnectionFailed", err)
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newProvider(srv).Connect(ctx, s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrConnectionFailed) {
		t.Fatalf("err = %v; want ErrConnectionFailed", err)
	}
}

// ── Outbound ───────────────────────────────────────────────────────────────────

func TestSendAudio_SendsMediaChunk(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []codec.Envelope `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	audioMsg := make(chan realtimeInput, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		var msg realtimeInput
		readJSON(t, conn, &msg)
		audioMsg <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv)
	env := codec.Encode([]float32{0, 0.5, -0.5}, codec.CaptureRate)
	if err := handle.SendAudio(env); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	msg := <-audioMsg
	if len(msg.RealtimeInput.MediaChunks) != 1 {
		t.Fatalf("mediaChunks = %d; want 1", len(msg.RealtimeInput.MediaChunks))
	}
	got := msg.RealtimeInput.MediaChunks[0]
	if got.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("mimeType = %q", got.MIMEType)
	}
	if got.Data != env.Data {
		t.Errorf("data = %q; want %q", got.Data, env.Data)
	}
}

func TestSendToolResponse(t *testing.T) {
	t.Parallel()

	type responseMsg struct {
		ToolResponse struct {
			FunctionResponses []struct {
				ID       string         `json:"id"`
				Name     string         `json:"name"`
				Response map[string]any `json:"response"`
			} `json:"functionResponses"`
		} `json:"toolResponse"`
	}

	got := make(chan responseMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		var msg responseMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv)
	err := handle.SendToolResponse(s2s.ToolResponse{
		ID:     "call-1",
		Name:   "confirm_appointment",
		Result: map[string]any{"result": "ok"},
	})
	if err != nil {
		t.Fatalf("SendToolResponse: %v", err)
	}

	msg := <-got
	if len(msg.ToolResponse.FunctionResponses) != 1 {
		t.Fatalf("functionResponses = %d; want 1", len(msg.ToolResponse.FunctionResponses))
	}
	fr := msg.ToolResponse.FunctionResponses[0]
	if fr.ID != "call-1" || fr.Name != "confirm_appointment" || fr.Response["result"] != "ok" {
		t.Errorf("unexpected response: %+v", fr)
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv)
	_ = handle.Close()

	if err := handle.SendAudio(codec.Envelope{}); !errors.Is(err, s2s.ErrConnectionClosed) {
		t.Errorf("SendAudio after Close = %v; want ErrConnectionClosed", err)
	}
	if err := handle.SendToolResponse(s2s.ToolResponse{ID: "x"}); !errors.Is(err, s2s.ErrConnectionClosed) {
		t.Errorf("SendToolResponse after Close = %v; want ErrConnectionClosed", err)
	}
}

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})

	handle := connect(t, srv)
	env := codec.Encode(make([]float32, 64), codec.CaptureRate)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 16 {
				_ = handle.SendAudio(env)
			}
		})
	}
	wg.Wait()
}

// ── Inbound ────────────────────────────────────────────────────────────────────

func TestEvents_AudioAndTranscripts(t *testing.T) {
	t.Parallel()

	chunk := codec.FromBytes([]byte{0x01, 0x00, 0xff, 0x7f}, codec.PlaybackRate)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "I'd like to book"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"text": "**Thinking about the booking**"},
				map[string]any{"inlineData": chunk},
			}},
			"outputTranscription": map[string]any{"text": "Sure."},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv)

	ev := nextEvent(t, handle)
	if ev.Kind != s2s.EventTranscript || ev.Transcript.Speaker != s2s.SpeakerCaller || ev.Transcript.Text != "I'd like to book" {
		t.Errorf("event 1 = %+v; want caller transcript", ev)
	}

	ev = nextEvent(t, handle)
	if ev.Kind != s2s.EventAudio {
		t.Fatalf("event 2 kind = %v; want audio (text parts are ignored)", ev.Kind)
	}
	if ev.Audio != chunk {
		t.Errorf("audio = %+v; want %+v", ev.Audio, chunk)
	}

	ev = nextEvent(t, handle)
	if ev.Kind != s2s.EventTranscript || ev.Transcript.Speaker != s2s.SpeakerAgent || ev.Transcript.Text != "Sure." || ev.Transcript.Final {
		t.Errorf("event 3 = %+v; want partial agent transcript", ev)
	}

	ev = nextEvent(t, handle)
	if ev.Kind != s2s.EventTranscript || ev.Transcript.Speaker != s2s.SpeakerAgent || !ev.Transcript.Final || ev.Transcript.Text != "" {
		t.Errorf("event 4 = %+v; want empty final agent fragment", ev)
	}

	if ev = nextEvent(t, handle); ev.Kind != s2s.EventTurnComplete {
		t.Errorf("event 5 kind = %v; want turn_complete", ev.Kind)
	}
}

func TestEvents_InterruptedPrecedesContent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"interrupted":        true,
			"inputTranscription": map[string]any{"text": "wait", "finished": true},
		}})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv)
	if ev := nextEvent(t, handle); ev.Kind != s2s.EventInterrupted {
		t.Fatalf("kind = %v; want interrupted", ev.Kind)
	}
	ev := nextEvent(t, handle)
	if ev.Kind != s2s.EventTranscript || !ev.Transcript.Final || ev.Transcript.Text != "wait" {
		t.Errorf("event = %+v; want final caller transcript", ev)
	}
}

func TestEvents_ToolCallAndCancellation(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{"toolCall": map[string]any{
			"functionCalls": []any{
				map[string]any{"id": "a", "name": "confirm_appointment", "args": map[string]any{"name": "Ada"}},
				map[string]any{"id": "b", "name": "mystery"},
			},
		}})
		writeJSON(t, conn, map[string]any{"toolCallCancellation": map[string]any{"ids": []string{"b"}}})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv)

	ev := nextEvent(t, handle)
	if ev.Kind != s2s.EventToolCall || ev.ToolCall.ID != "a" || ev.ToolCall.Args["name"] != "Ada" {
		t.Errorf("event 1 = %+v", ev)
	}
	ev = nextEvent(t, handle)
	if ev.Kind != s2s.EventToolCall || ev.ToolCall.Name != "mystery" || ev.ToolCall.Args == nil {
		t.Errorf("event 2 = %+v; want tool call with empty args", ev)
	}
	ev = nextEvent(t, handle)
	if ev.Kind != s2s.EventToolCancel || len(ev.CancelIDs) != 1 || ev.CancelIDs[0] != "b" {
		t.Errorf("event 3 = %+v; want cancellation of b", ev)
	}
}

func TestEvents_GoAwayAndError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{"goAway": map[string]any{"timeLeft": "10s"}})
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 429, "message": "quota"}})
		_ = conn.Write(context.Background(), websocket.MessageText, []byte("{not json"))
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv)

	ev := nextEvent(t, handle)
	if ev.Kind != s2s.EventGoAway || ev.TimeLeft != 10*time.Second {
		t.Errorf("event 1 = %+v; want goAway 10s", ev)
	}
	ev = nextEvent(t, handle)
	if ev.Kind != s2s.EventError || ev.Err == nil || !strings.Contains(ev.Err.Error(), "quota") {
		t.Errorf("event 2 = %+v; want server error", ev)
	}
	ev = nextEvent(t, handle)
	if ev.Kind != s2s.EventError || !errors.Is(ev.Err, gemini.ErrMalformedMessage) {
		t.Errorf("event 3 = %+v; want malformed message error", ev)
	}
	if !handle.Ready() {
		t.Error("errors must not end the session")
	}
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

func TestServerClose_SetsErrAndClosesEvents(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	})

	handle := connect(t, srv)

	select {
	case _, open := <-handle.Events():
		if open {
			t.Fatal("unexpected event")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for events channel to close")
	}

	if err := handle.Err(); !errors.Is(err, s2s.ErrConnectionClosed) {
		t.Errorf("Err() = %v; want ErrConnectionClosed", err)
	}
	if handle.State() != s2s.StateDisconnected {
		t.Errorf("state = %v; want disconnected", handle.State())
	}
	if handle.Ready() {
		t.Error("Ready() should be false after disconnect")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv)

	if err := handle.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
	if _, open := <-handle.Events(); open {
		t.Error("events channel should be closed after Close()")
	}
	if err := handle.Err(); err != nil {
		t.Errorf("Err() = %v; want nil after a requested close", err)
	}
	if handle.State() != s2s.StateDisconnected {
		t.Errorf("state = %v; want disconnected", handle.State())
	}
}
