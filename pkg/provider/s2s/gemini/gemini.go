// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio travels as base64-encoded PCM media chunks in both directions; every
// inbound message is translated into one or more [s2s.Event] values delivered
// in arrival order.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/aurora/pkg/audio/codec"
	"github.com/MrWong99/aurora/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

// ErrMalformedMessage is reported through an [s2s.EventError] when an inbound
// frame is not valid JSON.
var ErrMalformedMessage = errors.New("gemini: malformed server message")

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	servicePath    = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 256
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithKeepalive overrides the ping interval. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	keepalive time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Voices:             s2s.Voices,
		InputSampleRate:    codec.CaptureRate,
		OutputSampleRate:   codec.PlaybackRate,
		MaxSessionDuration: 15 * time.Minute,
	}
}

// Connect dials the Live endpoint, sends the setup message and blocks until
// the server acknowledges it with setupComplete, the server reports an error,
// or ctx is done.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := p.baseURL + servicePath + "?key=" + url.QueryEscape(p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: gemini: dial: %v", s2s.ErrConnectionFailed, err)
	}
	// Inline audio frames routinely exceed the default 32 KiB read limit.
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		events:   make(chan s2s.Event, eventBuffer),
		loopDone: make(chan struct{}),
		ctx:      sessCtx,
		cancel:   sessCancel,
		state:    s2s.StateConnecting,
	}

	fail := func(err error) (s2s.SessionHandle, error) {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("%w: gemini: %v", s2s.ErrConnectionFailed, err)
	}

	if err := sess.writeJSON(buildSetup(p.model, cfg)); err != nil {
		return fail(fmt.Errorf("setup: %w", err))
	}
	if err := awaitSetupComplete(ctx, conn); err != nil {
		return fail(err)
	}

	sess.setState(s2s.StateOpen)
	go sess.receiveLoop()
	if p.keepalive > 0 {
		go sess.keepaliveLoop(p.keepalive)
	}
	return sess, nil
}

// awaitSetupComplete reads until the setup acknowledgement arrives. Any other
// message before it is ignored except an error message, which fails the
// handshake.
func awaitSetupComplete(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("awaiting setupComplete: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("setup rejected: %s", msg.Error)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func buildSetup(model string, cfg s2s.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return msg
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	Tools                    []geminiTool       `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string          `json:"text,omitempty"`
	InlineData *codec.Envelope `json:"inlineData,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []codec.Envelope `json:"mediaChunks"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage      `json:"setupComplete,omitempty"`
	ServerContent        *serverContent        `json:"serverContent,omitempty"`
	ToolCall             *toolCallMsg          `json:"toolCall,omitempty"`
	ToolCallCancellation *toolCallCancellation `json:"toolCallCancellation,omitempty"`
	GoAway               *goAway               `json:"goAway,omitempty"`
	Error                *geminiError          `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) String() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("%s (%s, code %d)", msg, e.Status, e.Code)
	}
	return msg
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished,omitempty"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type toolCallCancellation struct {
	IDs []string `json:"ids"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	events   chan s2s.Event
	loopDone chan struct{}

	mu     sync.Mutex
	state  s2s.ConnState
	errVal error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and translates them into
// events. It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.loopDone)
	defer close(s.events)
	defer s.setState(s2s.StateDisconnected)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// A cancelled session context means Close was called.
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("%w: %v", s2s.ErrConnectionClosed, err))
			s.cancel()
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if !s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("%w: %v", ErrMalformedMessage, err)}) {
				return
			}
			continue
		}

		for _, ev := range translate(&msg) {
			if !s.emit(ev) {
				return
			}
		}
	}
}

// translate maps one server message onto events in protocol order: errors
// first, then content, tool calls, cancellations and finally goAway.
func translate(msg *serverMessage) []s2s.Event {
	var out []s2s.Event

	if msg.Error != nil {
		out = append(out, s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("gemini: %s", msg.Error)})
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			out = append(out, s2s.Event{Kind: s2s.EventInterrupted})
		}
		if sc.InputTranscription != nil && (sc.InputTranscription.Text != "" || sc.InputTranscription.Finished) {
			out = append(out, s2s.Event{Kind: s2s.EventTranscript, Transcript: s2s.Transcript{
				Speaker: s2s.SpeakerCaller,
				Text:    sc.InputTranscription.Text,
				Final:   sc.InputTranscription.Finished,
			}})
		}
		if sc.ModelTurn != nil {
			// Text parts of an audio response are model reasoning, not speech;
			// the spoken words arrive as outputTranscription.
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil && p.InlineData.Data != "" {
					out = append(out, s2s.Event{Kind: s2s.EventAudio, Audio: *p.InlineData})
				}
			}
		}
		if sc.OutputTranscription != nil && (sc.OutputTranscription.Text != "" || sc.OutputTranscription.Finished) {
			out = append(out, s2s.Event{Kind: s2s.EventTranscript, Transcript: s2s.Transcript{
				Speaker: s2s.SpeakerAgent,
				Text:    sc.OutputTranscription.Text,
				Final:   sc.OutputTranscription.Finished,
			}})
		}
		if sc.TurnComplete {
			out = append(out,
				s2s.Event{Kind: s2s.EventTranscript, Transcript: s2s.Transcript{Speaker: s2s.SpeakerAgent, Final: true}},
				s2s.Event{Kind: s2s.EventTurnComplete},
			)
		}
	}

	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			args := fc.Args
			if args == nil {
				args = map[string]any{}
			}
			out = append(out, s2s.Event{Kind: s2s.EventToolCall, ToolCall: s2s.ToolCallRequest{
				ID:   fc.ID,
				Name: fc.Name,
				Args: args,
			}})
		}
	}

	if msg.ToolCallCancellation != nil && len(msg.ToolCallCancellation.IDs) > 0 {
		out = append(out, s2s.Event{Kind: s2s.EventToolCancel, CancelIDs: msg.ToolCallCancellation.IDs})
	}

	if msg.GoAway != nil {
		left, _ := time.ParseDuration(msg.GoAway.TimeLeft)
		out = append(out, s2s.Event{Kind: s2s.EventGoAway, TimeLeft: left})
	}
	return out
}

// emit delivers ev unless the session is being torn down.
func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) setState(st s2s.ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers one captured block as a realtimeInput media chunk.
func (s *session) SendAudio(env codec.Envelope) error {
	if !s.Ready() {
		return fmt.Errorf("gemini: send audio: %w", s2s.ErrConnectionClosed)
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{MediaChunks: []codec.Envelope{env}},
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("gemini: send audio: %w: %v", s2s.ErrConnectionClosed, err)
	}
	return nil
}

// SendToolResponse answers a tool call with a toolResponse message.
func (s *session) SendToolResponse(resp s2s.ToolResponse) error {
	if !s.Ready() {
		return fmt.Errorf("gemini: send tool response: %w", s2s.ErrConnectionClosed)
	}
	result := resp.Result
	if result == nil {
		result = map[string]any{}
	}
	msg := toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{{ID: resp.ID, Name: resp.Name, Response: result}},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("gemini: send tool response: %w: %v", s2s.ErrConnectionClosed, err)
	}
	return nil
}

// Ready reports whether the session is open.
func (s *session) Ready() bool { return s.State() == s2s.StateOpen }

// Events returns the inbound event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// State returns the current connection state.
func (s *session) State() s2s.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the session unexpectedly.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session, waits for the receive loop to exit and
// closes the event channel. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state == s2s.StateOpen {
			s.state = s2s.StateClosing
		}
		s.mu.Unlock()

		s.cancel() // unblocks receiveLoop and keepaliveLoop
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		<-s.loopDone
	})
	return nil
}
