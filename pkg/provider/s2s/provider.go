// Package s2s defines the session protocol between Aurora and a real-time
// speech-to-speech reasoning backend.
//
// A backend session is a single bidirectional connection: captured audio
// flows out, and synthesised audio, transcripts, tool calls and control
// signals flow back in as a single ordered stream of [Event] values. The
// session never retries on its own; a dropped connection surfaces as a closed
// event channel and a non-nil [SessionHandle.Err].
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/aurora/pkg/audio/codec"
)

var (
	// ErrConnectionFailed is returned by [Provider.Connect] when the backend
	// is unreachable or rejects the session setup.
	ErrConnectionFailed = errors.New("s2s: connection failed")

	// ErrConnectionClosed is returned by send operations on a session that is
	// not open, and wraps the cause reported by [SessionHandle.Err] after the
	// backend dropped the connection.
	ErrConnectionClosed = errors.New("s2s: connection closed")
)

// ConnState is the lifecycle state of a backend connection.
//
//	Disconnected → Connecting → Open → Closing → Disconnected
type ConnState int

// Connection states.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// Speaker identifies who a transcript fragment belongs to.
type Speaker int

// Speakers.
const (
	SpeakerCaller Speaker = iota
	SpeakerAgent
)

// String returns "caller" or "agent".
func (s Speaker) String() string {
	if s == SpeakerAgent {
		return "agent"
	}
	return "caller"
}

// EventKind discriminates [Event] values.
type EventKind int

// Event kinds.
const (
	// EventAudio carries one chunk of synthesised speech in Event.Audio.
	EventAudio EventKind = iota + 1

	// EventTranscript carries a transcript fragment in Event.Transcript.
	EventTranscript

	// EventTurnComplete marks the end of the agent's turn.
	EventTurnComplete

	// EventInterrupted reports that the caller barged in; audio already
	// delivered for the current turn should be silenced.
	EventInterrupted

	// EventToolCall carries one tool invocation in Event.ToolCall.
	EventToolCall

	// EventToolCancel lists tool call IDs the backend no longer needs in
	// Event.CancelIDs.
	EventToolCancel

	// EventGoAway warns that the backend will close the connection after
	// Event.TimeLeft.
	EventGoAway

	// EventError carries a non-fatal backend error in Event.Err.
	EventError
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventTranscript:
		return "transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventToolCall:
		return "tool_call"
	case EventToolCancel:
		return "tool_cancel"
	case EventGoAway:
		return "go_away"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Transcript is one recognised fragment of speech. Final marks the last
// fragment of an utterance; Text may be empty on a final fragment.
type Transcript struct {
	Speaker Speaker
	Text    string
	Final   bool
}

// ToolCallRequest is a backend request to run a named tool.
type ToolCallRequest struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResponse answers exactly one [ToolCallRequest], matched by ID.
type ToolResponse struct {
	ID     string
	Name   string
	Result map[string]any
}

// ToolDeclaration advertises a callable tool in the session handshake.
// Parameters is a JSON Schema object.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Event is one inbound protocol event. Only the fields matching Kind are set.
type Event struct {
	Kind       EventKind
	Audio      codec.Envelope
	Transcript Transcript
	ToolCall   ToolCallRequest
	CancelIDs  []string
	TimeLeft   time.Duration
	Err        error
}

// SessionConfig is the handshake configuration of a new session.
type SessionConfig struct {
	// Voice is the prebuilt voice name; see [Voices].
	Voice string

	// Instructions is the composed system instruction.
	Instructions string

	// Tools is the closed set of tools the backend may call.
	Tools []ToolDeclaration
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// Voices lists the prebuilt voice names the backend accepts.
	Voices []string

	// InputSampleRate is the rate expected for captured audio.
	InputSampleRate int

	// OutputSampleRate is the rate of synthesised audio.
	OutputSampleRate int

	// MaxSessionDuration is the backend's session limit, or zero.
	MaxSessionDuration time.Duration
}

// SessionHandle is an open backend session.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio transmits one captured block. It returns an error wrapping
	// [ErrConnectionClosed] unless the session is open.
	SendAudio(env codec.Envelope) error

	// SendToolResponse returns a tool result to the backend.
	SendToolResponse(resp ToolResponse) error

	// Ready reports whether the session is open.
	Ready() bool

	// Events returns the inbound event stream. It is closed when the session
	// ends, either by Close or by a connection failure.
	Events() <-chan Event

	// State returns the current connection state.
	State() ConnState

	// Err returns the cause of an unexpected disconnect, or nil.
	Err() error

	// Close ends the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider opens backend sessions.
type Provider interface {
	// Connect dials the backend, performs the setup handshake and returns
	// once the backend acknowledged it. Failures wrap [ErrConnectionFailed].
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the backend.
	Capabilities() Capabilities
}

// DefaultVoice is the voice used when none is configured.
const DefaultVoice = "Kore"

// Voices is the fixed set of prebuilt voice names.
var Voices = []string{
	"Zephyr", "Puck", "Charon", "Kore", "Fenrir", "Aoede", "Hesperus",
	"Eos", "Astra", "Boreas", "Iris", "Nyx", "Helios", "Selene",
}

// ValidVoice reports whether name is one of [Voices].
func ValidVoice(name string) bool {
	return slices.Contains(Voices, name)
}
