package session

import (
	"time"

	"github.com/MrWong99/aurora/pkg/provider/s2s"
)

// State is the observable state of a [Controller]. The session event loop is
// its only writer; readers receive copies.
type State struct {
	// SessionID identifies the current or most recent connection.
	SessionID string

	// Conn is the connection lifecycle state.
	Conn s2s.ConnState

	// Interrupted is set while Open between an interruption and the next
	// audio chunk or turn completion.
	Interrupted bool

	// ConnectedAt is when the handshake completed.
	ConnectedAt time.Time

	// Turns counts completed agent turns.
	Turns int

	// Chunks counts audio chunks handed to playback.
	Chunks int

	// Err is the fatal error that ended the last session, if any.
	Err error
}

// Active reports whether a session holds resources.
func (s State) Active() bool {
	return s.Conn == s2s.StateConnecting || s.Conn == s2s.StateOpen
}
