// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted sessions.
// Use Session to push inbound events, simulate a dropped connection and
// inspect what the caller sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Push(s2s.Event{Kind: s2s.EventTurnComplete})
//	sess.Drop(io.EOF) // events channel closes, Err wraps ErrConnectionClosed
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/aurora/pkg/audio/codec"
	"github.com/MrWong99/aurora/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a fresh Session from NewSession.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, makes Connect block until Gate is closed or the
	// context is done. A cancelled context yields an error wrapping
	// s2s.ErrConnectionFailed.
	Gate chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int

	last *Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", s2s.ErrConnectionFailed, ctx.Err())
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		if s, ok := p.Session.(*Session); ok {
			p.last = s
		}
		return p.Session, nil
	}
	p.last = NewSession()
	return p.last, nil
}

// Last returns the most recent *Session handed out by Connect, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Calls returns a copy of ConnectCalls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.CapabilitiesCallCount = 0
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle. It starts open.
type Session struct {
	mu     sync.Mutex
	events chan s2s.Event
	state  s2s.ConnState
	err    error
	closed bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendToolResponseErr, if non-nil, is returned by every SendToolResponse call.
	SendToolResponseErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SentAudio records every envelope accepted by SendAudio in order.
	SentAudio []codec.Envelope

	// ToolResponses records every response accepted by SendToolResponse in order.
	ToolResponses []s2s.ToolResponse

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// OnClose, if non-nil, is called on every Close after the session ends.
	OnClose func()

	responded chan s2s.ToolResponse
}

// NewSession returns an open Session with a buffered event channel.
func NewSession() *Session {
	return &Session{
		events:    make(chan s2s.Event, 256),
		state:     s2s.StateOpen,
		responded: make(chan s2s.ToolResponse, 256),
	}
}

// Push delivers ev to the event stream. It returns false once the session
// has ended.
func (s *Session) Push(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- ev
	return true
}

// Drop simulates the backend closing the connection with cause.
func (s *Session) Drop(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = fmt.Errorf("%w: %v", s2s.ErrConnectionClosed, cause)
	s.end()
}

func (s *Session) end() {
	s.closed = true
	s.state = s2s.StateDisconnected
	close(s.events)
}

// SendAudio records env and returns SendAudioErr.
func (s *Session) SendAudio(env codec.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock: send audio: %w", s2s.ErrConnectionClosed)
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.SentAudio = append(s.SentAudio, env)
	return nil
}

// SendToolResponse records resp and returns SendToolResponseErr.
func (s *Session) SendToolResponse(resp s2s.ToolResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock: send tool response: %w", s2s.ErrConnectionClosed)
	}
	if s.SendToolResponseErr != nil {
		return s.SendToolResponseErr
	}
	s.ToolResponses = append(s.ToolResponses, resp)
	select {
	case s.responded <- resp:
	default:
	}
	return nil
}

// Responses returns the channel on which accepted tool responses are also
// published, for tests that wait on asynchronous handlers.
func (s *Session) Responses() <-chan s2s.ToolResponse { return s.responded }

// Audio returns a copy of SentAudio. Thread-safe.
func (s *Session) Audio() []codec.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]codec.Envelope(nil), s.SentAudio...)
}

// Ready reports whether the session is open.
func (s *Session) Ready() bool { return s.State() == s2s.StateOpen }

// Events returns the inbound event channel.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// State returns the current state.
func (s *Session) State() s2s.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the cause set by Drop, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call, ends the session and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	if !s.closed {
		s.end()
	}
	hook, err := s.OnClose, s.CloseErr
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
