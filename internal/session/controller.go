// Package session implements the Aurora session controller.
//
// A [Controller] owns one duplex voice session at a time: it acquires the
// capture device, opens the backend connection, and runs a single event loop
// that routes backend events to playback, transcripts and tool dispatch while
// applying configuration changes in order with them. [Controller.Disconnect]
// is the only full cancellation path and releases every resource even when an
// earlier release fails.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/aurora/internal/observe"
	"github.com/MrWong99/aurora/internal/resilience"
	"github.com/MrWong99/aurora/internal/tools"
	"github.com/MrWong99/aurora/pkg/audio"
	"github.com/MrWong99/aurora/pkg/audio/ambient"
	"github.com/MrWong99/aurora/pkg/audio/capture"
	"github.com/MrWong99/aurora/pkg/audio/codec"
	"github.com/MrWong99/aurora/pkg/audio/playback"
	"github.com/MrWong99/aurora/pkg/provider/s2s"
)

var (
	// ErrAlreadyConnected is returned by Connect while a session is active.
	ErrAlreadyConnected = errors.New("session: already connected")

	// ErrNotConnected is returned by operations that need an open session.
	ErrNotConnected = errors.New("session: not connected")

	// ErrGoAway is reported through diagnostics when the backend announces
	// it will close the connection.
	ErrGoAway = errors.New("session: backend going away")
)

// Deps are the collaborators of a [Controller].
type Deps struct {
	// Provider opens backend sessions. Required.
	Provider s2s.Provider

	// Input is the capture device. Required.
	Input audio.InputDevice

	// Output is the render device. Required.
	Output audio.Renderer

	// ToolHandler answers tool calls. Nil uses [tools.Actions] delivering to
	// Notifier.
	ToolHandler tools.Handler

	// Notifier receives receptionist actions when ToolHandler is nil. Nil
	// logs them.
	Notifier tools.Notifier

	// Breaker guards Connect attempts. Nil disables it.
	Breaker *resilience.CircuitBreaker

	// Metrics records session metrics. Nil uses observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// CaptureRate is the capture sample rate in Hz. Zero uses
	// codec.CaptureRate.
	CaptureRate int

	// BlockSize is the capture block size in frames. Zero uses
	// capture.DefaultBlockSize.
	BlockSize int

	// PendingBlocks keeps up to this many blocks captured while connecting.
	PendingBlocks int

	// ToolTimeout bounds each tool handler invocation. Zero uses
	// tools.DefaultTimeout.
	ToolTimeout time.Duration

	// Now is the wall clock used for the instruction date. Defaults to time.Now.
	Now func() time.Time

	// OnTranscript receives assembled transcript updates. May be nil.
	OnTranscript func(Utterance)

	// OnStatus receives a copy of the state after every lifecycle change.
	// May be nil.
	OnStatus func(State)

	// OnDiagnostic receives non-fatal errors. May be nil.
	OnDiagnostic func(error)
}

// ConnectParams are the per-connection handshake inputs.
type ConnectParams struct {
	// SystemPrompt is the business instruction text.
	SystemPrompt string

	// Tools overrides the declared tool schema. Nil declares
	// [tools.Declarations].
	Tools []s2s.ToolDeclaration
}

// Controller runs voice sessions. All exported methods are safe for
// concurrent use.
type Controller struct {
	deps Deps
	log  *slog.Logger

	// op serialises Connect and Disconnect.
	op sync.Mutex

	mu    sync.Mutex
	cfg   Config
	state State
	live  *live
}

// live holds the resources of one connection.
type live struct {
	id       string
	handle   s2s.SessionHandle
	sink     *gatedSink
	capture  *capture.Pipeline
	sched    *playback.Scheduler
	ambience *ambient.Mixer
	disp     *tools.Dispatcher

	cmds     chan command
	cancel   context.CancelFunc
	loopDone chan struct{}

	releaseOnce sync.Once
	releaseErr  error
}

// command is a configuration change applied by the event loop.
type command struct {
	rate     *float64
	ambience *ambient.Settings
	done     chan error
}

// New creates a Controller with the given initial configuration.
func New(deps Deps, cfg Config) (*Controller, error) {
	if deps.Provider == nil || deps.Input == nil || deps.Output == nil {
		return nil, errors.New("session: provider, input and output are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Controller{
		deps:  deps,
		log:   deps.Logger,
		cfg:   cfg,
		state: State{Conn: s2s.StateDisconnected},
	}, nil
}

// Config returns the current configuration.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Status returns a copy of the current state.
func (c *Controller) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Health reports a problem with the voice session: [ErrNotConnected] wrapping
// the cause of the last disconnect when no session is open, or the
// dispatcher's degraded error when a tool response could not be delivered.
func (c *Controller) Health() error {
	c.mu.Lock()
	l, st := c.live, c.state
	c.mu.Unlock()
	if l == nil || st.Conn != s2s.StateOpen {
		if st.Err != nil {
			return fmt.Errorf("%w: %w", ErrNotConnected, st.Err)
		}
		return ErrNotConnected
	}
	return l.disp.Degraded()
}

// ── Connect ────────────────────────────────────────────────────────────────────

// Connect acquires the capture device, performs the backend handshake and
// starts the session. It returns once the session is open. A capture device
// that cannot be acquired yields an error wrapping [audio.ErrPermissionDenied];
// a failed handshake wraps [s2s.ErrConnectionFailed]. On failure every
// acquired resource is released.
func (c *Controller) Connect(ctx context.Context, p ConnectParams) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.live != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	cfg := c.cfg
	c.mu.Unlock()

	id := uuid.NewString()
	log := c.log.With("session_id", id)

	ctx, span := observe.StartSessionSpan(ctx, "connect", id, observe.VoiceKey.String(cfg.Voice))
	defer span.End()

	l := &live{
		id:       id,
		sink:     &gatedSink{},
		cmds:     make(chan command),
		loopDone: make(chan struct{}),
	}
	l.capture = capture.New(c.deps.Input,
		capture.WithFormat(audio.Format{SampleRate: c.deps.CaptureRate, Channels: 1}),
		capture.WithBlockSize(c.deps.BlockSize),
		capture.WithPendingBlocks(c.deps.PendingBlocks),
		capture.WithRecorder(c.deps.Metrics),
		capture.WithLogger(log),
	)

	if err := l.capture.Start(ctx, l.sink); err != nil {
		fail := fmt.Errorf("session: connect: %w", err)
		c.fail(span, id, fail)
		return fail
	}
	c.setState(func(s *State) {
		*s = State{SessionID: id, Conn: s2s.StateConnecting}
	})

	l.sched = playback.New(c.deps.Output,
		playback.WithRate(cfg.SpeakingRate),
		playback.WithRecorder(c.deps.Metrics),
	)
	l.ambience = ambient.New(c.deps.Output, ambient.WithLogger(log))

	decls := p.Tools
	if decls == nil {
		decls = tools.Declarations()
	}
	sessCfg := s2s.SessionConfig{
		Voice:        cfg.Voice,
		Instructions: ComposeInstruction(p.SystemPrompt, cfg, c.deps.Now()),
		Tools:        decls,
	}

	start := time.Now()
	handle, err := c.dial(ctx, sessCfg)
	if err != nil {
		fail := fmt.Errorf("session: connect: %w", err)
		if rerr := errors.Join(l.capture.Stop(), l.sched.Close(), l.ambience.Close()); rerr != nil {
			log.Warn("session connect: release after failure", "err", rerr)
		}
		c.deps.Metrics.RecordProviderError(ctx, "gemini-live", "connect")
		c.fail(span, id, fail)
		return fail
	}
	c.deps.Metrics.RecordConnectDuration(ctx, time.Since(start))
	l.handle = handle

	handler := c.deps.ToolHandler
	if handler == nil {
		n := c.deps.Notifier
		if n == nil {
			n = tools.LogNotifier{Logger: log}
		}
		handler = tools.NewActions(n, tools.WithSessionID(id))
	}
	dopts := []tools.Option{
		tools.WithRecorder(c.deps.Metrics),
		tools.WithLogger(log),
		tools.WithDiagnostics(c.diagnose),
	}
	if c.deps.ToolTimeout > 0 {
		dopts = append(dopts, tools.WithTimeout(c.deps.ToolTimeout))
	}
	l.disp = tools.NewDispatcher(handle, handler, dopts...)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel

	// Updates made during the handshake only reached c.cfg. Later ones queue
	// on l.cmds behind the loop started below.
	c.mu.Lock()
	c.live = l
	c.state.Conn = s2s.StateOpen
	c.state.ConnectedAt = time.Now()
	snapshot := c.state
	current := c.cfg
	c.mu.Unlock()

	if current.SpeakingRate != cfg.SpeakingRate {
		if err := l.sched.SetRate(current.SpeakingRate); err != nil {
			c.diagnose(fmt.Errorf("session: speaking rate: %w", err))
		}
	}
	if err := l.ambience.Apply(current.Ambience); err != nil {
		c.diagnose(fmt.Errorf("session: ambience: %w", err))
	}
	cfg = current

	l.sink.attach(handle)
	c.deps.Metrics.SessionStarted(ctx)
	go c.loop(loopCtx, l, log)

	log.Info("session connected", "voice", cfg.Voice, "rate", cfg.SpeakingRate, "ambience", cfg.Ambience.Track)
	c.notify(snapshot)
	return nil
}

// dial opens the backend session, through the breaker when configured.
func (c *Controller) dial(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var h s2s.SessionHandle
	connect := func() error {
		var err error
		h, err = c.deps.Provider.Connect(ctx, cfg)
		return err
	}
	run := connect
	if c.deps.Breaker != nil {
		run = func() error { return c.deps.Breaker.Execute(connect) }
	}
	if err := run(); err != nil {
		return nil, err
	}
	return h, nil
}

// fail records a failed Connect.
func (c *Controller) fail(span trace.Span, id string, err error) {
	observe.Fail(span, err)
	c.log.Error("session connect failed", "session_id", id, "err", err)

	c.mu.Lock()
	c.state = State{SessionID: id, Conn: s2s.StateDisconnected, Err: err}
	snapshot := c.state
	c.mu.Unlock()
	c.notify(snapshot)
}

// ── Event loop ─────────────────────────────────────────────────────────────────

// loop is the single consumer of backend events and configuration commands.
func (c *Controller) loop(ctx context.Context, l *live, log *slog.Logger) {
	defer close(l.loopDone)

	events := l.handle.Events()
	var asm Assembler
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-l.cmds:
			cmd.done <- c.apply(l, cmd)
		case ev, ok := <-events:
			if !ok {
				c.lost(l, log, &asm)
				return
			}
			c.handle(ctx, l, log, &asm, ev)
		}
	}
}

func (c *Controller) handle(ctx context.Context, l *live, log *slog.Logger, asm *Assembler, ev s2s.Event) {
	switch ev.Kind {
	case s2s.EventAudio:
		buf, err := codec.Decode(ev.Audio, 1)
		if err != nil {
			c.deps.Metrics.RecordMalformedFrame(ctx)
			c.diagnose(fmt.Errorf("session: audio chunk: %w", err))
			return
		}
		if _, err := l.sched.Enqueue(buf); err != nil {
			c.diagnose(fmt.Errorf("session: schedule chunk: %w", err))
			return
		}
		c.setState(func(s *State) {
			s.Interrupted = false
			s.Chunks++
		})

	case s2s.EventTranscript:
		if c.deps.OnTranscript == nil {
			asm.Add(ev.Transcript)
			return
		}
		for _, u := range asm.Add(ev.Transcript) {
			c.deps.OnTranscript(u)
		}

	case s2s.EventTurnComplete:
		c.setState(func(s *State) {
			s.Turns++
			s.Interrupted = false
		})

	case s2s.EventInterrupted:
		n := l.sched.Interrupt()
		log.Debug("playback interrupted", "stopped", n)
		c.setState(func(s *State) { s.Interrupted = true })
		c.notify(c.Status())

	case s2s.EventToolCall:
		if err := l.disp.Dispatch(ctx, ev.ToolCall); err != nil {
			c.diagnose(fmt.Errorf("session: tool call %s: %w", ev.ToolCall.ID, err))
		}

	case s2s.EventToolCancel:
		n := l.disp.Cancel(ev.CancelIDs)
		log.Debug("tool calls cancelled", "requested", len(ev.CancelIDs), "cancelled", n)

	case s2s.EventGoAway:
		c.deps.Metrics.RecordProviderError(ctx, "gemini-live", "go_away")
		c.diagnose(fmt.Errorf("%w: %s left", ErrGoAway, ev.TimeLeft))

	case s2s.EventError:
		c.deps.Metrics.RecordProviderError(ctx, "gemini-live", "server_error")
		c.diagnose(ev.Err)
	}
}

// apply handles a configuration command on the loop goroutine.
func (c *Controller) apply(l *live, cmd command) error {
	var errs []error
	if cmd.rate != nil {
		if err := l.sched.SetRate(*cmd.rate); err != nil {
			errs = append(errs, err)
		}
	}
	if cmd.ambience != nil {
		if err := l.ambience.Apply(*cmd.ambience); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// lost tears down a session whose backend connection ended on its own.
func (c *Controller) lost(l *live, log *slog.Logger, asm *Assembler) {
	if u, ok := asm.Flush(); ok && c.deps.OnTranscript != nil {
		c.deps.OnTranscript(u)
	}

	cause := l.handle.Err()
	if cause == nil {
		cause = s2s.ErrConnectionClosed
	}
	log.Warn("session connection lost", "err", cause)

	if err := c.release(l); err != nil {
		c.diagnose(err)
	}

	c.mu.Lock()
	if c.live == l {
		c.live = nil
	}
	c.state.Conn = s2s.StateDisconnected
	c.state.Interrupted = false
	c.state.Err = cause
	snapshot := c.state
	c.mu.Unlock()

	c.deps.Metrics.SessionEnded(context.Background())
	c.notify(snapshot)
}

// ── Configuration ──────────────────────────────────────────────────────────────

// UpdateConfig applies a partial configuration change. Speaking rate and
// ambience take effect immediately on a live session, ordered with backend
// events. Voice and tone are stored and used by the next Connect. A volume
// change moves the ambient gain without restarting the track.
func (c *Controller) UpdateConfig(u ConfigUpdate) error {
	if u.Empty() {
		return nil
	}

	c.mu.Lock()
	next, err := c.cfg.Apply(u)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("session: update config: %w", err)
	}
	prev := c.cfg
	c.cfg = next
	l := c.live
	c.mu.Unlock()

	if l == nil {
		return nil
	}

	cmd := command{done: make(chan error, 1)}
	if next.SpeakingRate != prev.SpeakingRate {
		rate := next.SpeakingRate
		cmd.rate = &rate
	}
	if u.touchesAmbience() && next.Ambience != prev.Ambience {
		amb := next.Ambience
		cmd.ambience = &amb
	}
	if cmd.rate == nil && cmd.ambience == nil {
		return nil
	}

	select {
	case l.cmds <- cmd:
	case <-l.loopDone:
		return nil
	}
	select {
	case err := <-cmd.done:
		if err != nil {
			return fmt.Errorf("session: update config: %w", err)
		}
		return nil
	case <-l.loopDone:
		return nil
	}
}

// ── Disconnect ─────────────────────────────────────────────────────────────────

// Disconnect ends the current session. It closes the connection, releases the
// capture device, stops every playing voice and silences ambience, in that
// order. Every release step runs even if an earlier one fails; their errors
// are joined.
// Disconnect is idempotent and returns nil when no session is active.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	l := c.live
	c.mu.Unlock()
	if l == nil {
		return nil
	}

	ctx, span := observe.StartSessionSpan(ctx, "disconnect", l.id)
	defer span.End()

	c.setState(func(s *State) { s.Conn = s2s.StateClosing })

	l.cancel()
	select {
	case <-l.loopDone:
	case <-ctx.Done():
		c.log.Warn("session disconnect: event loop still running", "session_id", l.id, "err", ctx.Err())
	}

	err := c.release(l)

	c.mu.Lock()
	wasLive := c.live == l
	if wasLive {
		c.live = nil
		c.state.Conn = s2s.StateDisconnected
		c.state.Interrupted = false
		c.state.Err = nil
	}
	snapshot := c.state
	c.mu.Unlock()

	if wasLive {
		c.deps.Metrics.SessionEnded(ctx)
		c.notify(snapshot)
	}
	if err != nil {
		err = fmt.Errorf("session: disconnect: %w", err)
		observe.Fail(span, err)
		c.log.Warn("session disconnect", "session_id", l.id, "err", err)
		return err
	}
	c.log.Info("session disconnected", "session_id", l.id)
	return nil
}

// release frees the resources of l exactly once.
func (c *Controller) release(l *live) error {
	l.releaseOnce.Do(func() {
		steps := []struct {
			name string
			fn   func() error
		}{
			{"connection", l.handle.Close},
			{"capture", l.capture.Stop},
			{"playback", l.sched.Close},
			{"ambience", l.ambience.Close},
			{"tools", l.disp.Close},
		}
		var errs []error
		for _, st := range steps {
			if err := safeClose(st.name, st.fn); err != nil {
				errs = append(errs, err)
			}
		}
		l.releaseErr = errors.Join(errs...)
	})
	return l.releaseErr
}

func safeClose(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// ── Helpers ────────────────────────────────────────────────────────────────────

func (c *Controller) setState(fn func(*State)) {
	c.mu.Lock()
	fn(&c.state)
	c.mu.Unlock()
}

func (c *Controller) notify(s State) {
	if c.deps.OnStatus != nil {
		c.deps.OnStatus(s)
	}
}

func (c *Controller) diagnose(err error) {
	if err == nil {
		return
	}
	c.log.Warn("session diagnostic", "err", err)
	if c.deps.OnDiagnostic != nil {
		c.deps.OnDiagnostic(err)
	}
}

// gatedSink forwards capture blocks to the session once attached. Until then
// it reports not ready, so the pipeline drops or holds blocks.
type gatedSink struct {
	h atomic.Pointer[s2s.SessionHandle]
}

func (g *gatedSink) attach(h s2s.SessionHandle) { g.h.Store(&h) }

func (g *gatedSink) Ready() bool {
	h := g.h.Load()
	return h != nil && (*h).Ready()
}

func (g *gatedSink) SendAudio(env codec.Envelope) error {
	h := g.h.Load()
	if h == nil {
		return s2s.ErrConnectionClosed
	}
	return (*h).SendAudio(env)
}
