package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/MrWong99/aurora/internal/observe"
	"github.com/MrWong99/aurora/pkg/provider/s2s"
)

// ErrClosed is returned by [Dispatcher.Dispatch] after Close.
var ErrClosed = errors.New("tools: dispatcher closed")

// DefaultTimeout bounds a single handler invocation.
const DefaultTimeout = 30 * time.Second

// Responder sends tool results back to the backend. [s2s.SessionHandle]
// satisfies it.
type Responder interface {
	SendToolResponse(resp s2s.ToolResponse) error
}

// Recorder receives tool metrics. [observe.Metrics] satisfies it.
type Recorder interface {
	RecordToolCall(ctx context.Context, tool, status string)
	RecordToolDuration(ctx context.Context, tool string, d time.Duration)
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDiagnostics registers a callback for non-fatal errors: unrecognized
// tools, invalid arguments, handler failures and failed sends. It is invoked
// from handler goroutines.
func WithDiagnostics(fn func(error)) Option {
	return func(d *Dispatcher) { d.diagnose = fn }
}

// WithTimeout bounds each handler invocation. Zero disables the bound.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// Dispatcher routes tool-call requests to a [Handler] without blocking the
// caller. Every accepted request is answered with exactly one response
// carrying the request ID.
type Dispatcher struct {
	responder Responder
	handler   Handler
	recorder  Recorder
	logger    *slog.Logger
	diagnose  func(error)
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*call
	closed   bool
	degraded error
}

type call struct {
	cancel context.CancelFunc
}

// NewDispatcher creates a Dispatcher answering through r with handler h.
func NewDispatcher(r Responder, h Handler, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		responder: r,
		handler:   h,
		logger:    slog.Default(),
		timeout:   DefaultTimeout,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[string]*call),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch accepts req and returns immediately. The handler runs on a
// tracked goroutine; its result is sent once available. Trace context is
// taken from ctx, cancellation is not: handlers stop only on [Cancel],
// [Close] or the handler timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, req s2s.ToolCallRequest) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	hctx, cancel := context.WithCancel(d.ctx)
	c := &call{cancel: cancel}
	d.inflight[req.ID] = c
	d.wg.Add(1)
	d.mu.Unlock()

	parent := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		defer d.finish(req.ID, c)
		d.run(parent, hctx, req)
	}()
	return nil
}

func (d *Dispatcher) finish(id string, c *call) {
	c.cancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[id] == c {
		delete(d.inflight, id)
	}
}

// run executes one request and sends its single response.
func (d *Dispatcher) run(parent, hctx context.Context, req s2s.ToolCallRequest) {
	spanCtx, span := observe.StartToolSpan(parent, req.Name, req.ID)
	defer span.End()

	log := observe.WithTrace(spanCtx, d.logger.With("tool", req.Name, "call_id", req.ID))
	start := time.Now()

	var (
		result map[string]any
		status string
	)

	parsed, err := Parse(req)
	switch {
	case errors.Is(err, ErrUnrecognizedTool):
		// Keep the backend's reasoning loop moving with a generic answer.
		status = "unrecognized"
		result = map[string]any{"status": "ok"}
		log.Warn("unrecognized tool call", "err", err)
		d.report(err)
	case err != nil:
		status = "invalid"
		result = map[string]any{"error": err.Error()}
		log.Warn("invalid tool arguments", "err", err)
		d.report(err)
	default:
		result, err = d.invoke(hctx, parsed)
		if err != nil {
			status = "error"
			result = map[string]any{"error": err.Error()}
			log.Error("tool handler failed", "err", err)
			observe.Fail(span, err)
			d.report(err)
		} else {
			status = "ok"
			if result == nil {
				result = map[string]any{}
			}
		}
		if d.recorder != nil {
			d.recorder.RecordToolDuration(spanCtx, req.Name, time.Since(start))
		}
	}

	resp := s2s.ToolResponse{ID: req.ID, Name: req.Name, Result: result}
	if err := d.responder.SendToolResponse(resp); err != nil {
		status = "send_failed"
		err = fmt.Errorf("tools: send response for %s: %w", req.ID, err)
		log.Error("failed to send tool response", "err", err)
		d.mu.Lock()
		d.degraded = err
		d.mu.Unlock()
		d.report(err)
	}

	if d.recorder != nil {
		d.recorder.RecordToolCall(spanCtx, req.Name, status)
	}
	log.Debug("tool call answered", "status", status, "duration", time.Since(start))
}

// invoke runs the handler with the configured timeout, converting errors and
// panics into [ErrHandlerFailure].
func (d *Dispatcher) invoke(ctx context.Context, c Call) (result map[string]any, err error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool handler panicked", "tool", c.Tool(), "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = fmt.Errorf("%w: %s: panic: %v", ErrHandlerFailure, c.Tool(), r)
		}
	}()

	result, err = d.handler.Handle(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrHandlerFailure, c.Tool(), err)
	}
	return result, nil
}

func (d *Dispatcher) report(err error) {
	if d.diagnose != nil {
		d.diagnose(err)
	}
}

// Cancel cancels the handler contexts of the given in-flight calls. Each
// cancelled call is still answered once its handler returns.
func (d *Dispatcher) Cancel(ids []string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, id := range ids {
		if c, ok := d.inflight[id]; ok {
			c.cancel()
			n++
		}
	}
	return n
}

// InFlight returns the number of requests whose response has not been sent.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Degraded returns the last response send failure, or nil.
func (d *Dispatcher) Degraded() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degraded
}

// Wait blocks until every in-flight request has been answered.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close refuses further requests, cancels every in-flight handler and waits
// for them to finish. Calling Close more than once is safe.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	return nil
}
