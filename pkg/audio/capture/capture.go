// Package capture turns microphone blocks into transport envelopes and hands
// them to the session while it is open.
//
// A [Pipeline] owns one consumer goroutine per capture run. Blocks are
// forwarded strictly in capture order. While the sink is not ready, blocks
// are dropped, or kept in a small bounded ring when [WithPendingBlocks] is
// set and flushed ahead of the next block once the sink becomes ready.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/aurora/pkg/audio"
	"github.com/MrWong99/aurora/pkg/audio/codec"
)

// ErrAlreadyStarted is returned by [Pipeline.Start] when a run is active.
var ErrAlreadyStarted = errors.New("capture: already started")

// DefaultBlockSize is the number of frames per captured block.
const DefaultBlockSize = 4096

// State is the lifecycle state of a [Pipeline].
type State int

// Pipeline states.
const (
	StateIdle State = iota
	StateCapturing
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Sink receives encoded blocks. The session protocol client implements it.
type Sink interface {
	// Ready reports whether the connection is open for audio.
	Ready() bool

	// SendAudio transmits one block.
	SendAudio(env codec.Envelope) error
}

// Recorder receives capture metrics. observe.Metrics satisfies it.
type Recorder interface {
	RecordCaptureBlock(ctx context.Context, status string)
}

// Stats are cumulative block counters across all runs.
type Stats struct {
	Sent    uint64
	Dropped uint64
	Failed  uint64
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFormat sets the capture format requested from the device and produced
// on the wire.
func WithFormat(f audio.Format) Option {
	return func(p *Pipeline) {
		if f.SampleRate > 0 && f.Channels > 0 {
			p.format = f
		}
	}
}

// WithBlockSize sets the number of frames per block.
func WithBlockSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.blockSize = n
		}
	}
}

// WithPendingBlocks keeps up to n blocks captured while the sink is not ready
// and sends them, oldest first, once it is. Zero (the default) drops them.
func WithPendingBlocks(n int) Option {
	return func(p *Pipeline) {
		if n >= 0 {
			p.pendingCap = n
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		p.rec = r
	}
}

// WithLogger sets the logger used for send failures and format warnings.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// Pipeline captures from a device and forwards encoded blocks to a sink.
// All exported methods are safe for concurrent use.
type Pipeline struct {
	dev        audio.InputDevice
	format     audio.Format
	blockSize  int
	pendingCap int
	rec        Recorder
	log        *slog.Logger

	mu     sync.Mutex
	state  State
	stream audio.InputStream
	done   chan struct{}

	sent, dropped, failed atomic.Uint64
}

// New creates an idle pipeline for dev capturing 16 kHz mono in blocks of
// [DefaultBlockSize] frames.
func New(dev audio.InputDevice, opts ...Option) *Pipeline {
	p := &Pipeline{
		dev:       dev,
		format:    audio.Format{SampleRate: codec.CaptureRate, Channels: 1},
		blockSize: DefaultBlockSize,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start acquires the device and begins forwarding blocks to sink. A device
// that cannot be acquired yields an error wrapping
// [audio.ErrPermissionDenied] and leaves the pipeline idle. A stopped
// pipeline can be started again.
func (p *Pipeline) Start(ctx context.Context, sink Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateCapturing {
		return ErrAlreadyStarted
	}

	stream, err := p.dev.Open(ctx, p.format, p.blockSize)
	if err != nil {
		return fmt.Errorf("capture: open device: %w", err)
	}

	p.stream = stream
	p.done = make(chan struct{})
	p.state = StateCapturing
	go p.run(stream, sink, p.done)
	return nil
}

// Stop releases the device and waits for the consumer goroutine to exit. No
// block is sent after Stop returns. Stop is idempotent.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.state != StateCapturing {
		p.mu.Unlock()
		return nil
	}
	stream, done := p.stream, p.done
	p.stream = nil
	p.state = StateStopped
	p.mu.Unlock()

	err := stream.Close()
	<-done
	if err != nil {
		return fmt.Errorf("capture: close device: %w", err)
	}
	return nil
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns the cumulative counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Sent:    p.sent.Load(),
		Dropped: p.dropped.Load(),
		Failed:  p.failed.Load(),
	}
}

// run drains the device until its frame channel closes.
func (p *Pipeline) run(stream audio.InputStream, sink Sink, done chan struct{}) {
	defer close(done)

	conv := audio.FormatConverter{Target: p.format, Logger: p.log}
	pending := make([]codec.Envelope, 0, p.pendingCap)

	for frame := range stream.Frames() {
		// Stop closes the stream before waiting; frames still buffered in the
		// channel must not be sent once Stop has begun.
		if p.stopping(stream) {
			return
		}

		frame = conv.Convert(frame)
		if len(frame.Samples) == 0 {
			continue
		}
		env := codec.Encode(frame.Samples, p.format.SampleRate)

		if !sink.Ready() {
			if p.pendingCap == 0 {
				p.count("dropped", &p.dropped)
				continue
			}
			if len(pending) == p.pendingCap {
				pending = append(pending[:0], pending[1:]...)
				p.count("dropped", &p.dropped)
			}
			pending = append(pending, env)
			p.record("queued")
			continue
		}

		for _, q := range pending {
			p.send(sink, q)
		}
		pending = pending[:0]
		p.send(sink, env)
	}

	if !p.stopping(stream) {
		p.log.Warn("capture: device stream ended unexpectedly", "dropped_pending", len(pending))
	}
}

func (p *Pipeline) send(sink Sink, env codec.Envelope) {
	if err := sink.SendAudio(env); err != nil {
		p.count("error", &p.failed)
		p.log.Debug("capture: send failed", "err", err)
		return
	}
	p.count("sent", &p.sent)
}

// stopping reports whether Stop has detached stream from the pipeline.
func (p *Pipeline) stopping(stream audio.InputStream) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != stream
}

func (p *Pipeline) count(status string, c *atomic.Uint64) {
	c.Add(1)
	p.record(status)
}

func (p *Pipeline) record(status string) {
	if p.rec != nil {
		p.rec.RecordCaptureBlock(context.Background(), status)
	}
}
