package capture_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/aurora/pkg/audio"
	"github.com/MrWong99/aurora/pkg/audio/capture"
	"github.com/MrWong99/aurora/pkg/audio/codec"
	"github.com/MrWong99/aurora/pkg/audio/mock"
)

// fakeSink records every envelope it receives.
type fakeSink struct {
	ready   atomic.Bool
	sendErr error

	mu   sync.Mutex
	sent []codec.Envelope
}

func (s *fakeSink) Ready() bool { return s.ready.Load() }

func (s *fakeSink) SendAudio(env codec.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSink) envelopes() []codec.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]codec.Envelope, len(s.sent))
	copy(out, s.sent)
	return out
}

// block returns a 16 kHz mono frame whose first sample encodes marker.
func block(marker int) audio.AudioFrame {
	s := make([]float32, 8)
	s[0] = float32(marker) / 100
	return audio.AudioFrame{Samples: s, SampleRate: 16000, Channels: 1}
}

// marker recovers the value stored by block.
func marker(t *testing.T, env codec.Envelope) int {
	t.Helper()
	buf, err := codec.Decode(env, 1)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	v := buf.Channels[0][0] * 100
	return int(v + 0.5)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func start(t *testing.T, p *capture.Pipeline, dev *mock.InputDevice, sink capture.Sink) *mock.InputStream {
	t.Helper()
	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })
	return dev.Stream()
}

func TestStart_OpensDeviceWithDefaults(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{}
	p := capture.New(dev)
	start(t, p, dev, &fakeSink{})

	if p.State() != capture.StateCapturing {
		t.Errorf("State = %v, want capturing", p.State())
	}
	calls := dev.OpenCalls
	if len(calls) != 1 {
		t.Fatalf("Open calls = %d, want 1", len(calls))
	}
	if calls[0].Format != (audio.Format{SampleRate: 16000, Channels: 1}) || calls[0].BlockSize != 4096 {
		t.Errorf("Open(%v, %d), want 16000Hz mono, 4096", calls[0].Format, calls[0].BlockSize)
	}
}

func TestStart_PermissionDenied(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{OpenError: audio.ErrPermissionDenied}
	p := capture.New(dev)
	err := p.Start(context.Background(), &fakeSink{})
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if p.State() != capture.StateIdle {
		t.Errorf("State = %v, want idle", p.State())
	}
}

func TestStart_Twice(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{}
	p := capture.New(dev)
	start(t, p, dev, &fakeSink{})
	if err := p.Start(context.Background(), &fakeSink{}); !errors.Is(err, capture.ErrAlreadyStarted) {
		t.Errorf("err = %v, want ErrAlreadyStarted", err)
	}
}

func TestForwardsInCaptureOrder(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{}
	sink := &fakeSink{}
	sink.ready.Store(true)
	p := capture.New(dev)
	stream := start(t, p, dev, sink)

	for i := range 10 {
		stream.Push(block(i))
	}
	waitFor(t, func() bool { return len(sink.envelopes()) == 10 })

	for i, env := range sink.envelopes() {
		if env.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("block %d MIMEType = %q", i, env.MIMEType)
		}
		if got := marker(t, env); got != i {
			t.Errorf("block %d carries marker %d", i, got)
		}
	}
	if got := p.Stats().Sent; got != 10 {
		t.Errorf("Stats.Sent = %d, want 10", got)
	}
}

func TestDropsWhileNotReady(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{}
	sink := &fakeSink{}
	p := capture.New(dev)
	stream := start(t, p, dev, sink)

	for i := range 3 {
		stream.Push(block(i))
	}
	waitFor(t, func() bool { return p.Stats().Dropped == 3 })

	if n := len(sink.envelopes()); n != 0 {
		t.Errorf("sent %d blocks while not ready, want 0", n)
	}

	sink.ready.Store(true)
	stream.Push(block(9))
	waitFor(t, func() bool { return len(sink.envelopes()) == 1 })
	if got := marker(t, sink.envelopes()[0]); got != 9 {
		t.Errorf("first sent block = %d, want 9", got)
	}
}

func TestPendingRingFlushesOldestFirst(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{}
	sink := &fakeSink{}
	p := capture.New(dev, capture.WithPendingBlocks(2))
	stream := start(t, p, dev, sink)

	for i := range 3 {
		stream.Push(block(i))
	}
	// The ring holds two, so block 0 is evicted.
	waitFor(t, func() bool { return p.Stats().Dropped == 1 })

	sink.ready.Store(true)
	stream.Push(block(3))
	waitFor(t, func() bool { return len(sink.envelopes()) == 3 })

	want := []int{1, 2, 3}
	for i, env := range sink.envelopes() {
		if got := marker(t, env); got != want[i] {
			t.Errorf("sent[%d] = %d, want %d", i, got, want[i])
		}
	}
}

func TestConvertsDeviceFormat(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{}
	sink := &fakeSink{}
	sink.ready.Store(true)
	p := capture.New(dev)
	stream := start(t, p, dev, sink)

	// The device ignored the request and delivers 48 kHz stereo.
	stream.Push(audio.AudioFrame{Samples: make([]float32, 960), SampleRate: 48000, Channels: 2})
	waitFor(t, func() bool { return len(sink.envelopes()) == 1 })

	pcm, err := sink.envelopes()[0].Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if len(pcm) != 160*2 {
		t.Errorf("payload = %d bytes, want 320 (160 mono frames)", len(pcm))
	}
}

func TestSendErrorsAreCounted(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{}
	sink := &fakeSink{sendErr: fmt.Errorf("socket closed")}
	sink.ready.Store(true)
	p := capture.New(dev)
	stream := start(t, p, dev, sink)

	stream.Push(block(1))
	stream.Push(block(2))
	waitFor(t, func() bool { return p.Stats().Failed == 2 })
}

func TestStop_NoSendAfterReturn(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{Capacity: 256}
	sink := &fakeSink{}
	sink.ready.Store(true)
	p := capture.New(dev)
	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatal(err)
	}
	stream := dev.Stream()
	for i := range 200 {
		stream.Push(block(i % 100))
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	n := len(sink.envelopes())
	time.Sleep(20 * time.Millisecond)
	if got := len(sink.envelopes()); got != n {
		t.Errorf("sends continued after Stop: %d -> %d", n, got)
	}
	if !stream.Closed() {
		t.Error("device stream not closed")
	}
	if p.State() != capture.StateStopped {
		t.Errorf("State = %v, want stopped", p.State())
	}
	if stream.Push(block(1)) {
		t.Error("stream accepted a frame after Stop")
	}
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{}
	p := capture.New(dev)
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	_ = p.Start(context.Background(), &fakeSink{})
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{}
	sink := &fakeSink{}
	sink.ready.Store(true)
	p := capture.New(dev)
	_ = p.Start(context.Background(), sink)
	_ = p.Stop()

	stream := start(t, p, dev, sink)
	stream.Push(block(5))
	waitFor(t, func() bool { return len(sink.envelopes()) == 1 })
}

func TestDeviceFailureEndsRun(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{}
	p := capture.New(dev)
	stream := start(t, p, dev, &fakeSink{})
	stream.Fail()

	// Stop still returns promptly after the consumer exited on its own.
	done := make(chan struct{})
	go func() {
		_ = p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked after device failure")
	}
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) RecordCaptureBlock(_ context.Context, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[status]++
}

func (r *countingRecorder) get(status string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[status]
}

func TestRecorder(t *testing.T) {
	t.Parallel()

	rec := &countingRecorder{}
	dev := &mock.InputDevice{}
	sink := &fakeSink{}
	p := capture.New(dev, capture.WithRecorder(rec))
	stream := start(t, p, dev, sink)

	stream.Push(block(1))
	waitFor(t, func() bool { return rec.get("dropped") == 1 })
	sink.ready.Store(true)
	stream.Push(block(2))
	waitFor(t, func() bool { return rec.get("sent") == 1 })
}

func TestState_String(t *testing.T) {
	t.Parallel()

	if capture.StateCapturing.String() != "capturing" {
		t.Errorf("String = %q", capture.StateCapturing.String())
	}
}
