package link_test

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CK6170/dmplink-go/internal/testutil/testlog"
	"github.com/CK6170/dmplink-go/link"
	"github.com/CK6170/dmplink-go/link/linktest"
	"github.com/CK6170/dmplink-go/protocol"
)

type countingObserver struct {
	retries    atomic.Int32
	superseded atomic.Int32
	acks       atomic.Int32
}

func (o *countingObserver) FramePosted(_ []byte, superseded bool) {
	if superseded {
		o.superseded.Add(1)
	}
}
func (o *countingObserver) FrameTransmitted([]byte)            {}
func (o *countingObserver) ChunkReceived([]byte)               {}
func (o *countingObserver) AckRetry(int)                       { o.retries.Add(1) }
func (o *countingObserver) AckCompleted([]byte, time.Duration) { o.acks.Add(1) }
func (o *countingObserver) LinkClosed(error)                   {}

func openLink(t *testing.T, ch *linktest.Channel, opts link.Options) (*link.Link, *link.EventLoop) {
	t.Helper()
	loop := link.NewEventLoop()
	l, err := link.Open(loop, ch.Dial, opts)
	if err != nil {
		t.Fatalf("open link: %v", err)
	}
	t.Cleanup(func() {
		loop.Stop()
		_ = l.Close()
	})
	return l, loop
}

func TestMailboxLatestFrameWins(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(nil)
	obs := &countingObserver{}
	l, loop := openLink(t, ch, link.Options{Observer: obs})

	a := []byte{0x00, 0x10, protocol.Terminator}
	b := []byte{0x00, 0x20, protocol.Terminator}
	l.Send(a)
	l.Send(b)

	go loop.Run()
	if !ch.WaitWrites(1, time.Second) {
		t.Fatalf("expected one write")
	}
	time.Sleep(20 * time.Millisecond)

	tx := ch.TxLog()
	if len(tx) != 1 {
		t.Fatalf("unexpected write count: %d", len(tx))
	}
	if !bytes.Equal(tx[0], b) {
		t.Fatalf("unexpected frame on the wire: % X", tx[0])
	}
	if obs.superseded.Load() != 1 {
		t.Fatalf("expected one superseded frame, got %d", obs.superseded.Load())
	}
}

func TestWaitForAcksAcrossChunks(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(nil)
	l, _ := openLink(t, ch, link.Options{Ack: link.AckConfig{Backoff: 5 * time.Millisecond}})

	ch.Inject([]byte{protocol.Received})
	ch.Inject([]byte{0x01, 0x02, protocol.Done})

	resp, err := l.WaitForAcks(context.Background())
	if err != nil {
		t.Fatalf("wait for acks: %v", err)
	}
	if !bytes.Equal(resp, []byte{0x01, 0x02}) {
		t.Fatalf("unexpected response: % X", resp)
	}
	if left := l.Drain(); len(left) != 0 {
		t.Fatalf("expected empty queue, got %d chunks", len(left))
	}
	if !bytes.Equal(l.State().Response(), []byte{0x01, 0x02}) {
		t.Fatalf("response not kept for caller")
	}
}

func TestWaitForAcksAccumulatesAcrossRetries(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(nil)
	obs := &countingObserver{}
	l, _ := openLink(t, ch, link.Options{Observer: obs, Ack: link.AckConfig{Backoff: 5 * time.Millisecond}})

	ch.Inject([]byte{protocol.Received, 0x07})
	done := make(chan []byte, 1)
	go func() {
		resp, err := l.WaitForAcks(context.Background())
		if err != nil {
			t.Errorf("wait for acks: %v", err)
		}
		done <- resp
	}()

	deadline := time.Now().Add(time.Second)
	for obs.retries.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	ch.Inject([]byte{0x08, protocol.Done})

	select {
	case resp := <-done:
		if !bytes.Equal(resp, []byte{0x07, 0x08}) {
			t.Fatalf("unexpected response: % X", resp)
		}
	case <-time.After(time.Second):
		t.Fatalf("wait for acks did not return")
	}
}

func TestWaitForAcksPartialStaysBlocked(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(nil)
	obs := &countingObserver{}
	l, _ := openLink(t, ch, link.Options{Observer: obs, Ack: link.AckConfig{Backoff: 2 * time.Millisecond}})

	ch.Inject([]byte{protocol.Received})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := l.WaitForAcks(ctx)
		errc <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for obs.retries.Load() < 10 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if obs.retries.Load() < 10 {
		t.Fatalf("expected at least 10 backoff cycles, got %d", obs.retries.Load())
	}
	select {
	case err := <-errc:
		t.Fatalf("wait for acks returned early: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("wait for acks ignored cancellation")
	}
}

func TestWaitForAcksMaxAttempts(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(nil)
	l, _ := openLink(t, ch, link.Options{Ack: link.AckConfig{Backoff: time.Millisecond, MaxAttempts: 3}})

	ch.Inject([]byte{protocol.Done})
	_, err := l.WaitForAcks(context.Background())
	if !errors.Is(err, link.ErrAckAttemptsExceeded) {
		t.Fatalf("expected ErrAckAttemptsExceeded, got %v", err)
	}
}

func TestDistanceRoundTrip(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(func(frame []byte) [][]byte {
		if bytes.Equal(frame, protocol.EncodeDistanceQuery()) {
			return [][]byte{{protocol.Received, 0x00, 0x00}, {0x80, 0x3F, protocol.Done}}
		}
		return nil
	})
	l, loop := openLink(t, ch, link.Options{Ack: link.AckConfig{Backoff: time.Millisecond}})
	go loop.Run()

	resp, err := l.Transact(context.Background(), protocol.EncodeDistanceQuery())
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	f, err := protocol.DecodeFloat(resp)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f != 1.0 {
		t.Fatalf("unexpected distance: %v", f)
	}
}

func TestWaitForResponseDrainsQueue(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(nil)
	l, _ := openLink(t, ch, link.Options{})

	go func() {
		time.Sleep(5 * time.Millisecond)
		ch.Inject([]byte("hi"))
	}()
	chunks, err := l.WaitForResponse(context.Background())
	if err != nil {
		t.Fatalf("wait for response: %v", err)
	}
	if len(chunks) != 1 || string(chunks[0]) != "hi" {
		t.Fatalf("unexpected chunks: %q", chunks)
	}
	if left := l.Drain(); len(left) != 0 {
		t.Fatalf("expected drained queue")
	}
}

func TestLinkClosedWakesWaiters(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(nil)
	fatal := make(chan error, 1)
	l, _ := openLink(t, ch, link.Options{OnFatal: func(err error) { fatal <- err }})

	errc := make(chan error, 1)
	go func() {
		_, err := l.WaitForAcks(context.Background())
		errc <- err
	}()
	time.Sleep(5 * time.Millisecond)
	ch.Drop(errors.New("carrier lost"))

	select {
	case err := <-errc:
		if !errors.Is(err, link.ErrLinkClosed) {
			t.Fatalf("expected ErrLinkClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not woken")
	}
	select {
	case err := <-fatal:
		if !errors.Is(err, link.ErrLinkClosed) {
			t.Fatalf("unexpected fatal error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("fatal handler not called")
	}
}

func TestCloseDeregistersSource(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(nil)
	fatal := make(chan error, 1)
	l, loop := openLink(t, ch, link.Options{OnFatal: func(err error) { fatal <- err }})
	go loop.Run()

	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !ch.Closed() {
		t.Fatalf("expected channel closed")
	}
	l.Send(protocol.EncodeProbe())
	if ch.WaitWrites(1, 30*time.Millisecond) {
		t.Fatalf("frame transmitted after close")
	}
	ch.Drop(nil)
	select {
	case err := <-fatal:
		t.Fatalf("deliberate close reported as fatal: %v", err)
	default:
	}
	if _, err := l.WaitForAcks(context.Background()); !errors.Is(err, link.ErrLinkClosed) {
		t.Fatalf("expected ErrLinkClosed after close, got %v", err)
	}
}
