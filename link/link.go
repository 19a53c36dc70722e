// Package link implements the command/acknowledgment engine that sits between
// the control goroutine and the byte-serial transport.
//
// Three contexts touch a Link. The event loop goroutine alone performs
// writes. The control goroutine sends frames and blocks for replies. The
// transport's reader goroutine delivers inbound bytes.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrLinkClosed          = errors.New("link closed")
	ErrAckAttemptsExceeded = errors.New("acknowledgment attempts exceeded")
)

// Channel is the transport side of an open link. WriteAsync is only ever
// called from the event loop goroutine and must not block.
type Channel interface {
	WriteAsync(p []byte) error
	Close() error
}

// Handler receives transport callbacks. Both methods may be called from a
// goroutine owned by the transport.
type Handler interface {
	OnData(p []byte)
	OnClosed(err error)
}

// Dialer opens a channel that reports to h.
type Dialer func(h Handler) (Channel, error)

// Observer is notified of link activity. Implementations must not block.
type Observer interface {
	FramePosted(frame []byte, superseded bool)
	FrameTransmitted(frame []byte)
	ChunkReceived(chunk []byte)
	AckRetry(attempt int)
	AckCompleted(response []byte, wait time.Duration)
	LinkClosed(err error)
}

type nopObserver struct{}

func (nopObserver) FramePosted([]byte, bool)           {}
func (nopObserver) FrameTransmitted([]byte)            {}
func (nopObserver) ChunkReceived([]byte)               {}
func (nopObserver) AckRetry(int)                       {}
func (nopObserver) AckCompleted([]byte, time.Duration) {}
func (nopObserver) LinkClosed(error)                   {}

// Options configures Open. Zero values select defaults.
type Options struct {
	Ack      AckConfig
	Observer Observer
	Logger   zerolog.Logger
	// OnFatal is called once, from the transport goroutine, when the channel
	// closes without Close having been called.
	OnFatal func(err error)
}

// Link binds a State to a Channel through an EventLoop.
type Link struct {
	state *State
	loop  *EventLoop
	ch    Channel
	ack   AckConfig
	obs   Observer
	log   zerolog.Logger

	onFatal   func(error)
	closeOnce sync.Once
	closing   chan struct{}
}

// Open dials the channel and registers the transmit source on loop.
func Open(loop *EventLoop, dial Dialer, opts Options) (*Link, error) {
	l := &Link{
		state:   NewState(),
		loop:    loop,
		ack:     opts.Ack,
		obs:     opts.Observer,
		log:     opts.Logger,
		onFatal: opts.OnFatal,
		closing: make(chan struct{}),
	}
	if l.obs == nil {
		l.obs = nopObserver{}
	}
	if l.ack == (AckConfig{}) {
		l.ack = DefaultAckConfig()
	}
	ch, err := dial(l)
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	l.ch = ch
	loop.AddSource(l.transmit)
	return l, nil
}

// State exposes the shared link state.
func (l *Link) State() *State { return l.state }

// Loop returns the event loop the link transmits on.
func (l *Link) Loop() *EventLoop { return l.loop }

// Send stores frame in the mailbox, replacing any frame the event loop has
// not transmitted yet, and signals the loop. Safe from any goroutine.
func (l *Link) Send(frame []byte) {
	superseded := l.state.post(frame)
	if superseded {
		l.log.Debug().Hex("frame", frame).Msg("superseded unsent frame")
	}
	l.obs.FramePosted(frame, superseded)
	l.loop.Signal()
}

// transmit runs on the event loop goroutine.
func (l *Link) transmit() {
	frame := l.state.take()
	if frame == nil {
		return
	}
	if err := l.ch.WriteAsync(frame); err != nil {
		l.log.Warn().Err(err).Hex("frame", frame).Msg("write failed")
		return
	}
	l.obs.FrameTransmitted(frame)
}

// OnData implements Handler.
func (l *Link) OnData(p []byte) {
	if len(p) == 0 {
		return
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	l.state.deliver(chunk)
	l.obs.ChunkReceived(chunk)
}

// OnClosed implements Handler. An unexpected close is fatal to the session.
func (l *Link) OnClosed(err error) {
	select {
	case <-l.closing:
		return
	default:
	}
	cause := ErrLinkClosed
	if err != nil {
		cause = fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}
	l.log.Error().Err(err).Msg("link closed unexpectedly")
	l.state.fail(cause)
	l.obs.LinkClosed(cause)
	if l.onFatal != nil {
		l.onFatal(cause)
	}
}

// WaitForAcks blocks until both sentinels have been received and returns
// the payload bytes between them.
func (l *Link) WaitForAcks(ctx context.Context) ([]byte, error) {
	start := time.Now()
	resp, err := l.state.WaitForAcks(ctx, l.ack, l.obs.AckRetry)
	if err != nil {
		return nil, err
	}
	l.obs.AckCompleted(resp, time.Since(start))
	return resp, nil
}

// Transact sends frame and waits for its acknowledgment.
func (l *Link) Transact(ctx context.Context, frame []byte) ([]byte, error) {
	l.Send(frame)
	return l.WaitForAcks(ctx)
}

// WaitForResponse blocks until any data arrives and returns the raw chunks.
func (l *Link) WaitForResponse(ctx context.Context) ([][]byte, error) {
	return l.state.WaitForResponse(ctx)
}

// Drain returns queued chunks without blocking.
func (l *Link) Drain() [][]byte {
	return l.state.Drain()
}

// Close deregisters the transmit source, closes the channel and releases
// any goroutine still waiting on the link.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closing)
		l.loop.RemoveSource()
		err = l.ch.Close()
		l.state.fail(ErrLinkClosed)
	})
	return err
}
