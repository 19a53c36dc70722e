// Package linktest provides an in-memory link.Channel for tests.
package linktest

import (
	"errors"
	"sync"
	"time"

	"github.com/CK6170/dmplink-go/link"
)

var ErrClosed = errors.New("linktest: channel closed")

// Peer scripts the remote vehicle. It receives every written frame and
// returns the chunks to deliver back, each as one OnData call.
type Peer func(frame []byte) [][]byte

// Channel records writes and delivers scripted replies from its own goroutine,
// the way a transport reader would.
type Channel struct {
	mu      sync.Mutex
	h       link.Handler
	tx      [][]byte
	peer    Peer
	closed  bool
	written chan struct{}
}

func New(peer Peer) *Channel {
	return &Channel{peer: peer, written: make(chan struct{}, 64)}
}

// Dial implements link.Dialer.
func (c *Channel) Dial(h link.Handler) (link.Channel, error) {
	c.mu.Lock()
	c.h = h
	c.mu.Unlock()
	return c, nil
}

func (c *Channel) WriteAsync(p []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	frame := make([]byte, len(p))
	copy(frame, p)
	c.tx = append(c.tx, frame)
	peer := c.peer
	c.mu.Unlock()

	select {
	case c.written <- struct{}{}:
	default:
	}
	if peer != nil {
		if replies := peer(frame); len(replies) > 0 {
			go func() {
				for _, r := range replies {
					c.Inject(r)
				}
			}()
		}
	}
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Inject delivers p to the handler as one inbound chunk.
func (c *Channel) Inject(p []byte) {
	c.mu.Lock()
	h := c.h
	c.mu.Unlock()
	if h != nil {
		h.OnData(p)
	}
}

// Drop simulates the remote side closing the link.
func (c *Channel) Drop(err error) {
	c.mu.Lock()
	h := c.h
	c.mu.Unlock()
	if h != nil {
		h.OnClosed(err)
	}
}

// TxLog returns a copy of every written frame in order.
func (c *Channel) TxLog() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.tx))
	for i, f := range c.tx {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// WaitWrites blocks until at least n frames were written or d elapses.
func (c *Channel) WaitWrites(n int, d time.Duration) bool {
	deadline := time.After(d)
	for {
		c.mu.Lock()
		got := len(c.tx)
		c.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-c.written:
		case <-deadline:
			return false
		}
	}
}
