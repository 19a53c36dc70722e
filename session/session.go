// Package session runs one controller session over a link: the
// connectivity probe, the command dispatch loop driven by an input source,
// the reset kill switch and the orderly teardown.
//
// Run owns the goroutine layout. The caller's goroutine runs the event
// loop, a control goroutine probes and then dispatches, and transport
// callbacks arrive on the transport's own goroutines.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CK6170/dmplink-go/controller"
	"github.com/CK6170/dmplink-go/link"
	"github.com/CK6170/dmplink-go/protocol"
	"github.com/CK6170/dmplink-go/ui"
)

var (
	ErrConnectivity           = errors.New("connectivity probe timed out")
	ErrControllerDisconnected = errors.New("controller disconnected")
	ErrJoinTimeout            = errors.New("control goroutine did not stop in time")
)

// forceGrace bounds the wait for the control goroutine after it was
// cancelled. A goroutine stuck in a blocking read is abandoned.
const forceGrace = time.Second

// Phase is a session lifecycle state.
type Phase int

const (
	Probing Phase = iota
	Dispatching
	Terminating
	Closed
)

func (p Phase) String() string {
	switch p {
	case Probing:
		return "probing"
	case Dispatching:
		return "dispatching"
	case Terminating:
		return "terminating"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Config holds the calibration and every interval a session uses.
type Config struct {
	Calibration  protocol.Calibration
	ProbeTimeout time.Duration
	JoinTimeout  time.Duration
	PollInterval time.Duration
	Ack          link.AckConfig
	DeadZone     float64
}

func DefaultConfig() Config {
	return Config{
		Calibration:  protocol.DefaultCalibration(),
		ProbeTimeout: 10 * time.Second,
		JoinTimeout:  10 * time.Second,
		PollInterval: 50 * time.Millisecond,
		Ack:          link.DefaultAckConfig(),
		DeadZone:     controller.DefaultDeadZone,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Ack.Backoff <= 0 {
		c.Ack.Backoff = d.Ack.Backoff
	}
	if c.DeadZone <= 0 {
		c.DeadZone = d.DeadZone
	}
	return c
}

// Options carries the ambient collaborators of Run.
type Options struct {
	// Out receives operator-facing output. Defaults to os.Stdout.
	Out      io.Writer
	Logger   zerolog.Logger
	Observer link.Observer
}

// Session is the control side of one open link.
type Session struct {
	link *link.Link
	cfg  Config
	out  io.Writer
	log  zerolog.Logger

	mu    sync.Mutex
	phase Phase
}

// Dispatcher is the dispatch loop of one input source. Returning nil ends
// the session normally.
type Dispatcher func(ctx context.Context, s *Session) error

// Phase returns the current lifecycle state.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) enter(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
	s.log.Debug().Stringer("phase", p).Msg("session phase")
}

// Run opens the link, runs the event loop on the calling goroutine and
// dispatch on a control goroutine, then tears everything down. It returns
// the first fatal error: an unexpected link close, a failed probe or a
// dispatch error. Cancelling ctx ends the session without error.
func Run(ctx context.Context, cfg Config, dial link.Dialer, dispatch Dispatcher, opts Options) error {
	cfg = cfg.withDefaults()
	if err := cfg.Calibration.Validate(); err != nil {
		return err
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	log := opts.Logger.With().Str("component", "session").Logger()

	loop := link.NewEventLoop()
	var (
		fatalMu  sync.Mutex
		fatalErr error
	)
	lk, err := link.Open(loop, dial, link.Options{
		Ack:      cfg.Ack,
		Observer: opts.Observer,
		Logger:   opts.Logger.With().Str("component", "link").Logger(),
		OnFatal: func(err error) {
			fatalMu.Lock()
			if fatalErr == nil {
				fatalErr = err
			}
			fatalMu.Unlock()
			loop.Stop()
		},
	})
	if err != nil {
		return err
	}

	s := &Session{link: lk, cfg: cfg, out: out, log: log}
	stopOnCancel := context.AfterFunc(ctx, loop.Stop)
	defer stopOnCancel()

	ctrlCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		err := s.control(ctrlCtx, dispatch)
		s.enter(Terminating)
		done <- err
		loop.Stop()
	}()

	loop.Run()

	var ctrlErr error
	forced := false
	select {
	case ctrlErr = <-done:
	case <-time.After(cfg.JoinTimeout):
		log.Warn().Err(ErrJoinTimeout).Dur("timeout", cfg.JoinTimeout).Msg("forcing control goroutine to stop")
		forced = true
		cancel()
		_ = lk.Close()
		select {
		case ctrlErr = <-done:
		case <-time.After(forceGrace):
			log.Warn().Msg("abandoning blocked control goroutine")
		}
	}

	if err := lk.Close(); err != nil {
		log.Warn().Err(err).Msg("close link")
	}
	s.enter(Closed)

	fatalMu.Lock()
	defer fatalMu.Unlock()
	if fatalErr != nil {
		return fatalErr
	}
	if ctrlErr != nil && (forced || ctx.Err() != nil) &&
		(errors.Is(ctrlErr, context.Canceled) || errors.Is(ctrlErr, link.ErrLinkClosed)) {
		return nil
	}
	return ctrlErr
}

func (s *Session) control(ctx context.Context, dispatch Dispatcher) error {
	if err := s.Probe(ctx); err != nil {
		return err
	}
	s.enter(Dispatching)
	return dispatch(ctx, s)
}

// Probe sends the probe frame and waits for any reply. A watchdog timer on
// the event loop fails the probe with ErrConnectivity after ProbeTimeout.
func (s *Session) Probe(ctx context.Context) error {
	s.enter(Probing)
	pctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	watchdog := s.link.Loop().AfterFunc(s.cfg.ProbeTimeout, func() { cancel(ErrConnectivity) })
	defer watchdog.Stop()

	s.link.Send(protocol.EncodeProbe())
	chunks, err := s.link.WaitForResponse(pctx)
	if err != nil {
		if errors.Is(context.Cause(pctx), ErrConnectivity) {
			ui.Errorf(s.out, "no answer from vehicle after %s\n", s.cfg.ProbeTimeout)
			return ErrConnectivity
		}
		return err
	}
	watchdog.Stop()
	s.log.Debug().Int("chunks", len(chunks)).Msg("probe answered")
	ui.Greenf(s.out, "vehicle connected\n")
	return nil
}

// Kill sends the reset frame without waiting for an acknowledgment.
func (s *Session) Kill() {
	s.link.Send(protocol.EncodeReset())
	s.log.Warn().Msg("reset sent")
	ui.Warningf(s.out, "reset sent, stopping\n")
}

// Transact sends an acknowledged command and waits for both sentinels.
func (s *Session) Transact(ctx context.Context, cmd protocol.Command) ([]byte, error) {
	return s.link.Transact(ctx, cmd.Frame(s.cfg.Calibration))
}

// Distance queries the range sensor. ok is false when the reply carried
// fewer than four payload bytes.
func (s *Session) Distance(ctx context.Context) (v float32, ok bool, err error) {
	resp, err := s.Transact(ctx, protocol.DistanceQuery{})
	if err != nil {
		return 0, false, err
	}
	v, err = protocol.DecodeFloat(resp)
	if errors.Is(err, protocol.ErrInsufficientData) {
		return 0, false, nil
	}
	return v, err == nil, err
}
