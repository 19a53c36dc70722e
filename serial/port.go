// Package serial opens the RFCOMM channel the OS exposes as a serial device
// and adapts it to link.Channel.
//
// A Port owns two goroutines. The reader calls Handler.OnData once per
// successful read and Handler.OnClosed on a fatal read error. The writer
// drains frames queued by WriteAsync, so WriteAsync never blocks the event
// loop.
package serial

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	goserial "github.com/tarm/serial"
	bugst "go.bug.st/serial"

	"github.com/CK6170/dmplink-go/link"
)

const (
	DriverTarm  = "tarm"
	DriverBugst = "bugst"

	writeQueueSize = 16
	readBufferSize = 256
	drainTimeout   = time.Second

	// fastEOFLimit consecutive EOF reads that return well inside the read
	// timeout mean the peer hung up.
	fastEOFLimit = 8
)

var (
	ErrClosed          = errors.New("serial port closed")
	ErrWriteQueueFull  = errors.New("serial write queue full")
	ErrUnknownDriver   = errors.New("unknown serial driver")
	errMissingPortName = errors.New("missing serial port name")
)

// Config describes the device to open. The line is always 8N1.
type Config struct {
	Name        string
	Baud        int
	Driver      string
	ReadTimeout time.Duration
}

// Port is an open serial device.
type Port struct {
	dev io.ReadWriteCloser
	h   link.Handler
	log zerolog.Logger

	hangup hangupDetector

	writes chan []byte
	wdone  chan struct{}
	rdone  chan struct{}

	mu     sync.Mutex
	closed bool
}

// Open opens the device named by cfg and starts the reader and writer.
func Open(cfg Config, h link.Handler, log zerolog.Logger) (*Port, error) {
	dev, err := openDevice(cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Str("port", cfg.Name).Int("baud", cfg.Baud).Str("driver", driverName(cfg.Driver)).Msg("serial port open")
	return newPort(dev, h, log, detectorFor(cfg)), nil
}

// Dialer returns a link.Dialer that opens cfg.
func Dialer(cfg Config, log zerolog.Logger) link.Dialer {
	return func(h link.Handler) (link.Channel, error) {
		return Open(cfg, h, log)
	}
}

func newPort(dev io.ReadWriteCloser, h link.Handler, log zerolog.Logger, hangup hangupDetector) *Port {
	p := &Port{
		dev:    dev,
		h:      h,
		log:    log,
		hangup: hangup,
		writes: make(chan []byte, writeQueueSize),
		wdone:  make(chan struct{}),
		rdone:  make(chan struct{}),
	}
	go p.readLoop()
	go p.writeLoop()
	return p
}

// hangupDetector tells an expired read timeout from a closed line. The
// tarm driver reports both as io.EOF, so only the timing differs: a timeout
// returns after roughly the read timeout, a hung-up tty returns at once.
type hangupDetector struct {
	timeout time.Duration
	// anyEOF is set for drivers that report a timeout as (0, nil).
	anyEOF bool
	fast   int
}

func detectorFor(cfg Config) hangupDetector {
	return hangupDetector{
		timeout: cfg.ReadTimeout,
		anyEOF:  driverName(cfg.Driver) == DriverBugst,
	}
}

// eof records an EOF read that took elapsed and reports whether the line
// is gone.
func (d *hangupDetector) eof(elapsed time.Duration) bool {
	if d.anyEOF || d.timeout <= 0 {
		return true
	}
	if elapsed >= d.timeout/4 {
		d.fast = 0
		return false
	}
	d.fast++
	return d.fast >= fastEOFLimit
}

func (d *hangupDetector) reset() { d.fast = 0 }

func driverName(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if d == "" {
		return DriverTarm
	}
	return d
}

func openDevice(cfg Config) (io.ReadWriteCloser, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, errMissingPortName
	}
	switch driverName(cfg.Driver) {
	case DriverTarm:
		sp, err := goserial.OpenPort(&goserial.Config{
			Name:        cfg.Name,
			Baud:        cfg.Baud,
			Parity:      goserial.ParityNone,
			Size:        8,
			StopBits:    goserial.Stop1,
			ReadTimeout: cfg.ReadTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Name, err)
		}
		return sp, nil
	case DriverBugst:
		sp, err := bugst.Open(cfg.Name, &bugst.Mode{
			BaudRate: cfg.Baud,
			DataBits: 8,
			Parity:   bugst.NoParity,
			StopBits: bugst.OneStopBit,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Name, err)
		}
		if cfg.ReadTimeout > 0 {
			if err := sp.SetReadTimeout(cfg.ReadTimeout); err != nil {
				_ = sp.Close()
				return nil, fmt.Errorf("set read timeout on %s: %w", cfg.Name, err)
			}
		}
		return sp, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownDriver, cfg.Driver)
	}
}

// WriteAsync queues p for the writer goroutine and returns immediately.
func (p *Port) WriteAsync(b []byte) error {
	frame := make([]byte, len(b))
	copy(frame, b)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.writes <- frame:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

// Close flushes queued frames, bounded by a short drain timeout, then
// closes the device. OnClosed is not called for a deliberate close.
func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.writes)
	p.mu.Unlock()

	select {
	case <-p.wdone:
	case <-time.After(drainTimeout):
		p.log.Warn().Msg("serial writer did not drain before close")
	}
	err := p.dev.Close()
	select {
	case <-p.rdone:
	case <-time.After(drainTimeout):
		p.log.Warn().Msg("serial reader still blocked after close")
	}
	return err
}

func (p *Port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) readLoop() {
	defer close(p.rdone)
	buf := make([]byte, readBufferSize)
	for {
		start := time.Now()
		n, err := p.dev.Read(buf)
		if n > 0 {
			p.hangup.reset()
			p.h.OnData(buf[:n])
		}
		if p.isClosed() {
			return
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if n > 0 || !p.hangup.eof(time.Since(start)) {
				continue
			}
			err = io.ErrUnexpectedEOF
		}
		p.log.Error().Err(err).Msg("serial read failed")
		p.h.OnClosed(err)
		return
	}
}

func (p *Port) writeLoop() {
	defer close(p.wdone)
	for frame := range p.writes {
		if _, err := p.dev.Write(frame); err != nil {
			p.log.Warn().Err(err).Hex("frame", frame).Msg("serial write failed")
			continue
		}
		p.log.Debug().Hex("frame", frame).Msg("tx")
	}
}
