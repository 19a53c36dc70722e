package session_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/CK6170/dmplink-go/controller"
	"github.com/CK6170/dmplink-go/internal/testutil/testlog"
	"github.com/CK6170/dmplink-go/link"
	"github.com/CK6170/dmplink-go/link/linktest"
	"github.com/CK6170/dmplink-go/protocol"
	"github.com/CK6170/dmplink-go/session"
)

// vehicle answers the probe and acknowledges every control frame. Distance
// queries return 1.0.
func vehicle(frame []byte) [][]byte {
	switch {
	case bytes.Equal(frame, protocol.EncodeProbe()):
		return [][]byte{{protocol.Received, protocol.Done}}
	case bytes.Equal(frame, protocol.EncodeReset()):
		return nil
	case bytes.Equal(frame, protocol.EncodeDistanceQuery()):
		return [][]byte{{protocol.Received}, append(protocol.EncodeFloat(1.0), protocol.Done)}
	case len(frame) == 3 && frame[2] == protocol.Terminator:
		return [][]byte{{protocol.Received}, {protocol.Done}}
	}
	return nil
}

type scriptReader struct {
	mu    sync.Mutex
	lines []string
}

func script(lines ...string) *scriptReader { return &scriptReader{lines: lines} }

func (r *scriptReader) ReadLine() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func (r *scriptReader) Close() error { return nil }

// blockingReader never returns a line until released.
type blockingReader struct{ release chan struct{} }

func (r *blockingReader) ReadLine() (string, error) {
	<-r.release
	return "", io.EOF
}

func (r *blockingReader) Close() error { return nil }

type ackObserver struct {
	waits atomic.Int32
}

func (o *ackObserver) FramePosted([]byte, bool)           {}
func (o *ackObserver) FrameTransmitted([]byte)            {}
func (o *ackObserver) ChunkReceived([]byte)               {}
func (o *ackObserver) AckRetry(int)                       { o.waits.Add(1) }
func (o *ackObserver) AckCompleted([]byte, time.Duration) { o.waits.Add(1) }
func (o *ackObserver) LinkClosed(error)                   {}

// lockedBuffer is written by the control goroutine, which may outlive Run
// when it is abandoned.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.ProbeTimeout = time.Second
	cfg.JoinTimeout = 2 * time.Second
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Ack = link.AckConfig{Backoff: 2 * time.Millisecond}
	return cfg
}

func run(t *testing.T, cfg session.Config, ch *linktest.Channel, d session.Dispatcher, obs link.Observer) (string, error) {
	t.Helper()
	out := &lockedBuffer{}
	errc := make(chan error, 1)
	go func() {
		errc <- session.Run(context.Background(), cfg, ch.Dial, d, session.Options{
			Out:      out,
			Logger:   zerolog.Nop(),
			Observer: obs,
		})
	}()
	select {
	case err := <-errc:
		return out.String(), err
	case <-time.After(10 * time.Second):
		t.Fatalf("session did not finish")
		return "", nil
	}
}

func TestRunTextMoveThenStop(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(vehicle)
	out, err := run(t, testConfig(), ch, session.Text(script("m f 1", "s")), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	tx := ch.TxLog()
	if len(tx) != 2 {
		t.Fatalf("unexpected write count %d: %v", len(tx), tx)
	}
	if !bytes.Equal(tx[0], protocol.EncodeProbe()) {
		t.Fatalf("first frame must be the probe: % X", tx[0])
	}
	if !bytes.Equal(tx[1], []byte{0x00, 0xFF, protocol.Terminator}) {
		t.Fatalf("unexpected move frame: % X", tx[1])
	}
	if !strings.Contains(out, "ok") {
		t.Fatalf("ack not reported: %q", out)
	}
	if !ch.Closed() {
		t.Fatalf("link not closed on teardown")
	}
}

func TestRunMalformedInputRecovers(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(vehicle)
	out, err := run(t, testConfig(), ch, session.Text(script("m f fast", "bogus", "sr -0.5")), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "malformed input") || !strings.Contains(out, "unknown command") {
		t.Fatalf("diagnostics missing: %q", out)
	}
	tx := ch.TxLog()
	if len(tx) != 2 || !bytes.Equal(tx[1], protocol.EncodeSteer(protocol.DefaultCalibration(), -0.5)) {
		t.Fatalf("steer after malformed input not sent: %v", tx)
	}
}

func TestRunDistance(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(vehicle)
	out, err := run(t, testConfig(), ch, session.Text(script("d", "da 3", "s")), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "distance: 1.000") {
		t.Fatalf("distance not printed: %q", out)
	}
	if !strings.Contains(out, "mean 1.000 stddev 0.000 (3/3 valid)") {
		t.Fatalf("burst summary not printed: %q", out)
	}
}

func TestRunTextKill(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(vehicle)
	obs := &ackObserver{}
	_, err := run(t, testConfig(), ch, session.Text(script("k", "m f 1")), obs)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	tx := ch.TxLog()
	if len(tx) != 2 || !bytes.Equal(tx[1], protocol.EncodeReset()) {
		t.Fatalf("unexpected frames: %v", tx)
	}
	if obs.waits.Load() != 0 {
		t.Fatalf("kill must not wait for acks")
	}
}

func TestRunProbeTimeout(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(nil)
	cfg := testConfig()
	cfg.ProbeTimeout = 20 * time.Millisecond
	out, err := run(t, cfg, ch, session.Text(script("s")), nil)
	if !errors.Is(err, session.ErrConnectivity) {
		t.Fatalf("expected ErrConnectivity, got %v", err)
	}
	if !strings.Contains(out, "no answer") {
		t.Fatalf("probe failure not reported: %q", out)
	}
}

func TestRunControllerResetKillSwitch(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(vehicle)
	store := controller.NewStore()
	store.Connect()
	store.Set(controller.State{LeftShoulder: true, RightShoulder: true})
	obs := &ackObserver{}

	_, err := run(t, testConfig(), ch, session.Controller(store), obs)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var resets int
	for _, f := range ch.TxLog() {
		if bytes.Equal(f, protocol.EncodeReset()) {
			resets++
		} else if !bytes.Equal(f, protocol.EncodeProbe()) {
			t.Fatalf("unexpected frame % X", f)
		}
	}
	if resets != 1 {
		t.Fatalf("expected exactly one reset frame, got %d", resets)
	}
	if obs.waits.Load() != 0 {
		t.Fatalf("reset must not wait for acks")
	}
}

func TestRunControllerSendsChangesOnly(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(vehicle)
	store := controller.NewStore()
	store.Connect()
	store.Set(controller.State{LeftThumbstick: controller.Position{Y: 1}})

	go func() {
		if !ch.WaitWrites(2, 2*time.Second) {
			return
		}
		time.Sleep(30 * time.Millisecond)
		store.Set(controller.State{})
		if !ch.WaitWrites(3, 2*time.Second) {
			return
		}
		time.Sleep(30 * time.Millisecond)
		store.Set(controller.State{Home: true})
	}()

	_, err := run(t, testConfig(), ch, session.Controller(store), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	tx := ch.TxLog()
	if len(tx) != 3 {
		t.Fatalf("expected probe, move and neutral move, got %v", tx)
	}
	if !bytes.Equal(tx[1], []byte{0x00, 0xFF, protocol.Terminator}) {
		t.Fatalf("unexpected move frame: % X", tx[1])
	}
	if !bytes.Equal(tx[2], []byte{0x00, 0x00, protocol.Terminator}) {
		t.Fatalf("neutral must issue a zero move: % X", tx[2])
	}
}

func TestRunControllerDisconnectIsFatal(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(vehicle)
	store := controller.NewStore()
	store.Connect()
	go func() {
		ch.WaitWrites(1, time.Second)
		time.Sleep(20 * time.Millisecond)
		store.Disconnect()
	}()
	_, err := run(t, testConfig(), ch, session.Controller(store), nil)
	if !errors.Is(err, session.ErrControllerDisconnected) {
		t.Fatalf("expected ErrControllerDisconnected, got %v", err)
	}
}

func TestRunLinkDropIsFatal(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(vehicle)
	reader := &blockingReader{release: make(chan struct{})}
	defer close(reader.release)
	cfg := testConfig()
	cfg.JoinTimeout = 20 * time.Millisecond

	go func() {
		ch.WaitWrites(1, time.Second)
		time.Sleep(30 * time.Millisecond)
		ch.Drop(errors.New("carrier lost"))
	}()
	_, err := run(t, cfg, ch, session.Text(reader), nil)
	if !errors.Is(err, link.ErrLinkClosed) {
		t.Fatalf("expected ErrLinkClosed, got %v", err)
	}
}

func TestRunCancelIsNotAnError(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(vehicle)
	store := controller.NewStore()
	store.Connect()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch.WaitWrites(1, time.Second)
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := session.Run(ctx, testConfig(), ch.Dial, session.Controller(store), session.Options{Out: io.Discard, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("expected clean exit on cancel, got %v", err)
	}
}

// hookReader runs on before returning each scripted line.
type hookReader struct {
	*scriptReader
	on func(line string)
}

func (r *hookReader) ReadLine() (string, error) {
	line, err := r.scriptReader.ReadLine()
	if err == nil && r.on != nil {
		r.on(line)
	}
	return line, err
}

func TestRunRawSendAndRead(t *testing.T) {
	testlog.Start(t)
	ch := linktest.New(vehicle)
	obs := &ackObserver{}
	reader := &hookReader{
		scriptReader: script("rb", "wb 41", "ws hi there", "Wb", "s"),
		on: func(line string) {
			switch line {
			case "ws hi there":
				ch.WaitWrites(2, time.Second)
			case "Wb":
				ch.WaitWrites(3, time.Second)
				go func() {
					time.Sleep(20 * time.Millisecond)
					ch.Inject([]byte{0x42, 0x43})
				}()
			}
		},
	}

	out, err := run(t, testConfig(), ch, session.Text(reader), obs)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	tx := ch.TxLog()
	if len(tx) != 3 {
		t.Fatalf("unexpected frames: %v", tx)
	}
	if !bytes.Equal(tx[1], []byte{0x41}) {
		t.Fatalf("unexpected raw byte frame: % X", tx[1])
	}
	if !bytes.Equal(tx[2], []byte("hi there")) {
		t.Fatalf("unexpected raw text frame: % X", tx[2])
	}
	if obs.waits.Load() != 0 {
		t.Fatalf("raw sends must not wait for acks")
	}
	if !strings.Contains(out, "no data") {
		t.Fatalf("empty drain not reported: %q", out)
	}
	if !strings.Contains(out, "[00] 42 43") {
		t.Fatalf("waited chunk not printed: %q", out)
	}
}
