package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/CK6170/dmplink-go/console"
	"github.com/CK6170/dmplink-go/controller"
	"github.com/CK6170/dmplink-go/link"
	"github.com/CK6170/dmplink-go/protocol"
	"github.com/CK6170/dmplink-go/ui"
)

// Text dispatches console lines read from r.
func Text(r console.Reader) Dispatcher {
	return func(ctx context.Context, s *Session) error { return s.RunText(ctx, r) }
}

// Controller dispatches the polled state of store.
func Controller(store *controller.Store) Dispatcher {
	return func(ctx context.Context, s *Session) error { return s.RunController(ctx, store) }
}

// RunText reads and executes one line per iteration until stop, kill or
// end of input. Malformed lines are reported and skipped.
func (s *Session) RunText(ctx context.Context, r console.Reader) error {
	ui.Infof(s.out, "type \"help\" for commands\n")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := r.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		in, err := console.Parse(line)
		if err != nil {
			ui.Warningf(s.out, "%v\n", err)
			continue
		}
		stop, err := s.execute(ctx, in)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}

func (s *Session) execute(ctx context.Context, in console.Input) (stop bool, err error) {
	switch in.Op {
	case console.OpNone:
	case console.OpStop:
		return true, nil
	case console.OpKill:
		s.Kill()
		return true, nil
	case console.OpHelp:
		for _, u := range console.Usage {
			_, _ = fmt.Fprintf(s.out, "  %-4s %-18s %s\n", u.Name, u.Args, u.Description)
		}
	case console.OpDrain:
		ui.PrintChunks(s.out, s.link.Drain(), in.AsString)
	case console.OpWait:
		chunks, err := s.link.WaitForResponse(ctx)
		if err != nil {
			return false, err
		}
		ui.PrintChunks(s.out, chunks, in.AsString)
	case console.OpSend:
		s.link.Send(in.Command.Frame(s.cfg.Calibration))
	case console.OpMove, console.OpSteer:
		resp, err := s.Transact(ctx, in.Command)
		if err != nil {
			return false, recoverable(s, err)
		}
		s.printAck(resp)
	case console.OpDistance:
		v, ok, err := s.Distance(ctx)
		if err != nil {
			return false, recoverable(s, err)
		}
		if !ok {
			ui.Warningf(s.out, "no distance\n")
			break
		}
		ui.PrintDistance(s.out, v)
	case console.OpDistanceBurst:
		return false, recoverable(s, s.DistanceBurst(ctx, in.Count))
	}
	return false, nil
}

// recoverable turns a bounded ack wait running out into a warning. Any
// other error ends the dispatch loop.
func recoverable(s *Session, err error) error {
	if errors.Is(err, link.ErrAckAttemptsExceeded) {
		ui.Warningf(s.out, "%v\n", err)
		return nil
	}
	return err
}

func (s *Session) printAck(resp []byte) {
	if len(resp) == 0 {
		ui.Greenf(s.out, "ok\n")
		return
	}
	ui.Greenf(s.out, "ok: %s\n", ui.Hex(resp))
}

// DistanceBurst runs n distance queries and prints the mean and standard
// deviation of the readings that decoded to finite values.
func (s *Session) DistanceBurst(ctx context.Context, n int) error {
	xs := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		v, ok, err := s.Distance(ctx)
		if err != nil {
			return err
		}
		f := float64(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		xs = append(xs, f)
	}
	var mean, std float64
	switch len(xs) {
	case 0:
	case 1:
		mean = xs[0]
	default:
		mean, std = stat.MeanStdDev(xs, nil)
	}
	ui.PrintDistanceStats(s.out, n, len(xs), mean, std)
	return nil
}

// RunController polls store every PollInterval. Move and steer commands are
// only sent when their frame changes; a distance query fires on the press
// of the distance button. Both shoulders send the reset frame and end the
// session without waiting for an acknowledgment.
func (s *Session) RunController(ctx context.Context, store *controller.Store) error {
	cal := s.cfg.Calibration
	lastMove := protocol.Move{Direction: protocol.Forward}.Frame(cal)
	lastSteer := protocol.Steer{}.Frame(cal)
	prevDistance := false

	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-store.Disconnected():
			ui.Errorf(s.out, "controller disconnected\n")
			return ErrControllerDisconnected
		case <-tick.C:
		}

		in := controller.Map(store.Snapshot(), s.cfg.DeadZone)
		if in.Kill {
			s.Kill()
			return nil
		}
		if in.Exit {
			return nil
		}
		if in.Distance && !prevDistance {
			if _, err := s.execute(ctx, console.Input{Op: console.OpDistance}); err != nil {
				return err
			}
		}
		prevDistance = in.Distance

		if f := in.Move.Frame(cal); !bytes.Equal(f, lastMove) {
			if _, err := s.link.Transact(ctx, f); err != nil {
				if err = recoverable(s, err); err != nil {
					return err
				}
			}
			lastMove = f
		}
		if f := in.Steer.Frame(cal); !bytes.Equal(f, lastSteer) {
			if _, err := s.link.Transact(ctx, f); err != nil {
				if err = recoverable(s, err); err != nil {
					return err
				}
			}
			lastSteer = f
		}
	}
}
