package protocol

import "fmt"

// Direction selects the move axis and sign.
type Direction int

const (
	Forward Direction = iota
	Backward
	Left
	Right
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case Forward:
		return "FORWARD"
	case Backward:
		return "BACKWARD"
	case Left:
		return "LEFT"
	case Right:
		return "RIGHT"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ParseDirection maps the single letter form used by the console (f, b, l, r).
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "f":
		return Forward, true
	case "b":
		return Backward, true
	case "l":
		return Left, true
	case "r":
		return Right, true
	}
	return 0, false
}

// Command is one semantic vehicle command.
type Command interface {
	Frame(cal Calibration) []byte
	// Acked reports whether the vehicle answers the frame with both sentinels.
	Acked() bool
}

// Move drives the vehicle in Direction at Speed in [0,1].
type Move struct {
	Direction Direction
	Speed     float64
}

func (m Move) Frame(cal Calibration) []byte { return EncodeMove(cal, m.Direction, m.Speed) }
func (m Move) Acked() bool                  { return true }

// Steer turns the wheels by Amount in [-1,1], negative to the left.
type Steer struct {
	Amount float64
}

func (s Steer) Frame(cal Calibration) []byte { return EncodeSteer(cal, s.Amount) }
func (s Steer) Acked() bool                  { return true }

// DistanceQuery asks for a range reading.
type DistanceQuery struct{}

func (DistanceQuery) Frame(Calibration) []byte { return EncodeDistanceQuery() }
func (DistanceQuery) Acked() bool              { return true }

// RawBytes is sent verbatim, without a terminator or an ack wait.
type RawBytes []byte

func (r RawBytes) Frame(Calibration) []byte { return EncodeRaw(r) }
func (r RawBytes) Acked() bool              { return false }

// Reset is never acknowledged; the vehicle resets itself.
type Reset struct{}

func (Reset) Frame(Calibration) []byte { return EncodeReset() }
func (Reset) Acked() bool              { return false }
