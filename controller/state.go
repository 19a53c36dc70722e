// Package controller holds the polled state of a gamepad-style input device
// and maps it onto vehicle commands.
package controller

import (
	"math"

	"github.com/CK6170/dmplink-go/protocol"
)

// DefaultDeadZone is the axis magnitude below which a stick reads as neutral.
const DefaultDeadZone = 0.1

// Position is one analog stick or touch point, each axis in -1..1.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// State is one snapshot of every control on the device.
type State struct {
	Cross    bool `json:"cross"`
	Triangle bool `json:"triangle"`
	Circle   bool `json:"circle"`
	Square   bool `json:"square"`
	Home     bool `json:"home"`
	Share    bool `json:"share"`
	Pause    bool `json:"pause"`

	DpadLeft  bool `json:"dpadLeft"`
	DpadRight bool `json:"dpadRight"`
	DpadUp    bool `json:"dpadUp"`
	DpadDown  bool `json:"dpadDown"`

	LeftShoulder  bool    `json:"leftShoulder"`
	LeftTrigger   float64 `json:"leftTrigger"`
	RightShoulder bool    `json:"rightShoulder"`
	RightTrigger  float64 `json:"rightTrigger"`

	LeftThumbstickButton  bool     `json:"leftThumbstickButton"`
	LeftThumbstick        Position `json:"leftThumbstick"`
	RightThumbstickButton bool     `json:"rightThumbstickButton"`
	RightThumbstick       Position `json:"rightThumbstick"`

	TouchPad       bool     `json:"touchPad"`
	TouchPrimary   Position `json:"touchPrimary"`
	TouchSecondary Position `json:"touchSecondary"`
}

// Intent is what a State asks the session to do on one poll.
type Intent struct {
	Kill     bool
	Exit     bool
	Distance bool
	Move     protocol.Move
	Steer    protocol.Steer
}

// Map translates st. The dpad wins over the left stick; a dpad move runs at
// the right trigger's value, or full speed when the trigger is released.
// Axes inside deadZone read as zero.
func Map(st State, deadZone float64) Intent {
	in := Intent{
		Kill:     st.LeftShoulder && st.RightShoulder,
		Exit:     st.Home,
		Distance: st.Cross,
		Move:     protocol.Move{Direction: protocol.Forward},
	}

	dpadSpeed := clamp(st.RightTrigger, 0, 1)
	if dpadSpeed == 0 {
		dpadSpeed = 1
	}
	switch {
	case st.DpadUp:
		in.Move = protocol.Move{Direction: protocol.Forward, Speed: dpadSpeed}
	case st.DpadDown:
		in.Move = protocol.Move{Direction: protocol.Backward, Speed: dpadSpeed}
	case st.DpadLeft:
		in.Move = protocol.Move{Direction: protocol.Left, Speed: dpadSpeed}
	case st.DpadRight:
		in.Move = protocol.Move{Direction: protocol.Right, Speed: dpadSpeed}
	default:
		if y := axis(st.LeftThumbstick.Y, deadZone); y > 0 {
			in.Move = protocol.Move{Direction: protocol.Forward, Speed: y}
		} else if y < 0 {
			in.Move = protocol.Move{Direction: protocol.Backward, Speed: -y}
		}
	}
	in.Steer = protocol.Steer{Amount: axis(st.RightThumbstick.X, deadZone)}
	return in
}

func axis(v, deadZone float64) float64 {
	if math.IsNaN(v) || math.Abs(v) < deadZone {
		return 0
	}
	return clamp(v, -1, 1)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
