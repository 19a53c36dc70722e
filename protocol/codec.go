// Package protocol encodes vehicle commands into wire frames and decodes the
// measurement payloads the vehicle returns.
//
// A frame is [control, value?, 0xAA]. The control byte layout, MSB first:
//
//	bit7     request (query, no value byte)
//	bits6-5  command type (0 longitudinal, 1 lateral, 2 steering)
//	bit4     direction / sign
//	bits3-0  reserved
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Sentinel bytes sent by the vehicle. Done doubles as the frame terminator.
const (
	Received   byte = 0x55
	Done       byte = 0xAA
	Terminator      = Done
)

const (
	requestBit byte = 1 << 7
	typeShift       = 5
	dirBit     byte = 1 << 4
)

const (
	typeLongitudinal byte = 0
	typeLateral      byte = 1
	typeSteering     byte = 2
)

var (
	// ErrInsufficientData is returned when a payload is too short to decode.
	ErrInsufficientData = errors.New("insufficient response data")
	// ErrInvalidCalibration is returned by Calibration.Validate.
	ErrInvalidCalibration = errors.New("invalid calibration")
)

// Calibration maps normalized magnitudes onto the device's byte range.
type Calibration struct {
	MinSpeed        byte
	MaxSpeed        byte
	MinDisplacement int16
	MaxDisplacement int16
}

// DefaultCalibration spans the full value byte.
func DefaultCalibration() Calibration {
	return Calibration{MinSpeed: 0, MaxSpeed: 255, MinDisplacement: 0, MaxDisplacement: 255}
}

func (c Calibration) Validate() error {
	if c.MinSpeed > c.MaxSpeed {
		return fmt.Errorf("%w: min speed %d > max speed %d", ErrInvalidCalibration, c.MinSpeed, c.MaxSpeed)
	}
	if c.MinDisplacement > c.MaxDisplacement {
		return fmt.Errorf("%w: min displacement %d > max displacement %d", ErrInvalidCalibration, c.MinDisplacement, c.MaxDisplacement)
	}
	return nil
}

func control(request bool, kind byte, dir bool) byte {
	b := kind << typeShift
	if request {
		b |= requestBit
	}
	if dir {
		b |= dirBit
	}
	return b
}

// interpolate returns round(lo*(1-t) + hi*t) clamped to a byte, or 0 when t <= 0.
func interpolate(lo, hi float64, t float64) byte {
	if t <= 0 {
		return 0
	}
	if t > 1 {
		t = 1
	}
	v := math.Round(lo*(1-t) + hi*t)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// EncodeMove encodes a move in dir with speed in [0,1].
func EncodeMove(cal Calibration, dir Direction, speed float64) []byte {
	kind := typeLongitudinal
	if dir == Left || dir == Right {
		kind = typeLateral
	}
	sign := dir == Backward || dir == Right
	value := interpolate(float64(cal.MinSpeed), float64(cal.MaxSpeed), speed)
	return []byte{control(false, kind, sign), value, Terminator}
}

// EncodeSteer encodes a servo displacement with amount in [-1,1]. Negative
// amounts set the direction bit.
func EncodeSteer(cal Calibration, amount float64) []byte {
	value := interpolate(float64(cal.MinDisplacement), float64(cal.MaxDisplacement), math.Abs(amount))
	return []byte{control(false, typeSteering, amount < 0), value, Terminator}
}

// EncodeDistanceQuery encodes the two byte distance request.
func EncodeDistanceQuery() []byte {
	return []byte{control(true, typeLongitudinal, false), Terminator}
}

// EncodeReset returns the out-of-band reset frame. It does not follow the
// control byte layout.
func EncodeReset() []byte {
	return []byte{0x00, 0x00, 0x00, Terminator}
}

// EncodeProbe returns the single byte connectivity probe.
func EncodeProbe() []byte {
	return []byte{Terminator}
}

// EncodeRaw copies p unchanged. No terminator is appended.
func EncodeRaw(p []byte) []byte {
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

// DecodeFloat reads a little-endian IEEE-754 float32 from the first four
// bytes of p. NaN and Inf are returned as-is.
func DecodeFloat(p []byte) (float32, error) {
	if len(p) < 4 {
		return 0, fmt.Errorf("%w: got %d bytes, want 4", ErrInsufficientData, len(p))
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(p[:4])), nil
}

// EncodeFloat is the inverse of DecodeFloat.
func EncodeFloat(f float32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
	return buf
}
