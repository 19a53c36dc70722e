// Package models defines the configuration structures shared by the CLI,
// the session and the HTTP side-car.
//
// These types mirror the sections of the TOML configuration file.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/CK6170/dmplink-go/protocol"
)

// INPUT selects which input source drives the session.
type INPUT string

const (
	InputText    INPUT = "text"
	InputKeypad  INPUT = "keypad"
	InputGamepad INPUT = "gamepad"
)

// String implements fmt.Stringer.
func (i INPUT) String() string { return string(i) }

// ParseInput normalizes an input name.
func ParseInput(s string) (INPUT, error) {
	switch in := INPUT(strings.ToLower(strings.TrimSpace(s))); in {
	case InputText, InputKeypad, InputGamepad:
		return in, nil
	default:
		return "", fmt.Errorf("unknown input %q (want text, keypad or gamepad)", s)
	}
}

// PARAMETERS is the primary configuration model.
type PARAMETERS struct {
	LINK        *LINK        `json:"LINK"`
	CALIBRATION *CALIBRATION `json:"CALIBRATION"`
	TIMING      *TIMING      `json:"TIMING"`
	SERVER      *SERVER      `json:"SERVER,omitempty"`
	INPUT       INPUT        `json:"INPUT"`
	HISTORY     string       `json:"HISTORY,omitempty"`
	DEBUG       bool         `json:"DEBUG"`
}

// LINK contains the serial device settings of the RFCOMM channel.
type LINK struct {
	PORT        string        `json:"PORT"`
	BAUDRATE    int           `json:"BAUDRATE"`
	DRIVER      string        `json:"DRIVER"`
	READTIMEOUT time.Duration `json:"READTIMEOUT"`
}

// CALIBRATION maps normalized speed and steering onto value bytes.
type CALIBRATION struct {
	MINSPEED        int `json:"MINSPEED"`
	MAXSPEED        int `json:"MAXSPEED"`
	MINDISPLACEMENT int `json:"MINDISPLACEMENT"`
	MAXDISPLACEMENT int `json:"MAXDISPLACEMENT"`
}

// TIMING holds every interval the session uses.
type TIMING struct {
	PROBETIMEOUT   time.Duration `json:"PROBETIMEOUT"`
	ACKBACKOFF     time.Duration `json:"ACKBACKOFF"`
	ACKMAXATTEMPTS int           `json:"ACKMAXATTEMPTS"`
	JOINTIMEOUT    time.Duration `json:"JOINTIMEOUT"`
	POLLINTERVAL   time.Duration `json:"POLLINTERVAL"`
	GAMEPADWAIT    time.Duration `json:"GAMEPADWAIT"`
}

// SERVER configures the optional HTTP side-car. An empty LISTEN disables it.
type SERVER struct {
	LISTEN string `json:"LISTEN"`
}

// DefaultParameters returns the configuration used when no file is given.
func DefaultParameters() *PARAMETERS {
	return &PARAMETERS{
		LINK: &LINK{
			BAUDRATE:    9600,
			DRIVER:      "tarm",
			READTIMEOUT: 100 * time.Millisecond,
		},
		CALIBRATION: &CALIBRATION{
			MINSPEED:        0,
			MAXSPEED:        255,
			MINDISPLACEMENT: 0,
			MAXDISPLACEMENT: 255,
		},
		TIMING: &TIMING{
			PROBETIMEOUT: 10 * time.Second,
			ACKBACKOFF:   time.Second,
			JOINTIMEOUT:  10 * time.Second,
			POLLINTERVAL: 50 * time.Millisecond,
			GAMEPADWAIT:  10 * time.Second,
		},
		SERVER: &SERVER{},
		INPUT:  InputText,
	}
}

// Validate checks ranges and required fields.
func (p *PARAMETERS) Validate() error {
	if p == nil || p.LINK == nil || p.CALIBRATION == nil || p.TIMING == nil {
		return fmt.Errorf("incomplete parameters")
	}
	if strings.TrimSpace(p.LINK.PORT) == "" {
		return fmt.Errorf("missing LINK.PORT")
	}
	if p.LINK.BAUDRATE <= 0 {
		return fmt.Errorf("invalid LINK.BAUDRATE %d", p.LINK.BAUDRATE)
	}
	c := p.CALIBRATION
	if c.MINSPEED < 0 || c.MAXSPEED > 255 || c.MINSPEED > c.MAXSPEED {
		return fmt.Errorf("invalid speed range %d..%d", c.MINSPEED, c.MAXSPEED)
	}
	if c.MINDISPLACEMENT < -32768 || c.MAXDISPLACEMENT > 32767 || c.MINDISPLACEMENT > c.MAXDISPLACEMENT {
		return fmt.Errorf("invalid displacement range %d..%d", c.MINDISPLACEMENT, c.MAXDISPLACEMENT)
	}
	if p.TIMING.PROBETIMEOUT <= 0 || p.TIMING.JOINTIMEOUT <= 0 || p.TIMING.POLLINTERVAL <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if p.TIMING.ACKMAXATTEMPTS < 0 {
		return fmt.Errorf("invalid TIMING.ACKMAXATTEMPTS %d", p.TIMING.ACKMAXATTEMPTS)
	}
	if _, err := ParseInput(string(p.INPUT)); err != nil {
		return err
	}
	return nil
}

// Calibration converts the validated section to the codec's form.
func (c *CALIBRATION) Calibration() protocol.Calibration {
	return protocol.Calibration{
		MinSpeed:        byte(c.MINSPEED),
		MaxSpeed:        byte(c.MAXSPEED),
		MinDisplacement: int16(c.MINDISPLACEMENT),
		MaxDisplacement: int16(c.MAXDISPLACEMENT),
	}
}
