// Package file loads and persists the TOML configuration.
//
// Keys missing from the file keep the values of models.DefaultParameters.
package file

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/CK6170/dmplink-go/models"
)

type fileConfig struct {
	Port            string `toml:"port"`
	Baud            int    `toml:"baud"`
	Driver          string `toml:"driver"`
	ReadTimeout     string `toml:"read_timeout"`
	MinSpeed        int    `toml:"min_speed"`
	MaxSpeed        int    `toml:"max_speed"`
	MinDisplacement int    `toml:"min_displacement"`
	MaxDisplacement int    `toml:"max_displacement"`
	ProbeTimeout    string `toml:"probe_timeout"`
	AckBackoff      string `toml:"ack_backoff"`
	AckMaxAttempts  int    `toml:"ack_max_attempts"`
	JoinTimeout     string `toml:"join_timeout"`
	PollInterval    string `toml:"poll_interval"`
	GamepadWait     string `toml:"gamepad_wait"`
	Input           string `toml:"input"`
	Listen          string `toml:"listen"`
	History         string `toml:"history"`
	Debug           bool   `toml:"debug"`
}

// LoadParameters reads path and applies it over the defaults.
func LoadParameters(path string) (*models.PARAMETERS, error) {
	p := models.DefaultParameters()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("port") {
		p.LINK.PORT = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("baud") {
		p.LINK.BAUDRATE = raw.Baud
	}
	if meta.IsDefined("driver") {
		p.LINK.DRIVER = strings.ToLower(strings.TrimSpace(raw.Driver))
	}
	if meta.IsDefined("min_speed") {
		p.CALIBRATION.MINSPEED = raw.MinSpeed
	}
	if meta.IsDefined("max_speed") {
		p.CALIBRATION.MAXSPEED = raw.MaxSpeed
	}
	if meta.IsDefined("min_displacement") {
		p.CALIBRATION.MINDISPLACEMENT = raw.MinDisplacement
	}
	if meta.IsDefined("max_displacement") {
		p.CALIBRATION.MAXDISPLACEMENT = raw.MaxDisplacement
	}
	if meta.IsDefined("ack_max_attempts") {
		p.TIMING.ACKMAXATTEMPTS = raw.AckMaxAttempts
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"read_timeout", raw.ReadTimeout, &p.LINK.READTIMEOUT},
		{"probe_timeout", raw.ProbeTimeout, &p.TIMING.PROBETIMEOUT},
		{"ack_backoff", raw.AckBackoff, &p.TIMING.ACKBACKOFF},
		{"join_timeout", raw.JoinTimeout, &p.TIMING.JOINTIMEOUT},
		{"poll_interval", raw.PollInterval, &p.TIMING.POLLINTERVAL},
		{"gamepad_wait", raw.GamepadWait, &p.TIMING.GAMEPADWAIT},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("input") {
		in, err := models.ParseInput(raw.Input)
		if err != nil {
			return nil, fmt.Errorf("parse input: %w", err)
		}
		p.INPUT = in
	}
	if meta.IsDefined("listen") {
		p.SERVER.LISTEN = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("history") {
		p.HISTORY = strings.TrimSpace(raw.History)
	}
	if meta.IsDefined("debug") {
		p.DEBUG = raw.Debug
	}
	return p, nil
}

// PersistParameters overwrites path with the TOML form of p.
func PersistParameters(path string, p *models.PARAMETERS) error {
	raw := fileConfig{
		Port:            p.LINK.PORT,
		Baud:            p.LINK.BAUDRATE,
		Driver:          p.LINK.DRIVER,
		ReadTimeout:     p.LINK.READTIMEOUT.String(),
		MinSpeed:        p.CALIBRATION.MINSPEED,
		MaxSpeed:        p.CALIBRATION.MAXSPEED,
		MinDisplacement: p.CALIBRATION.MINDISPLACEMENT,
		MaxDisplacement: p.CALIBRATION.MAXDISPLACEMENT,
		ProbeTimeout:    p.TIMING.PROBETIMEOUT.String(),
		AckBackoff:      p.TIMING.ACKBACKOFF.String(),
		AckMaxAttempts:  p.TIMING.ACKMAXATTEMPTS,
		JoinTimeout:     p.TIMING.JOINTIMEOUT.String(),
		PollInterval:    p.TIMING.POLLINTERVAL.String(),
		GamepadWait:     p.TIMING.GAMEPADWAIT.String(),
		Input:           string(p.INPUT),
		History:         p.HISTORY,
		Debug:           p.DEBUG,
	}
	if p.SERVER != nil {
		raw.Listen = p.SERVER.LISTEN
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	defer func() { _ = f.Close() }()
	if err := toml.NewEncoder(f).Encode(raw); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	return nil
}
