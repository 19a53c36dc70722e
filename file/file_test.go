package file

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CK6170/dmplink-go/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dmp.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParametersKeepsDefaults(t *testing.T) {
	p, err := LoadParameters(writeConfig(t, `port = "/dev/rfcomm0"`+"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.LINK.PORT != "/dev/rfcomm0" {
		t.Fatalf("unexpected port %q", p.LINK.PORT)
	}
	def := models.DefaultParameters()
	if p.LINK.BAUDRATE != def.LINK.BAUDRATE || p.TIMING.ACKBACKOFF != time.Second || p.CALIBRATION.MAXSPEED != 255 {
		t.Fatalf("defaults not kept: %+v %+v", p.LINK, p.TIMING)
	}
	if p.INPUT != models.InputText {
		t.Fatalf("unexpected input %q", p.INPUT)
	}
}

func TestLoadParametersOverrides(t *testing.T) {
	p, err := LoadParameters(writeConfig(t, `
port = "COM7"
driver = "BUGST"
min_speed = 40
max_speed = 200
min_displacement = -90
ack_backoff = "250ms"
ack_max_attempts = 8
input = "keypad"
listen = "127.0.0.1:8080"
debug = true
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.LINK.DRIVER != "bugst" {
		t.Fatalf("driver not normalized: %q", p.LINK.DRIVER)
	}
	if p.CALIBRATION.MINSPEED != 40 || p.CALIBRATION.MAXSPEED != 200 || p.CALIBRATION.MINDISPLACEMENT != -90 {
		t.Fatalf("unexpected calibration: %+v", p.CALIBRATION)
	}
	if p.TIMING.ACKBACKOFF != 250*time.Millisecond || p.TIMING.ACKMAXATTEMPTS != 8 {
		t.Fatalf("unexpected timing: %+v", p.TIMING)
	}
	if p.INPUT != models.InputKeypad || p.SERVER.LISTEN != "127.0.0.1:8080" || !p.DEBUG {
		t.Fatalf("unexpected parameters: %+v", p)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadParametersRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"duration": `probe_timeout = "soon"`,
		"input":    `input = "joystick"`,
		"unknown":  `colour = "red"`,
	}
	for name, body := range cases {
		if _, err := LoadParameters(writeConfig(t, body+"\n")); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.toml")
	p := models.DefaultParameters()
	p.LINK.PORT = "/dev/tty.DMP-SerialPort"
	p.TIMING.JOINTIMEOUT = 3 * time.Second
	if err := PersistParameters(path, p); err != nil {
		t.Fatalf("persist: %v", err)
	}
	b, _ := os.ReadFile(path)
	if !strings.Contains(string(b), `join_timeout = "3s"`) {
		t.Fatalf("unexpected file:\n%s", b)
	}
	got, err := LoadParameters(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.LINK.PORT != p.LINK.PORT || got.TIMING.JOINTIMEOUT != 3*time.Second {
		t.Fatalf("unexpected parameters: %+v %+v", got.LINK, got.TIMING)
	}
}
