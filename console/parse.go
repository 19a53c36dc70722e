package console

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/CK6170/dmplink-go/protocol"
)

var (
	ErrMalformedInput = errors.New("malformed input")
	ErrUnknownCommand = errors.New("unknown command")
)

// Op is the action a parsed line asks the session to perform.
type Op int

const (
	OpNone Op = iota
	OpStop
	OpKill
	OpHelp
	OpDrain
	OpWait
	OpSend
	OpMove
	OpSteer
	OpDistance
	OpDistanceBurst
)

// Input is one parsed console line.
type Input struct {
	Op Op
	// AsString prints chunks as text instead of hex (rs, Ws).
	AsString bool
	// Command is set for OpSend, OpMove, OpSteer and OpDistance.
	Command protocol.Command
	// Count is the number of queries for OpDistanceBurst.
	Count int
}

type UsageEntry struct {
	Name        string
	Args        string
	Description string
}

// Usage lists the console grammar in the order help prints it.
var Usage = []UsageEntry{
	{"s", "", "stop the session"},
	{"k", "", "send reset and stop without waiting"},
	{"rb", "", "print queued data as hex"},
	{"rs", "", "print queued data as text"},
	{"Wb", "", "wait for data and print it as hex"},
	{"Ws", "", "wait for data and print it as text"},
	{"wb", "<hex>", "send one raw byte"},
	{"ws", "<text>", "send raw text bytes"},
	{"m", "<f|b|l|r> <0..1>", "move and wait for ack"},
	{"sr", "<-1..1>", "steer and wait for ack"},
	{"d", "", "query distance"},
	{"da", "<n>", "query distance n times and print mean and deviation"},
	{"help", "", "show this list"},
}

// Parse turns one line into an Input. Blank lines yield OpNone.
func Parse(line string) (Input, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Input{Op: OpNone}, nil
	}
	name, args := fields[0], fields[1:]
	switch name {
	case "s":
		return Input{Op: OpStop}, nil
	case "k":
		return Input{Op: OpKill, Command: protocol.Reset{}}, nil
	case "help", "?":
		return Input{Op: OpHelp}, nil
	case "rb", "rs":
		return Input{Op: OpDrain, AsString: name == "rs"}, nil
	case "Wb", "Ws":
		return Input{Op: OpWait, AsString: name == "Ws"}, nil
	case "d":
		return Input{Op: OpDistance, Command: protocol.DistanceQuery{}}, nil
	case "wb":
		if len(args) != 1 {
			return Input{}, fmt.Errorf("%w: wb takes one hex byte", ErrMalformedInput)
		}
		tok := strings.TrimPrefix(strings.ToLower(args[0]), "0x")
		v, err := strconv.ParseUint(tok, 16, 8)
		if err != nil {
			return Input{}, fmt.Errorf("%w: byte %q", ErrMalformedInput, args[0])
		}
		return Input{Op: OpSend, Command: protocol.RawBytes{byte(v)}}, nil
	case "ws":
		text := rest(line, name)
		if text == "" {
			return Input{}, fmt.Errorf("%w: ws takes a string", ErrMalformedInput)
		}
		return Input{Op: OpSend, Command: protocol.RawBytes(text)}, nil
	case "m":
		if len(args) != 2 {
			return Input{}, fmt.Errorf("%w: m takes a direction and a speed", ErrMalformedInput)
		}
		dir, ok := protocol.ParseDirection(args[0])
		if !ok {
			return Input{}, fmt.Errorf("%w: direction %q", ErrMalformedInput, args[0])
		}
		speed, err := parseUnit(args[1], 0, 1)
		if err != nil {
			return Input{}, err
		}
		return Input{Op: OpMove, Command: protocol.Move{Direction: dir, Speed: speed}}, nil
	case "sr":
		if len(args) != 1 {
			return Input{}, fmt.Errorf("%w: sr takes an amount", ErrMalformedInput)
		}
		amount, err := parseUnit(args[0], -1, 1)
		if err != nil {
			return Input{}, err
		}
		return Input{Op: OpSteer, Command: protocol.Steer{Amount: amount}}, nil
	case "da":
		if len(args) != 1 {
			return Input{}, fmt.Errorf("%w: da takes a count", ErrMalformedInput)
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return Input{}, fmt.Errorf("%w: count %q", ErrMalformedInput, args[0])
		}
		return Input{Op: OpDistanceBurst, Command: protocol.DistanceQuery{}, Count: n}, nil
	default:
		return Input{}, fmt.Errorf("%w %q", ErrUnknownCommand, name)
	}
}

func parseUnit(tok string, lo, hi float64) (float64, error) {
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil || math.IsNaN(v) || v < lo || v > hi {
		return 0, fmt.Errorf("%w: value %q outside %g..%g", ErrMalformedInput, tok, lo, hi)
	}
	return v, nil
}

// rest returns the text after the command name with one separator removed,
// keeping inner and trailing spaces.
func rest(line, name string) string {
	s := strings.TrimLeft(line, " \t")
	s = strings.TrimPrefix(s, name)
	if len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	return s
}
