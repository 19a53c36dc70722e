// Package console reads operator commands line by line, either through an
// interactive liner prompt or a plain buffered reader when stdin is not a
// terminal.
package console

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"
)

const prompt = "dmp> "

// Reader returns one line per call and io.EOF once input is exhausted.
type Reader interface {
	ReadLine() (string, error)
	Close() error
}

// LineReader is an interactive prompt with history and completion.
type LineReader struct {
	state   *liner.State
	history string
}

// NewLineReader starts a liner prompt. History is loaded from, and saved to,
// the given file when it is not empty.
func NewLineReader(history string) *LineReader {
	st := liner.NewLiner()
	st.SetCtrlCAborts(true)
	st.SetCompleter(complete)
	if history != "" {
		if f, err := os.Open(history); err == nil {
			_, _ = st.ReadHistory(f)
			_ = f.Close()
		}
	}
	return &LineReader{state: st, history: history}
}

// ReadLine implements Reader. Ctrl-C and Ctrl-D both end input.
func (r *LineReader) ReadLine() (string, error) {
	line, err := r.state.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", io.EOF
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(line) != "" {
		r.state.AppendHistory(line)
	}
	return line, nil
}

// Close writes the history file and restores the terminal.
func (r *LineReader) Close() error {
	if r.history != "" {
		if f, err := os.Create(r.history); err == nil {
			_, _ = r.state.WriteHistory(f)
			_ = f.Close()
		}
	}
	return r.state.Close()
}

func complete(line string) (c []string) {
	for _, u := range Usage {
		if strings.HasPrefix(u.Name, line) {
			c = append(c, u.Name)
		}
	}
	return
}

// ScanReader reads lines from any io.Reader.
type ScanReader struct {
	sc *bufio.Scanner
}

func NewScanReader(r io.Reader) *ScanReader {
	return &ScanReader{sc: bufio.NewScanner(r)}
}

// ReadLine implements Reader.
func (r *ScanReader) ReadLine() (string, error) {
	if r.sc.Scan() {
		return r.sc.Text(), nil
	}
	if err := r.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (r *ScanReader) Close() error { return nil }

// Open returns a LineReader when stdin is a terminal and a ScanReader on
// stdin otherwise.
func Open(history string) Reader {
	if liner.TerminalSupported() && isTerminal(os.Stdin) {
		return NewLineReader(history)
	}
	return NewScanReader(os.Stdin)
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
