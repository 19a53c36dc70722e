// Package ui prints operator-facing messages with ANSI colors.
package ui

import (
	"fmt"
	"io"
)

const (
	red    = "\033[31m"
	yellow = "\033[33m"
	green  = "\033[92m"
	orange = "\033[93m"
	cyan   = "\033[96m"
	reset  = "\033[0m"
)

// RedWriter wraps an io.Writer and emits red-colored output.
type RedWriter struct{ w io.Writer }

func (r RedWriter) Write(p []byte) (int, error) {
	out := append([]byte(red), p...)
	out = append(out, reset...)
	if _, err := r.w.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NewRedWriter returns a RedWriter wrapping the provided io.Writer.
func NewRedWriter(w io.Writer) RedWriter { return RedWriter{w: w} }

func colorf(w io.Writer, color, format string, a ...interface{}) {
	_, _ = fmt.Fprintf(w, color+format+reset, a...)
}

// Debugf prints a yellow debug message when enabled is true.
func Debugf(w io.Writer, enabled bool, format string, a ...interface{}) {
	if enabled {
		colorf(w, yellow, "[DEBUG] "+format, a...)
	}
}

// Greenf prints a light green message.
func Greenf(w io.Writer, format string, a ...interface{}) {
	colorf(w, green, format, a...)
}

// Warningf prints a bright yellow/orange warning.
func Warningf(w io.Writer, format string, a ...interface{}) {
	colorf(w, orange, format, a...)
}

// Errorf prints a red error.
func Errorf(w io.Writer, format string, a ...interface{}) {
	colorf(w, red, format, a...)
}

// Infof prints a cyan status line.
func Infof(w io.Writer, format string, a ...interface{}) {
	colorf(w, cyan, format, a...)
}
