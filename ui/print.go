package ui

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// PrintChunks prints each inbound chunk on its own line, as space separated
// hex bytes or, when asString is set, as quoted text.
func PrintChunks(w io.Writer, chunks [][]byte, asString bool) {
	if len(chunks) == 0 {
		Warningf(w, "no data\n")
		return
	}
	for i, c := range chunks {
		if asString {
			_, _ = fmt.Fprintf(w, "[%02d] %s\n", i, strconv.Quote(string(c)))
			continue
		}
		_, _ = fmt.Fprintf(w, "[%02d] %s\n", i, Hex(c))
	}
}

// Hex formats b as upper-case hex bytes separated by spaces.
func Hex(b []byte) string {
	parts := make([]string, 0, len(b))
	for _, x := range b {
		parts = append(parts, fmt.Sprintf("%02X", x))
	}
	return strings.Join(parts, " ")
}

// PrintDistance prints one decoded distance reading.
func PrintDistance(w io.Writer, v float32) {
	Greenf(w, "distance: %.3f\n", v)
}

// PrintDistanceStats prints the summary of a distance burst.
func PrintDistanceStats(w io.Writer, n, valid int, mean, std float64) {
	if valid == 0 {
		Warningf(w, "distance: no valid readings out of %d\n", n)
		return
	}
	Greenf(w, "distance: mean %.3f stddev %.3f (%d/%d valid)\n", mean, std, valid, n)
}
