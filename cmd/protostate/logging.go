package main

import (
	"bytes"
	"io"
	"strings"
)

var levels = []string{"[DEBUG]", "[INFO]", "[WARN]", "[ERROR]"}

// levelWriter drops log lines tagged below a minimum level. Untagged lines
// are always written.
type levelWriter struct {
	w       io.Writer
	dropped [][]byte
}

func newLevelWriter(w io.Writer, level string) *levelWriter {
	lw := &levelWriter{w: w}
	threshold := "[" + strings.ToUpper(strings.TrimSpace(level)) + "]"
	for _, l := range levels {
		if l == threshold {
			break
		}
		lw.dropped = append(lw.dropped, []byte(l))
	}
	if len(lw.dropped) == len(levels) {
		// unknown level
		lw.dropped = [][]byte{[]byte("[DEBUG]")}
	}
	return lw
}

func (lw *levelWriter) Write(p []byte) (int, error) {
	for _, tag := range lw.dropped {
		if bytes.Contains(p, tag) {
			return len(p), nil
		}
	}
	return lw.w.Write(p)
}
