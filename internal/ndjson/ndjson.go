// Package ndjson reads newline-delimited JSON streams.
package ndjson

import (
	"bufio"
	"bytes"
	"io"
)

// MaxLineSize bounds a single record. Tool outcomes can embed whole files.
const MaxLineSize = 16 * 1024 * 1024

// Reader yields one non-blank line at a time.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Reader{scanner: s}
}

// ReadLine returns the next non-blank line with surrounding whitespace
// trimmed. The returned slice is owned by the caller. It returns io.EOF at
// the end of the stream.
func (r *Reader) ReadLine() ([]byte, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
