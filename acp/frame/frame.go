// Package frame implements the single-line JSON framing used by the ACP
// stdio transport: one JSON value per line, newline-terminated, UTF-8 with
// optional BOM tolerance on read.
package frame

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrEmbeddedNewline is returned by Encode if the marshaled value somehow
// contains a raw newline outside an escaped string, which would split one
// frame into two lines on the wire.
var ErrEmbeddedNewline = errors.New("frame: encoded value contains an embedded newline")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Encode marshals v to compact JSON and appends a single trailing newline.
// json.Marshal never emits a raw, unescaped newline inside a valid JSON
// document, but Encode still checks: a codec invariant worth asserting
// explicitly rather than assuming forever.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("frame: encode: %w", err)
	}
	if bytes.IndexByte(data, '\n') != -1 {
		return nil, ErrEmbeddedNewline
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, data...)
	out = append(out, '\n')
	return out, nil
}

// Decode strips a leading UTF-8 BOM if present and returns the remaining
// bytes as a json.RawMessage, validating that it parses as JSON.
func Decode(line []byte) (json.RawMessage, error) {
	line = bytes.TrimPrefix(line, utf8BOM)
	line = bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, io.EOF
	}
	var probe json.RawMessage
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, fmt.Errorf("frame: decode: %w", err)
	}
	return probe, nil
}

// Scanner wraps a bufio.Scanner configured for frame-by-frame reads over a
// stream. A BOM is stripped from the first line here, and Decode strips a
// leading BOM from every later line as well.
type Scanner struct {
	s        *bufio.Scanner
	sawFirst bool
}

// NewScanner returns a Scanner reading lines from r. The buffer is sized
// generously since a single frame may carry a large content block.
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Scanner{s: s}
}

// Next returns the next decoded frame, or io.EOF when the stream ends
// cleanly. Blank lines are skipped rather than treated as malformed frames.
func (sc *Scanner) Next() (json.RawMessage, error) {
	for sc.s.Scan() {
		line := sc.s.Bytes()
		if !sc.sawFirst {
			sc.sawFirst = true
			line = bytes.TrimPrefix(line, utf8BOM)
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		buf := make([]byte, len(line))
		copy(buf, line)
		return Decode(buf)
	}
	if err := sc.s.Err(); err != nil {
		return nil, fmt.Errorf("frame: scan: %w", err)
	}
	return nil, io.EOF
}
