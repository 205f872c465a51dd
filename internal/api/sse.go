// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"fmt"
	"io"
)

// maxEventSize bounds the accumulation buffer so a stream that never emits
// a delimiter cannot grow memory without limit.
const maxEventSize = 64 * 1024

var (
	eventDelimiter = []byte("\n\n")
	dataPrefix     = []byte("data: ")
)

// EventReader reassembles blank-line-delimited events from a chunked byte
// stream and extracts the payload of each event's "data: " line.
//
// Chunk boundaries carry no meaning: an event may span several reads, and
// one read may complete several events. The reader buffers bytes until a
// delimiter appears, so callers always see whole events.
type EventReader struct {
	r   io.Reader
	buf []byte
	tmp [4096]byte
	eof bool
}

// NewEventReader creates an event reader over r.
func NewEventReader(r io.Reader) *EventReader {
	return &EventReader{r: r}
}

// Next returns the data payload of the next event. Events with no "data: "
// line are skipped. Returns io.EOF once the stream is exhausted; a trailing
// unterminated event at EOF is delivered before the EOF.
func (e *EventReader) Next() ([]byte, error) {
	for {
		// Consume any complete event already buffered.
		if i := bytes.Index(e.buf, eventDelimiter); i >= 0 {
			event := e.buf[:i]
			e.buf = e.buf[i+len(eventDelimiter):]
			if data, ok := extractData(event); ok {
				return data, nil
			}
			continue
		}

		if e.eof {
			// Deliver a final unterminated event, if any.
			if len(e.buf) > 0 {
				event := e.buf
				e.buf = nil
				if data, ok := extractData(event); ok {
					return data, nil
				}
			}
			return nil, io.EOF
		}

		if len(e.buf) > maxEventSize {
			return nil, fmt.Errorf("event exceeds %d bytes without delimiter", maxEventSize)
		}

		n, err := e.r.Read(e.tmp[:])
		if n > 0 {
			e.buf = append(e.buf, e.tmp[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				e.eof = true
				continue
			}
			return nil, err
		}
	}
}

// extractData scans an event's lines for the first "data: " line and
// returns its payload.
func extractData(event []byte) ([]byte, bool) {
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if bytes.HasPrefix(line, dataPrefix) {
			return line[len(dataPrefix):], true
		}
	}
	return nil, false
}
