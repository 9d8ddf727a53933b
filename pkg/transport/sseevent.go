// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// maxSSEEventSize bounds a single SSE event (1MB).
const maxSSEEventSize = 1024 * 1024

// sseEvent is a single parsed Server-Sent-Events frame.
type sseEvent struct {
	ID    string
	Event string
	Data  []byte
}

// sseScanner incrementally parses SSE frames from a stream.
type sseScanner struct {
	reader  *bufio.Reader
	maxSize int
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{
		reader:  bufio.NewReader(r),
		maxSize: maxSSEEventSize,
	}
}

// Next reads the next SSE event. Returns io.EOF when the stream ends cleanly.
func (s *sseScanner) Next() (*sseEvent, error) {
	event := &sseEvent{}
	var dataLines [][]byte
	size := 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				// Incomplete event at EOF
				event.Data = bytes.Join(dataLines, []byte("\n"))
				return event, nil
			}
			return nil, err
		}

		size += len(line)
		if size > s.maxSize {
			return nil, fmt.Errorf("SSE event exceeds maximum size of %d bytes", s.maxSize)
		}

		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))

		// Empty line dispatches the accumulated event.
		if len(line) == 0 {
			if len(dataLines) > 0 || event.ID != "" || event.Event != "" {
				event.Data = bytes.Join(dataLines, []byte("\n"))
				return event, nil
			}
			continue
		}

		// Comment line
		if line[0] == ':' {
			continue
		}

		var field, value []byte
		if colonIdx := bytes.IndexByte(line, ':'); colonIdx == -1 {
			field = line
		} else {
			field = line[:colonIdx]
			value = line[colonIdx+1:]
			if len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
		}

		switch string(field) {
		case "id":
			event.ID = string(value)
		case "event":
			event.Event = string(value)
		case "data":
			dataLines = append(dataLines, value)
		case "retry":
			// not used
		}
	}
}
