package sse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// maxLineSize bounds a single "data:" line. Token events carry the full text
// generated so far, so lines grow with the response.
const maxLineSize = 4 << 20

// Event is one dispatched server-sent event.
type Event struct {
	Type string
	ID   string
	Data []byte
}

// Parse reads an event stream from r and calls fn for every complete event.
// Parsing stops when fn returns false, in which case Parse returns nil.
// Events without an "event:" field have type "message". Comment lines and
// unknown fields are ignored.
func Parse(r io.Reader, fn func(Event) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		eventType string
		id        string
		data      bytes.Buffer
		hasData   bool
	)
	reset := func() {
		eventType = ""
		data.Reset()
		hasData = false
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		if line == "" {
			if hasData {
				ev := Event{Type: eventType, ID: id, Data: bytes.Clone(data.Bytes())}
				if ev.Type == "" {
					ev.Type = "message"
				}
				if !fn(ev) {
					return nil
				}
			}
			reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			eventType = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			id = value
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}
