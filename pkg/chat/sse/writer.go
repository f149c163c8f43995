package sse

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Writer emits server-sent events on an http.ResponseWriter. It is the
// producer half of this package: the client never serves streams itself, so
// Writer exists for httptest servers and local stand-ins of the AI backend.
type Writer struct {
	w http.ResponseWriter
}

// NewWriter sets the event-stream headers on w.
func NewWriter(w http.ResponseWriter) *Writer {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &Writer{w: w}
}

// Write sends one event. Multi-line data is split across data lines, which
// the parser joins back with newlines.
func (s *Writer) Write(event, data string) error {
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}

	for _, line := range strings.Split(data, "\n") {
		if _, err := fmt.Fprintf(s.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(s.w, "\n"); err != nil {
		return err
	}

	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}

	return nil
}

// Comment writes a keep-alive comment line that parsers ignore.
func (s *Writer) Comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
