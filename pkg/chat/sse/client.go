package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
)

// ErrStreamClosed is reported when the server ends the stream before the
// client closed it.
var ErrStreamClosed = errors.New("event stream closed by server")

// StatusError is reported when the stream endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("event stream error (status %d): %s", e.StatusCode, e.Body)
}

// ServerError is reported when the server sends an explicit "error" event.
type ServerError struct {
	Data string
}

func (e *ServerError) Error() string {
	if e.Data == "" {
		return "event stream error event"
	}
	return "event stream error event: " + e.Data
}

// Listener receives the events of one stream. Calls for a given stream are
// made sequentially from the stream's reader goroutine, in transport order.
type Listener interface {
	OnEvent(ev Event)
	OnError(err error)
}

// Client opens event streams over HTTP.
type Client struct {
	httpClient *http.Client
}

// New creates a Client. A nil httpClient uses a client without an overall
// timeout, since streams stay open for the whole response.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient}
}

// Stream is the handle of one open event stream.
type Stream struct {
	url    string
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

// Connect starts a GET request for url and returns immediately. Events and
// the terminal error, if any, are delivered to l from a background goroutine.
// Connect only fails when the request cannot be built.
func (c *Client) Connect(url string, l Listener) (*Stream, error) {
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	s := &Stream{url: url, cancel: cancel, done: make(chan struct{})}
	go s.run(c.httpClient, req, l)
	return s, nil
}

// Open is Connect returning the handle as an io.Closer.
func (c *Client) Open(url string, l Listener) (io.Closer, error) {
	s, err := c.Connect(url, l)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stream) run(hc *http.Client, req *http.Request, l Listener) {
	defer close(s.done)
	defer s.cancel()

	resp, err := hc.Do(req)
	if err != nil {
		s.fail(l, fmt.Errorf("connecting: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.fail(l, &StatusError{StatusCode: resp.StatusCode, Body: string(body)})
		return
	}

	var serverErr error
	err = Parse(resp.Body, func(ev Event) bool {
		if s.closed.Load() {
			return false
		}
		if ev.Type == "error" {
			serverErr = &ServerError{Data: string(ev.Data)}
			return false
		}
		l.OnEvent(ev)
		return true
	})
	switch {
	case serverErr != nil:
		s.fail(l, serverErr)
	case err != nil:
		s.fail(l, err)
	default:
		s.fail(l, ErrStreamClosed)
	}
}

// fail reports err unless the client already closed the stream; errors
// caused by our own Close are not transport failures.
func (s *Stream) fail(l Listener, err error) {
	if s.closed.Load() {
		return
	}
	slog.Debug("event stream failed", "url", redact(s.url), "error", err)
	l.OnError(err)
}

// Close cancels the stream. It never blocks on the reader goroutine and is
// safe to call more than once and from inside a Listener callback.
func (s *Stream) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
	return nil
}

// Done is closed once the reader goroutine has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}
