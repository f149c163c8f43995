package stream

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/chatstream/pkg/chat"
	"github.com/user/chatstream/pkg/chat/fallback"
	"github.com/user/chatstream/pkg/chat/sse"
)

// fakeHandle records closes and lets tests push events into its listener.
type fakeHandle struct {
	url    string
	l      sse.Listener
	closes atomic.Int32
}

func (h *fakeHandle) Close() error {
	h.closes.Add(1)
	return nil
}

func (h *fakeHandle) emit(eventType, data string) {
	h.l.OnEvent(sse.Event{Type: eventType, Data: []byte(data)})
}

func (h *fakeHandle) fail(err error) {
	h.l.OnError(err)
}

// fakeTransport is a test double that satisfies the Transport interface.
type fakeTransport struct {
	mu       sync.Mutex
	handles  []*fakeHandle
	OpenFunc func(url string) error
}

func (f *fakeTransport) Open(url string, l sse.Listener) (io.Closer, error) {
	if f.OpenFunc != nil {
		if err := f.OpenFunc(url); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &fakeHandle{url: url, l: l}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeTransport) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *fakeTransport) handle(t *testing.T, i int) *fakeHandle {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.handles) {
		t.Fatalf("expected handle %d to be opened, only %d opened", i, len(f.handles))
	}
	return f.handles[i]
}

func (f *fakeTransport) last(t *testing.T) *fakeHandle {
	t.Helper()
	return f.handle(t, f.opened()-1)
}

// fakeFallback is a test double that satisfies the Fallback interface.
type fakeFallback struct {
	calls        atomic.Int32
	requests     chan fallback.Request
	CompleteFunc func(ctx context.Context, req fallback.Request) (*fallback.Reply, error)
}

func newFakeFallback() *fakeFallback {
	return &fakeFallback{requests: make(chan fallback.Request, 8)}
}

func (f *fakeFallback) Complete(ctx context.Context, req fallback.Request) (*fallback.Reply, error) {
	f.calls.Add(1)
	select {
	case f.requests <- req:
	default:
	}
	if f.CompleteFunc != nil {
		return f.CompleteFunc(ctx, req)
	}
	return &fallback.Reply{Message: "fallback reply"}, nil
}

type fakeTimer struct {
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool {
	return !t.stopped.Swap(true)
}

// fakeClock captures scheduled reconnects so tests fire them by hand.
type fakeClock struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{}
	c.delays = append(c.delays, d)
	c.fns = append(c.fns, f)
	c.timers = append(c.timers, timer)
	return timer
}

func (c *fakeClock) scheduled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fns)
}

// fire runs the i-th scheduled function, even if its timer was stopped, to
// exercise the guard against stale retries.
func (c *fakeClock) fire(t *testing.T, i int) {
	t.Helper()
	c.mu.Lock()
	if i >= len(c.fns) {
		c.mu.Unlock()
		t.Fatalf("expected retry %d to be scheduled, only %d scheduled", i, len(c.fns))
	}
	fn := c.fns[i]
	c.mu.Unlock()
	fn()
}

type fixture struct {
	ctrl      *Controller
	transport *fakeTransport
	fallback  *fakeFallback
	clock     *fakeClock
	completed chan string
	errs      chan error
}

func newFixture(t *testing.T, policy *ReconnectPolicy, enableFallback bool, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		transport: &fakeTransport{},
		fallback:  newFakeFallback(),
		clock:     &fakeClock{},
		completed: make(chan string, 8),
		errs:      make(chan error, 16),
	}
	if policy == nil {
		policy = &ReconnectPolicy{MaxAttempts: 0, InitialDelay: time.Millisecond}
	}
	base := []Option{
		WithAfterFunc(f.clock.AfterFunc),
		WithOnComplete(func(msg chat.Message) {
			select {
			case f.completed <- msg.Content:
			default:
			}
		}),
		WithOnError(func(err error) {
			select {
			case f.errs <- err:
			default:
			}
		}),
	}
	ctrl, err := New(Config{
		StreamURL:      "http://ai.test/api/chat/stream",
		ConversationID: "conv-1",
		CustomerID:     "cust-1",
		Token:          "tok",
		Reconnect:      policy,
		EnableFallback: enableFallback,
		Transport:      f.transport,
		Fallback:       f.fallback,
	}, append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ctrl.Close() })
	f.ctrl = ctrl
	return f
}

func (f *fixture) wait(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := f.ctrl.Wait(ctx)
	if err == context.DeadlineExceeded {
		t.Fatal("timed out waiting for turn to finish")
	}
	return err
}
