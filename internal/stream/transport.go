package stream

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/user/chatstream/pkg/chat/fallback"
	"github.com/user/chatstream/pkg/chat/sse"
)

// Transport opens event streams. Open must return without waiting for the
// stream and must not call the listener before it returns; the returned
// handle is closed exactly once by the controller.
type Transport interface {
	Open(url string, l sse.Listener) (io.Closer, error)
}

// Fallback performs the single non-streaming request used once
// reconnection is exhausted.
type Fallback interface {
	Complete(ctx context.Context, req fallback.Request) (*fallback.Reply, error)
}

// Timer is a pending backoff retry.
type Timer interface {
	Stop() bool
}

func afterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// streamURL adds the turn parameters to the configured endpoint. The token
// travels in the query string, matching browser EventSource clients of the
// same backend.
func streamURL(base string, q streamQuery) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	values := u.Query()
	values.Set("conversationId", q.conversationID)
	values.Set("customerId", q.customerID)
	values.Set("message", q.message)
	if q.language != "" {
		values.Set("language", q.language)
	}
	if q.token != "" {
		values.Set("token", q.token)
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

type streamQuery struct {
	conversationID string
	customerID     string
	message        string
	language       string
	token          string
}
