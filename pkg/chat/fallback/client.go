package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/chatstream/pkg/chat"
)

// Request is the body of a non-streaming chat call.
type Request struct {
	ConversationID string `json:"conversationId"`
	CustomerID     string `json:"customerId"`
	Message        string `json:"message"`
	Language       string `json:"language,omitempty"`
}

// Reply is the assistant answer returned by the fallback endpoint.
type Reply struct {
	Message  string
	Metadata chat.Metadata
}

// StatusError is returned when the endpoint answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fallback API error (status %d): %s", e.StatusCode, e.Body)
}

// Config holds the endpoint and credentials of the fallback client.
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Client calls the synchronous chat endpoint used when streaming fails.
type Client struct {
	config     *Config
	httpClient *http.Client
}

// New creates a fallback client. A zero Timeout defaults to 60s.
func New(config *Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// replyEnvelope is the response body of the fallback endpoint.
type replyEnvelope struct {
	Data struct {
		Message  string         `json:"message"`
		Metadata map[string]any `json:"metadata"`
	} `json:"data"`
}

// Complete sends req and returns the full assistant reply.
func (c *Client) Complete(ctx context.Context, req Request) (*Reply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var envelope replyEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	reply := &Reply{Message: envelope.Data.Message}
	if len(envelope.Data.Metadata) > 0 {
		reply.Metadata = chat.Metadata(envelope.Data.Metadata)
	}
	return reply, nil
}
