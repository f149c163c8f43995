package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFallbackClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Error("missing or invalid auth header")
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type 'application/json', got %q", r.Header.Get("Content-Type"))
		}

		body, _ := io.ReadAll(r.Body)
		var reqBody map[string]any
		json.Unmarshal(body, &reqBody)

		if reqBody["conversationId"] != "conv-1" {
			t.Errorf("expected conversationId 'conv-1', got %v", reqBody["conversationId"])
		}
		if reqBody["customerId"] != "cust-9" {
			t.Errorf("expected customerId 'cust-9', got %v", reqBody["customerId"])
		}
		if reqBody["message"] != "where is my order?" {
			t.Errorf("unexpected message %v", reqBody["message"])
		}
		if reqBody["language"] != "de" {
			t.Errorf("expected language 'de', got %v", reqBody["language"])
		}

		resp := map[string]any{
			"data": map[string]any{
				"message": "It shipped yesterday.",
				"metadata": map[string]any{
					"model":     "support-v2",
					"sentiment": "neutral",
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := New(&Config{URL: server.URL, Token: "test-token"})
	reply, err := client.Complete(context.Background(), Request{
		ConversationID: "conv-1",
		CustomerID:     "cust-9",
		Message:        "where is my order?",
		Language:       "de",
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Message != "It shipped yesterday." {
		t.Errorf("expected reply text, got %q", reply.Message)
	}
	if reply.Metadata["model"] != "support-v2" {
		t.Errorf("expected model metadata, got %v", reply.Metadata["model"])
	}
}

func TestFallbackClientOmitsEmptyLanguage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var reqBody map[string]any
		json.Unmarshal(body, &reqBody)
		if _, ok := reqBody["language"]; ok {
			t.Error("expected language to be omitted")
		}
		w.Write([]byte(`{"data":{"message":"ok"}}`))
	}))
	defer server.Close()

	reply, err := New(&Config{URL: server.URL}).Complete(context.Background(), Request{Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Metadata != nil {
		t.Errorf("expected nil metadata, got %v", reply.Metadata)
	}
}

func TestFallbackClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"overloaded"}`))
	}))
	defer server.Close()

	_, err := New(&Config{URL: server.URL}).Complete(context.Background(), Request{Message: "hi"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", statusErr.StatusCode)
	}
}

func TestFallbackClientMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer server.Close()

	if _, err := New(&Config{URL: server.URL}).Complete(context.Background(), Request{}); err == nil {
		t.Error("expected parse error")
	}
}

func TestFallbackClientHonorsContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only notices a client disconnect once the body is read.
		io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := New(&Config{URL: server.URL}).Complete(ctx, Request{Message: "hi"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Complete returned after %v, expected it to honor the context", elapsed)
	}
}
