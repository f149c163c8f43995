package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/user/chatstream/internal/config"
	"github.com/user/chatstream/pkg/chat/sse"
)

// syncBuffer is written from controller callbacks and the command goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newEchoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := r.URL.Query().Get("message")
		reply, _ := json.Marshal("Echo: " + msg)
		sw := sse.NewWriter(w)
		sw.Write("connected", `{"status":"connected"}`)
		sw.Write("token", `{"token":"Echo","fullText":"Echo"}`)
		sw.Write("done", `{"fullText":`+string(reply)+`,"metadata":{"model":"echo"}}`)
	}))
	t.Cleanup(server.Close)
	return server
}

func writeCLIConfig(t *testing.T, streamURL string) string {
	t.Helper()
	for _, k := range []string{"CHATSTREAM_TOKEN", "CHATSTREAM_STREAM_URL", "CHATSTREAM_FALLBACK_URL", "CHATSTREAM_CUSTOMER_ID"} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.LogLevel = "error"
	cfg.Stream.StreamURL = streamURL
	cfg.Stream.EnableFallback = false
	cfg.Stream.MaxReconnectAttempts = 0
	cfg.Customer.ID = "cust-cli"
	path := filepath.Join(dir, "config.json")
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	out := &syncBuffer{}
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestAskThenHistory(t *testing.T) {
	backend := newEchoBackend(t)
	path := writeCLIConfig(t, backend.URL)

	out, err := execute(t, "", "--config", path, "ask", "--json", "hi", "there")
	if err != nil {
		t.Fatalf("ask failed: %v\n%s", err, out)
	}
	var res askOutput
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", out, err)
	}
	if res.Message.Content != "Echo: hi there" {
		t.Errorf("unexpected reply %q", res.Message.Content)
	}
	if res.Message.Metadata["model"] != "echo" {
		t.Errorf("unexpected metadata %v", res.Message.Metadata)
	}

	out, err = execute(t, "", "--config", path, "history", "list")
	if err != nil {
		t.Fatalf("history list failed: %v", err)
	}
	if !strings.Contains(out, res.ConversationID) || !strings.Contains(out, "hi there") {
		t.Errorf("expected conversation in list, got:\n%s", out)
	}

	out, err = execute(t, "", "--config", path, "history", "show", res.ConversationID, "--last", "0", "--json=false")
	if err != nil {
		t.Fatalf("history show failed: %v", err)
	}
	if !strings.Contains(out, "user] hi there") || !strings.Contains(out, "assistant] Echo: hi there") {
		t.Errorf("unexpected transcript:\n%s", out)
	}
}

func TestBatchPreservesInputOrder(t *testing.T) {
	backend := newEchoBackend(t)
	path := writeCLIConfig(t, backend.URL)

	out, err := execute(t, "one\n\n# comment\ntwo\nthree\n", "--config", path, "batch", "-", "-n", "2", "--fail-fast=false")
	if err != nil {
		t.Fatalf("batch failed: %v\n%s", err, out)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 results, got %d:\n%s", len(lines), out)
	}
	wantLines := []int{1, 4, 5}
	wantReplies := []string{"Echo: one", "Echo: two", "Echo: three"}
	for i, line := range lines {
		var res batchResult
		if err := json.Unmarshal([]byte(line), &res); err != nil {
			t.Fatal(err)
		}
		if res.Line != wantLines[i] || res.Reply != wantReplies[i] {
			t.Errorf("result %d: unexpected %+v", i, res)
		}
		if res.ConversationID == "" || res.Error != "" {
			t.Errorf("result %d: unexpected %+v", i, res)
		}
	}
}

func TestBatchReportsFailures(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()
	path := writeCLIConfig(t, backend.URL)

	out, err := execute(t, "only\n", "--config", path, "batch", "-", "-n", "1", "--fail-fast=false")
	if err == nil {
		t.Fatal("expected batch to report failure")
	}
	if !strings.Contains(out, `"error"`) {
		t.Errorf("expected error in result, got %s", out)
	}
}

func TestChatReadsUntilEOF(t *testing.T) {
	backend := newEchoBackend(t)
	path := writeCLIConfig(t, backend.URL)

	out, err := execute(t, "hello\n", "--config", path, "chat", "--conversation", "ticket-7")
	if err != nil {
		t.Fatalf("chat failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Conversation ticket-7") {
		t.Errorf("expected conversation banner, got:\n%s", out)
	}
	if !strings.Contains(out, "Echo: hello") {
		t.Errorf("expected streamed reply, got:\n%s", out)
	}

	// Resuming shows the stored transcript.
	out, err = execute(t, "/quit\n", "--config", path, "chat", "--conversation", "ticket-7")
	if err != nil {
		t.Fatalf("chat resume failed: %v", err)
	}
	if !strings.Contains(out, "(2 messages)") || !strings.Contains(out, "assistant] Echo: hello") {
		t.Errorf("expected resumed history, got:\n%s", out)
	}
}

func TestConfigSetGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("CHATSTREAM_TOKEN", "")

	if _, err := execute(t, "", "--config", path, "config", "set", "auth.token", "tok-abcdef"); err != nil {
		t.Fatalf("config set failed: %v", err)
	}

	out, err := execute(t, "", "--config", path, "config", "get", "auth.token", "--reveal=false")
	if err != nil {
		t.Fatalf("config get failed: %v", err)
	}
	if strings.TrimSpace(out) != "***cdef" {
		t.Errorf("expected masked token, got %q", out)
	}

	out, err = execute(t, "", "--config", path, "config", "get", "auth.token", "--reveal")
	if err != nil {
		t.Fatalf("config get failed: %v", err)
	}
	if strings.TrimSpace(out) != "tok-abcdef" {
		t.Errorf("expected revealed token, got %q", out)
	}
}

func TestReadPrompts(t *testing.T) {
	prompts, err := readPrompts(strings.NewReader("  a  \n\n#skip\nb"))
	if err != nil {
		t.Fatal(err)
	}
	if len(prompts) != 2 || prompts[0] != (prompt{line: 1, text: "a"}) || prompts[1] != (prompt{line: 4, text: "b"}) {
		t.Errorf("unexpected prompts %+v", prompts)
	}
}

func TestConfigSetValidatesStreamKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("CHATSTREAM_STREAM_URL", "")

	if _, err := execute(t, "", "--config", path, "config", "set", "stream.max_reconnect_attempts", "-1"); err == nil {
		t.Fatal("expected negative attempts to be rejected")
	}
	if _, err := execute(t, "", "--config", path, "config", "set", "stream.reconnect_delay_ms", "soon"); err == nil {
		t.Fatal("expected non-integer delay to be rejected")
	}

	out, err := execute(t, "", "--config", path, "config", "set", "stream.max_reconnect_attempts", "5")
	if err != nil {
		t.Fatalf("config set failed: %v", err)
	}
	if strings.TrimSpace(out) != "Set stream.max_reconnect_attempts = 5 (was 3)" {
		t.Errorf("unexpected set output %q", out)
	}

	out, err = execute(t, "", "--config", path, "config", "validate")
	if err != nil {
		t.Fatalf("config validate failed: %v", err)
	}
	if !strings.Contains(out, "is valid") {
		t.Errorf("unexpected validate output %q", out)
	}
}

func TestAskRejectsInvalidConfig(t *testing.T) {
	backend := newEchoBackend(t)
	path := writeCLIConfig(t, backend.URL)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Stream.FallbackTimeoutMS = 0
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	_, err = execute(t, "", "--config", path, "ask", "--json", "hi")
	if err == nil || !strings.Contains(err.Error(), "stream.fallback_timeout_ms") {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}
