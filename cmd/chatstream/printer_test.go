package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/user/chatstream/pkg/chat"
)

func TestPrinterWritesDeltas(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)

	p.update(&chat.Message{ID: "a", Content: ""})
	p.update(&chat.Message{ID: "a", Content: "Hel"})
	p.update(&chat.Message{ID: "a", Content: "Hello"})
	p.finish(chat.Message{ID: "a", Content: "Hello!"})

	if got := buf.String(); got != "Hello!\n" {
		t.Errorf("expected %q, got %q", "Hello!\n", got)
	}
}

func TestPrinterReprintsRewrittenText(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)

	p.update(&chat.Message{ID: "a", Content: "Helo"})
	p.finish(chat.Message{ID: "a", Content: "Hello"})

	if got := buf.String(); got != "Helo\nHello\n" {
		t.Errorf("unexpected output %q", got)
	}
}

func TestPrinterAbort(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)

	if p.abort() {
		t.Error("expected no message in progress")
	}

	p.update(&chat.Message{ID: "a", Content: "partial"})
	if !p.abort() {
		t.Error("expected message in progress")
	}
	if got := buf.String(); got != "partial\n" {
		t.Errorf("unexpected output %q", got)
	}

	// A fresh message starts clean after an abort.
	p.finish(chat.Message{ID: "b", Content: "next"})
	if !strings.HasSuffix(buf.String(), "partial\nnext\n") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestTitle(t *testing.T) {
	if got := title(chat.Message{Role: chat.RoleAssistant, Content: "hi"}); got != "" {
		t.Errorf("expected no title from assistant, got %q", got)
	}
	if got := title(chat.NewUserMessage("  where   is\nmy order ")); got != "where is my order" {
		t.Errorf("unexpected title %q", got)
	}
	long := title(chat.NewUserMessage(strings.Repeat("é", 100)))
	if n := len([]rune(long)); n != titleLen {
		t.Errorf("expected %d runes, got %d", titleLen, n)
	}
}
