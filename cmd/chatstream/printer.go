package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/user/chatstream/pkg/chat"
)

// printer renders the streaming assistant message incrementally. The backend
// sends cumulative text, so only the unseen suffix is written; when the text
// no longer extends what was shown the message is reprinted on a new line.
type printer struct {
	mu    sync.Mutex
	w     io.Writer
	id    chat.MessageID
	shown string
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) update(msg *chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.track(msg.ID)
	p.write(msg.Content)
}

// finish writes whatever is left of the final message and ends the line.
func (p *printer) finish(msg chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.track(msg.ID)
	p.write(msg.Content)
	fmt.Fprintln(p.w)
	p.id, p.shown = "", ""
}

// abort ends an unfinished message. It reports whether one was in progress.
func (p *printer) abort() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id == "" {
		return false
	}
	if p.shown != "" {
		fmt.Fprintln(p.w)
	}
	p.id, p.shown = "", ""
	return true
}

func (p *printer) track(id chat.MessageID) {
	if id == p.id {
		return
	}
	if p.shown != "" {
		fmt.Fprintln(p.w)
	}
	p.id, p.shown = id, ""
}

func (p *printer) write(content string) {
	if strings.HasPrefix(content, p.shown) {
		fmt.Fprint(p.w, content[len(p.shown):])
	} else {
		fmt.Fprint(p.w, "\n", content)
	}
	p.shown = content
}
