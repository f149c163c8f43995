package stream

import (
	"github.com/user/chatstream/pkg/chat"
)

// accumulator holds the text and metadata of the in-flight assistant message.
// The server sends cumulative text, so content is replaced, never appended.
type accumulator struct {
	content  string
	metadata chat.Metadata
}

// applyFullText replaces the content when fullText is present. A nil
// fullText leaves the content untouched.
func (a *accumulator) applyFullText(fullText *string) bool {
	if fullText == nil {
		return false
	}
	a.content = *fullText
	return true
}

// mergeMetadata merges m into the pending metadata, later keys winning.
func (a *accumulator) mergeMetadata(m map[string]any) {
	if len(m) == 0 {
		return
	}
	if a.metadata == nil {
		a.metadata = make(chat.Metadata, len(m))
	}
	a.metadata.Merge(m)
}

func (a *accumulator) reset() {
	a.content = ""
	a.metadata = nil
}

// message renders the accumulated state onto base. The returned message
// shares nothing with the accumulator.
func (a *accumulator) message(base chat.Message, streaming bool) chat.Message {
	base.Content = a.content
	base.IsStreaming = streaming
	base.Metadata = a.metadata.Clone()
	return base
}

// conversationLog is the append-only list of finalized messages.
type conversationLog struct {
	msgs []chat.Message
}

func (l *conversationLog) append(msg chat.Message) {
	msg.IsStreaming = false
	l.msgs = append(l.msgs, msg.Clone())
}

func (l *conversationLog) reset() {
	l.msgs = nil
}

// snapshot returns a copy of the log that callers may keep and modify.
func (l *conversationLog) snapshot() []chat.Message {
	out := make([]chat.Message, len(l.msgs))
	for i, msg := range l.msgs {
		out[i] = msg.Clone()
	}
	return out
}
