package chat

import (
	"time"

	"github.com/google/uuid"
)

// MessageID identifies a Message within a conversation.
type MessageID string

// NewMessageID returns a random uuid MessageID.
func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Metadata carries per-message details reported by the AI backend
// (model, detected language, sentiment, token counts, processing time).
type Metadata map[string]any

// Merge copies every key of src into m, overwriting existing keys.
func (m Metadata) Merge(src map[string]any) {
	for k, v := range src {
		m[k] = v
	}
}

// Clone returns a deep copy of m. Nested maps and slices decoded from JSON
// are copied so snapshots never share mutable state with the controller.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = cloneValue(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = cloneValue(child)
		}
		return out
	default:
		return v
	}
}

// Message is a single entry of a conversation. Content only changes while
// IsStreaming is true; a finalized message is never mutated.
type Message struct {
	ID          MessageID `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	IsStreaming bool      `json:"is_streaming,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Metadata    Metadata  `json:"metadata,omitempty"`
}

// Clone returns a copy of msg that shares no mutable state with it.
func (msg Message) Clone() Message {
	msg.Metadata = msg.Metadata.Clone()
	return msg
}

// NewUserMessage creates a finalized user message stamped with the current time.
func NewUserMessage(text string) Message {
	return Message{
		ID:        NewMessageID(),
		Role:      RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	}
}

// Snapshot is an immutable view of a conversation at one point in time.
type Snapshot struct {
	Messages         []Message
	StreamingMessage *Message
	IsStreaming      bool
	Phase            string
	Err              error
}
