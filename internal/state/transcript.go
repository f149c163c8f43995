// internal/state/transcript.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/chatstream/internal/types"
	"github.com/user/chatstream/pkg/chat"
)

// maxRecordSize bounds a single transcript line. Assistant replies can be long.
const maxRecordSize = 4 * 1024 * 1024

// Record is one line of a transcript file.
type Record struct {
	Seq     int64        `json:"seq"`
	At      time.Time    `json:"at"`
	Message chat.Message `json:"message"`
}

// TranscriptStore is a JSONL-backed append-only log of finalized messages.
// Records are stored per-conversation in conversations/<id>/transcript.jsonl.
type TranscriptStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.ConversationID]*sync.Mutex
}

// NewTranscriptStore creates a TranscriptStore rooted at the given directory.
func NewTranscriptStore(root string) *TranscriptStore {
	return &TranscriptStore{
		root:  root,
		locks: make(map[types.ConversationID]*sync.Mutex),
	}
}

func (s *TranscriptStore) getLock(id types.ConversationID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[id] = lock
	return lock
}

func (s *TranscriptStore) path(id types.ConversationID) string {
	return filepath.Join(s.root, "conversations", string(id), "transcript.jsonl")
}

func newScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	return scanner
}

// count counts lines in the transcript. Caller must hold the conversation lock.
func (s *TranscriptStore) count(id types.ConversationID) (int64, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := newScanner(f)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan transcript: %w", err)
	}
	return count, nil
}

// Append writes msg to the conversation's transcript with the next sequence
// number and returns the stored record. Streaming messages are rejected.
func (s *TranscriptStore) Append(_ context.Context, id types.ConversationID, msg chat.Message) (*Record, error) {
	if msg.IsStreaming {
		return nil, fmt.Errorf("append %s: message %s is still streaming", id, msg.ID)
	}

	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path(id)), 0o755); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}

	existing, err := s.count(id)
	if err != nil {
		return nil, err
	}
	rec := &Record{Seq: existing + 1, At: time.Now(), Message: msg}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	f, err := os.OpenFile(s.path(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return nil, fmt.Errorf("write record: %w", err)
	}
	return rec, nil
}

// Tail returns the last limit messages of the conversation in order. A
// non-positive limit returns the whole transcript.
func (s *TranscriptStore) Tail(_ context.Context, id types.ConversationID, limit int) ([]chat.Message, error) {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var msgs []chat.Message
	scanner := newScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		msgs = append(msgs, rec.Message)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Count returns the number of messages stored for the conversation.
func (s *TranscriptStore) Count(_ context.Context, id types.ConversationID) (int64, error) {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	return s.count(id)
}
