// internal/state/conversation.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/chatstream/internal/types"
)

// ErrConversationNotFound is returned when a conversation id is not indexed.
var ErrConversationNotFound = errors.New("conversation not found")

// Conversation is the index entry of one stored conversation.
type Conversation struct {
	ID         types.ConversationID `json:"id"`
	CustomerID types.CustomerID     `json:"customer_id"`
	Title      string               `json:"title,omitempty"`
	Messages   int64                `json:"messages"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// ConversationStore keeps the conversation index in conversations/index.json
// and creates a directory per conversation for its transcript.
type ConversationStore struct {
	root string
	mu   sync.RWMutex
}

// NewConversationStore creates a ConversationStore rooted at the given directory.
func NewConversationStore(root string) *ConversationStore {
	return &ConversationStore{root: root}
}

func (s *ConversationStore) dir() string {
	return filepath.Join(s.root, "conversations")
}

func (s *ConversationStore) indexPath() string {
	return filepath.Join(s.dir(), "index.json")
}

func (s *ConversationStore) loadIndex() (map[types.ConversationID]*Conversation, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.ConversationID]*Conversation), nil
		}
		return nil, fmt.Errorf("read conversation index: %w", err)
	}

	var convs []*Conversation
	if err := json.Unmarshal(data, &convs); err != nil {
		return nil, fmt.Errorf("unmarshal conversation index: %w", err)
	}

	index := make(map[types.ConversationID]*Conversation, len(convs))
	for _, conv := range convs {
		index[conv.ID] = conv
	}
	return index, nil
}

// saveIndex writes the index atomically, most recently updated first.
func (s *ConversationStore) saveIndex(index map[types.ConversationID]*Conversation) error {
	data, err := json.MarshalIndent(sorted(index), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation index: %w", err)
	}

	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return fmt.Errorf("create conversations dir: %w", err)
	}

	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp index: %w", err)
	}
	return nil
}

// convDir returns the directory of id, rejecting ids that would escape the
// conversations dir.
func (s *ConversationStore) convDir(id types.ConversationID) (string, error) {
	dir := filepath.Join(s.dir(), string(id))
	resolved, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	base, err := filepath.Abs(s.dir())
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if id == "" || !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid conversation id: %q", id)
	}
	return dir, nil
}

func sorted(index map[types.ConversationID]*Conversation) []*Conversation {
	convs := make([]*Conversation, 0, len(index))
	for _, conv := range index {
		convs = append(convs, conv)
	}
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].ID < convs[j].ID
		}
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs
}

// Resolve returns the conversation with the given id, creating it for
// customerID when it does not exist yet. An empty id mints a new one.
func (s *ConversationStore) Resolve(_ context.Context, id types.ConversationID, customerID types.CustomerID) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	if id != "" {
		if existing, ok := index[id]; ok {
			return existing, nil
		}
	} else {
		id = types.NewConversationID()
	}

	dir, err := s.convDir(id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	conv := &Conversation{
		ID:         id,
		CustomerID: customerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	index[id] = conv

	if err := s.saveIndex(index); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}
	return conv, nil
}

// Get returns the conversation with the given id.
func (s *ConversationStore) Get(_ context.Context, id types.ConversationID) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	conv, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return conv, nil
}

// List returns all conversations, most recently updated first.
func (s *ConversationStore) List(_ context.Context) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	return sorted(index), nil
}

// Touch records that the conversation now holds messages entries. The
// first non-empty title is kept.
func (s *ConversationStore) Touch(_ context.Context, id types.ConversationID, messages int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	conv, ok := index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	conv.Messages = messages
	if conv.Title == "" {
		conv.Title = title
	}
	conv.UpdatedAt = time.Now()
	return s.saveIndex(index)
}

// Delete removes the conversation from the index along with its transcript.
func (s *ConversationStore) Delete(_ context.Context, id types.ConversationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.convDir(id)
	if err != nil {
		return err
	}

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	if _, ok := index[id]; !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	delete(index, id)
	if err := s.saveIndex(index); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove conversation dir: %w", err)
	}
	return nil
}
