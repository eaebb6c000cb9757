// Package memory persists per-conversation chat logs. The bridge keeps
// its own transcript so multi-turn context survives across Home Assistant
// requests; Home Assistant only carries the conversation id.
package memory

import (
	"sync"
	"time"
)

// Message is one chat-log entry.
type Message struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store is the chat-log interface shared by the SQLite and in-memory
// implementations. The system prompt is held separately from the message
// list because it is re-rendered on every turn.
type Store interface {
	// Append adds a message to the end of a conversation.
	Append(conversationID string, msg Message) error

	// History returns the conversation's messages in order, with the
	// system prompt (if set) as the first entry.
	History(conversationID string) ([]Message, error)

	// SetSystemPrompt writes or replaces the conversation's system prompt.
	SetSystemPrompt(conversationID, content string) error

	// TruncateClear applies the "clear" strategy: drop everything before
	// the most recent user message, keeping the system prompt and the
	// trailing user turn so the next relay still has its anchor.
	TruncateClear(conversationID string) error

	// Delete removes a conversation entirely.
	Delete(conversationID string) error

	// Close releases any underlying resources.
	Close() error
}

// MemStore is an in-memory Store. Used for tests and store-less runs;
// history is lost on restart.
type MemStore struct {
	mu      sync.Mutex
	msgs    map[string][]Message
	prompts map[string]string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		msgs:    make(map[string][]Message),
		prompts: make(map[string]string),
	}
}

func (s *MemStore) Append(conversationID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.msgs[conversationID] = append(s.msgs[conversationID], msg)
	return nil
}

func (s *MemStore) History(conversationID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	if prompt, ok := s.prompts[conversationID]; ok {
		out = append(out, Message{Role: "system", Content: prompt})
	}
	out = append(out, s.msgs[conversationID]...)
	return out, nil
}

func (s *MemStore) SetSystemPrompt(conversationID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[conversationID] = content
	return nil
}

func (s *MemStore) TruncateClear(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.msgs[conversationID]
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			last = i
			break
		}
	}
	if last > 0 {
		s.msgs[conversationID] = append([]Message(nil), msgs[last:]...)
	}
	return nil
}

func (s *MemStore) Delete(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.msgs, conversationID)
	delete(s.prompts, conversationID)
	return nil
}

func (s *MemStore) Close() error { return nil }
