package chat

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vipcong816/video-editing-agent/internal/agent"
)

// Sender identifies which side of the conversation a message belongs to.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// Message is one chat turn. Agent messages are mutated in place while a
// response streams in; user messages are immutable after creation.
type Message struct {
	ID          string          `json:"id"`
	Sender      Sender          `json:"sender"`
	Content     string          `json:"content"`
	Timestamp   time.Time       `json:"timestamp"`
	Streaming   bool            `json:"is_streaming,omitempty"`
	ImageURL    string          `json:"image_url,omitempty"`
	MediaURL    string          `json:"media_url,omitempty"`
	MediaKind   agent.MediaKind `json:"media_type,omitempty"`
	DownloadURL string          `json:"download_url,omitempty"`
}

// newMessageID returns a fresh identifier. ULIDs sort by creation time,
// which keeps the message sequence orderable by ID alone.
func newMessageID() string {
	return ulid.Make().String()
}

// Store owns the ordered message sequence of one chat session. All
// mutation goes through the store; an optional observer receives a
// snapshot copy after every change.
//
// Writes from an in-flight exchange carry the exchange's generation and
// are dropped when it is stale, so an abandoned request (lost timeout
// race, superseded exchange) can never touch the current conversation.
type Store struct {
	mu       sync.Mutex
	msgs     []Message
	observer func([]Message)
	gen      uint64
}

// NewStore creates an empty message store.
func NewStore() *Store {
	return &Store{}
}

// Observe registers the snapshot observer. The observer is called
// outside the store lock with a copy of the message sequence.
func (s *Store) Observe(fn func([]Message)) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// NextGeneration starts a new exchange generation and invalidates all
// writes fenced to earlier ones.
func (s *Store) NextGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	return s.gen
}

// Messages returns a copy of the current message sequence.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// Last returns the most recent message, if any.
func (s *Store) Last() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return Message{}, false
	}
	return s.msgs[len(s.msgs)-1], true
}

// AppendUser adds an immutable user message.
func (s *Store) AppendUser(content, imageURL string) Message {
	msg := Message{
		ID:        newMessageID(),
		Sender:    SenderUser,
		Content:   content,
		Timestamp: time.Now(),
		ImageURL:  imageURL,
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	fn, snap := s.observer, s.snapshotLocked()
	s.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
	return msg
}

// AppendAgentPlaceholder adds the empty agent message that an exchange
// mutates in place until finalized.
func (s *Store) AppendAgentPlaceholder(streaming bool) Message {
	msg := Message{
		ID:        newMessageID(),
		Sender:    SenderAgent,
		Timestamp: time.Now(),
		Streaming: streaming,
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	fn, snap := s.observer, s.snapshotLocked()
	s.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
	return msg
}

// Update applies fn to the message with the given ID in one observable
// step. It is a no-op returning false when gen is stale or the message
// is gone.
func (s *Store) Update(gen uint64, id string, mutate func(*Message)) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	mutate(&s.msgs[idx])
	fn, snap := s.observer, s.snapshotLocked()
	s.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
	return true
}

// SetContent replaces the message's text content.
func (s *Store) SetContent(gen uint64, id, content string) bool {
	return s.Update(gen, id, func(m *Message) {
		m.Content = content
	})
}

// RemoveIfStreaming discards the message when it is still marked
// streaming-in-progress. Used by the top-level stop action.
func (s *Store) RemoveIfStreaming(gen uint64, id string) bool {
	return s.removeIf(gen, id, func(m *Message) bool { return m.Streaming })
}

// Remove discards the message regardless of state.
func (s *Store) Remove(gen uint64, id string) bool {
	return s.removeIf(gen, id, func(*Message) bool { return true })
}

func (s *Store) removeIf(gen uint64, id string, cond func(*Message) bool) bool {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	idx := s.indexLocked(id)
	if idx < 0 || !cond(&s.msgs[idx]) {
		s.mu.Unlock()
		return false
	}
	s.msgs = append(s.msgs[:idx], s.msgs[idx+1:]...)
	fn, snap := s.observer, s.snapshotLocked()
	s.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
	return true
}

// Discard removes a message outside any exchange fence. Only the
// session controller calls this, and only while no exchange is in
// flight (retry-last discarding a finalized reply).
func (s *Store) Discard(id string) bool {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.msgs = append(s.msgs[:idx], s.msgs[idx+1:]...)
	fn, snap := s.observer, s.snapshotLocked()
	s.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
	return true
}

// Clear wipes the message sequence and invalidates any in-flight
// exchange's writes.
func (s *Store) Clear() {
	s.mu.Lock()
	s.msgs = nil
	s.gen++
	fn, snap := s.observer, s.snapshotLocked()
	s.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

func (s *Store) indexLocked(id string) int {
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) snapshotLocked() []Message {
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}
