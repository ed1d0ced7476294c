package entities

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/RockChinQ/LangBot/pkg/models"
)

// LauncherKey renders a session key from its launcher pair.
func LauncherKey(launcherType models.LauncherType, launcherID int64) string {
	return fmt.Sprintf("%s_%d", launcherType, launcherID)
}

// Conversation is a prompt-bounded thread inside a session.
//
// Messages is append-only; truncation happens only when building a
// request and never mutates the stored history.
type Conversation struct {
	UUID string

	Prompt models.Prompt

	Messages []models.Message
	// TokenCounts holds the per-turn token count parallel to Messages.
	TokenCounts []int

	// UseModel is the model name bound at creation.
	UseModel string
	// UseFuncs is the tool set bound at creation.
	UseFuncs []string

	// RemoteID is the provider-side conversation id used by bridge
	// runners (Dify, Coze).
	RemoteID string

	CreatedAt time.Time
}

// NewConversation creates an empty conversation bound to a prompt,
// model, and tool set.
func NewConversation(prompt models.Prompt, model string, funcs []string) *Conversation {
	return &Conversation{
		UUID:      uuid.New().String(),
		Prompt:    prompt,
		UseModel:  model,
		UseFuncs:  funcs,
		CreatedAt: time.Now(),
	}
}

// Append records a turn with its token count.
func (c *Conversation) Append(msg models.Message, tokens int) {
	c.Messages = append(c.Messages, msg)
	c.TokenCounts = append(c.TokenCounts, tokens)
}

// Session is the per-launcher state. The semaphore caps in-flight
// queries for the launcher; with a cap of 1 it also preserves reply
// ordering.
type Session struct {
	LauncherType models.LauncherType
	LauncherID   int64

	Semaphore *semaphore.Weighted
	// Concurrency is the permit count the semaphore was minted with.
	Concurrency int64

	CreateTS       time.Time
	LastInteractTS time.Time

	mu            sync.Mutex
	conversations []*Conversation
	using         *Conversation
}

// NewSession creates a session with a fresh semaphore of the given
// permit count.
func NewSession(launcherType models.LauncherType, launcherID int64, concurrency int64) *Session {
	if concurrency < 1 {
		concurrency = 1
	}
	now := time.Now()
	return &Session{
		LauncherType:   launcherType,
		LauncherID:     launcherID,
		Semaphore:      semaphore.NewWeighted(concurrency),
		Concurrency:    concurrency,
		CreateTS:       now,
		LastInteractTS: now,
	}
}

// Key returns the session's launcher key.
func (s *Session) Key() string {
	return LauncherKey(s.LauncherType, s.LauncherID)
}

// Touch refreshes the interaction timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.LastInteractTS = time.Now()
	s.mu.Unlock()
}

// LastInteract reads the interaction timestamp.
func (s *Session) LastInteract() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastInteractTS
}

// Using returns the active conversation, or nil.
func (s *Session) Using() *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.using
}

// SetUsing switches the active conversation. The conversation must
// already belong to the session.
func (s *Session) SetUsing(conv *Conversation) {
	s.mu.Lock()
	s.using = conv
	s.mu.Unlock()
}

// AddConversation appends a conversation; when none is active it
// becomes the active one.
func (s *Session) AddConversation(conv *Conversation) {
	s.mu.Lock()
	s.conversations = append(s.conversations, conv)
	if s.using == nil {
		s.using = conv
	}
	s.mu.Unlock()
}

// Conversations returns a snapshot of the conversation list.
func (s *Session) Conversations() []*Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conversation, len(s.conversations))
	copy(out, s.conversations)
	return out
}

// SwitchDelta moves the using pointer by delta within the conversation
// list (-1 for previous, +1 for next). Returns the new active
// conversation or an error at either end.
func (s *Session) SwitchDelta(delta int) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conversations) == 0 || s.using == nil {
		return nil, fmt.Errorf("no conversation to switch")
	}
	idx := -1
	for i, conv := range s.conversations {
		if conv == s.using {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("active conversation not in list")
	}
	next := idx + delta
	if next < 0 || next >= len(s.conversations) {
		return nil, fmt.Errorf("no conversation in that direction")
	}
	s.using = s.conversations[next]
	return s.using, nil
}

// RemoveConversation deletes a conversation; when the active one is
// removed the pointer falls back to the last remaining conversation.
func (s *Session) RemoveConversation(conv *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conversations {
		if c == conv {
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			break
		}
	}
	if s.using == conv {
		s.using = nil
		if len(s.conversations) > 0 {
			s.using = s.conversations[len(s.conversations)-1]
		}
	}
}
