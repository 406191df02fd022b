package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agora/internal/identity/ids"
)

// InMemoryStore is a dev/test fallback when no database is configured.
// It honors the same atomicity contracts as the SQL stores: find-or-create is
// race-safe and appends update lastMessage/lastActivity under the same lock.
type InMemoryStore struct {
	mu      sync.Mutex
	convs   map[string]*memConversation
	byPair  map[string]string // "a\x00b" (canonical) -> conversation id
	nowFunc func() time.Time
}

type memConversation struct {
	conv Conversation
	msgs []Message // append order == (created_at, id) order
}

// NewInMemoryStore constructs an empty in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:   make(map[string]*memConversation),
		byPair:  make(map[string]string),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func pairKey(a, b string) string {
	a, b = canonicalPair(a, b)
	return a + "\x00" + b
}

// FindOrCreateConversation returns or atomically creates the conversation for
// the unordered pair. The store mutex makes concurrent calls race-safe.
func (s *InMemoryStore) FindOrCreateConversation(ctx context.Context, userA, userB string) (Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}
	if userA == "" || userB == "" || userA == userB {
		return Conversation{}, false, ErrInvalidParticipants
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(userA, userB)
	if id, ok := s.byPair[key]; ok {
		return s.convs[id].conv, false, nil
	}

	now := s.nowFunc()
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, false, err
	}

	a, b := canonicalPair(userA, userB)
	conv := Conversation{
		ID:           id,
		ParticipantA: a,
		ParticipantB: b,
		LastActivity: now,
		CreatedAt:    now,
	}
	s.convs[id] = &memConversation{conv: conv}
	s.byPair[key] = id
	return conv, true, nil
}

// GetConversation returns a conversation by id.
func (s *InMemoryStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return c.conv, nil
}

// ListConversations returns userID's conversations, most recently active first.
func (s *InMemoryStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, 0, 8)
	for _, c := range s.convs {
		if c.conv.HasParticipant(userID) {
			out = append(out, c.conv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// AppendMessage persists a message and updates the owning conversation's
// lastMessage/lastActivity under the same lock (both or neither).
func (s *InMemoryStore) AppendMessage(ctx context.Context, conversationID, senderID, content string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Message{}, ErrConversationNotFound
	}
	if !c.conv.HasParticipant(senderID) {
		return Message{}, fmt.Errorf("%w: %s", ErrNotAParticipant, senderID)
	}

	now := s.nowFunc()
	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		ReadBy:         []string{},
		CreatedAt:      now,
	}
	c.msgs = append(c.msgs, msg)
	c.conv.LastMessageID = &msg.ID
	if now.After(c.conv.LastActivity) {
		c.conv.LastActivity = now
	}
	return msg, nil
}

// ListMessages returns the pageth page of messages, newest first.
// Insertion order breaks created_at ties, matching append order.
func (s *InMemoryStore) ListMessages(ctx context.Context, conversationID string, page, pageSize int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page, pageSize = normalizePage(page, pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}

	n := len(c.msgs)
	hi := n - (page-1)*pageSize
	if hi <= 0 {
		return []Message{}, nil
	}
	lo := hi - pageSize
	if lo < 0 {
		lo = 0
	}

	out := make([]Message, 0, hi-lo)
	for i := hi - 1; i >= lo; i-- {
		out = append(out, copyMessage(c.msgs[i]))
	}
	return out, nil
}

// MarkRead acknowledges every message not sent by readerID. Idempotent.
func (s *InMemoryStore) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return 0, ErrConversationNotFound
	}
	if !c.conv.HasParticipant(readerID) {
		return 0, fmt.Errorf("%w: %s", ErrNotAParticipant, readerID)
	}

	marked := 0
	for i := range c.msgs {
		m := &c.msgs[i]
		if m.SenderID == readerID || m.ReadByUser(readerID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, readerID)
		marked++
	}
	return marked, nil
}

// DeleteConversation removes the conversation and all of its messages.
func (s *InMemoryStore) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	delete(s.byPair, pairKey(c.conv.ParticipantA, c.conv.ParticipantB))
	delete(s.convs, conversationID)
	return nil
}

func copyMessage(m Message) Message {
	out := m
	out.ReadBy = append([]string(nil), m.ReadBy...)
	return out
}
