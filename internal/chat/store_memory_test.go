package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestFindOrCreateConversationIsUniquePerPair(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	c1, created, err := s.FindOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true on first call")
	}

	// Reversed order must resolve to the same conversation.
	c2, created, err := s.FindOrCreateConversation(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if created {
		t.Fatalf("expected created=false on second call")
	}
	if c1.ID != c2.ID {
		t.Fatalf("pair lookup is order-dependent: %s != %s", c1.ID, c2.ID)
	}
}

func TestFindOrCreateConversationConcurrent(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	const callers = 32
	ids := make([]string, callers)

	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, _, err := s.FindOrCreateConversation(ctx, a, b)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent callers observed different conversations: %s != %s", ids[i], ids[0])
		}
	}
}

func TestFindOrCreateConversationRejectsInvalidPairs(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	cases := [][2]string{{"", "bob"}, {"alice", ""}, {"alice", "alice"}}
	for _, c := range cases {
		if _, _, err := s.FindOrCreateConversation(ctx, c[0], c[1]); !errors.Is(err, ErrInvalidParticipants) {
			t.Fatalf("pair %v: expected ErrInvalidParticipants, got %v", c, err)
		}
	}
}

func TestAppendMessageOrderingAndLastActivity(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	conv, _, err := s.FindOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const k = 10
	sent := make([]string, 0, k)
	for i := 0; i < k; i++ {
		m, err := s.AppendMessage(ctx, conv.ID, "alice", fmt.Sprintf("msg-%d", i))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		sent = append(sent, m.ID)
	}

	got, err := s.ListMessages(ctx, conv.ID, 1, k)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != k {
		t.Fatalf("expected %d messages, got %d", k, len(got))
	}
	// Newest first: got[0] is the last appended.
	for i := 0; i < k; i++ {
		if got[i].ID != sent[k-1-i] {
			t.Fatalf("position %d: expected %s, got %s", i, sent[k-1-i], got[i].ID)
		}
	}

	updated, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.LastMessageID == nil || *updated.LastMessageID != sent[k-1] {
		t.Fatalf("lastMessage not updated atomically with append")
	}
	if updated.LastActivity.Before(conv.LastActivity) {
		t.Fatalf("lastActivity went backwards")
	}
}

func TestAppendMessageMembershipEnforcement(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	conv, _, err := s.FindOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := s.AppendMessage(ctx, conv.ID, "mallory", "hi"); !errors.Is(err, ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}

	// No message persisted.
	msgs, err := s.ListMessages(ctx, conv.ID, 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("rejected send persisted a message")
	}

	if _, err := s.AppendMessage(ctx, "no-such-conv", "alice", "hi"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestListMessagesPagination(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	conv, _, err := s.FindOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const total = 100
	sent := make([]string, 0, total)
	for i := 0; i < total; i++ {
		m, err := s.AppendMessage(ctx, conv.ID, "alice", fmt.Sprintf("msg-%d", i))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		sent = append(sent, m.ID)
	}

	page1, err := s.ListMessages(ctx, conv.ID, 1, 50)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	page2, err := s.ListMessages(ctx, conv.ID, 2, 50)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	page3, err := s.ListMessages(ctx, conv.ID, 3, 50)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}

	if len(page1) != 50 || len(page2) != 50 || len(page3) != 0 {
		t.Fatalf("unexpected page sizes: %d/%d/%d", len(page1), len(page2), len(page3))
	}

	// No overlap, no gap: page1 covers the 50 most recent, page2 the next 50.
	seen := make(map[string]struct{}, total)
	for _, m := range append(append([]Message{}, page1...), page2...) {
		if _, dup := seen[m.ID]; dup {
			t.Fatalf("message %s appears on both pages", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	if page1[0].ID != sent[total-1] {
		t.Fatalf("page 1 does not start at the newest message")
	}
	if page2[len(page2)-1].ID != sent[0] {
		t.Fatalf("page 2 does not end at the oldest message")
	}
}

func TestMarkReadIsIdempotentAndSkipsSender(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	conv, _, err := s.FindOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.AppendMessage(ctx, conv.ID, "alice", "from alice"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := s.AppendMessage(ctx, conv.ID, "bob", "from bob"); err != nil {
		t.Fatalf("append: %v", err)
	}

	marked, err := s.MarkRead(ctx, conv.ID, "bob")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if marked != 3 {
		t.Fatalf("expected 3 newly marked messages, got %d", marked)
	}

	again, err := s.MarkRead(ctx, conv.ID, "bob")
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if again != 0 {
		t.Fatalf("expected idempotent second mark, got %d", again)
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, m := range msgs {
		switch m.SenderID {
		case "alice":
			if !m.ReadByUser("bob") {
				t.Fatalf("alice's message not marked read by bob")
			}
			if m.ReadByUser("alice") {
				t.Fatalf("sender auto-added to readBy")
			}
		case "bob":
			if len(m.ReadBy) != 0 {
				t.Fatalf("bob's own message marked read by bob")
			}
		}
	}

	if _, err := s.MarkRead(ctx, conv.ID, "mallory"); !errors.Is(err, ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant for outsider, got %v", err)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	conv, _, err := s.FindOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.AppendMessage(ctx, conv.ID, "alice", "hello"); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetConversation(ctx, conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("conversation still present after delete")
	}
	if err := s.DeleteConversation(ctx, conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound on double delete, got %v", err)
	}

	// The pair index is cleared too: a new create yields a fresh conversation.
	again, created, err := s.FindOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if !created || again.ID == conv.ID {
		t.Fatalf("deleted conversation resurrected")
	}
	msgs, err := s.ListMessages(ctx, again.ID, 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages survived the cascade delete")
	}
}

func TestListConversationsOrderedByActivity(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	c1, _, err := s.FindOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	c2, _, err := s.FindOrCreateConversation(ctx, "alice", "carol")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Activity in c1 bumps it above c2.
	if _, err := s.AppendMessage(ctx, c1.ID, "alice", "ping"); err != nil {
		t.Fatalf("append: %v", err)
	}

	convs, err := s.ListConversations(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].ID != c1.ID {
		t.Fatalf("most recently active conversation not first")
	}

	peer, err := s.ListConversations(ctx, "carol")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(peer) != 1 || peer[0].ID != c2.ID {
		t.Fatalf("carol's conversation list wrong: %+v", peer)
	}
}
