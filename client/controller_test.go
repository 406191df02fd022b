package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "agora/contracts/chat/v1"
)

type recordingSender struct {
	mu   sync.Mutex
	envs []v1.Envelope
}

func (s *recordingSender) Send(_ context.Context, env v1.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return nil
}

func (s *recordingSender) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.envs))
	for i, e := range s.envs {
		out[i] = e.Type
	}
	return out
}

func (s *recordingSender) last() (v1.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.envs) == 0 {
		return v1.Envelope{}, false
	}
	return s.envs[len(s.envs)-1], true
}

func newTestController(t *testing.T, userID string, fetch HistoryFetcher) (*Controller, *recordingSender) {
	t.Helper()
	c := NewController(userID, fetch, Options{
		TypingDebounce: 30 * time.Millisecond,
		Log:            slog.New(slog.DiscardHandler),
	})
	s := &recordingSender{}
	c.BindSender(s)
	return c, s
}

func newMessageEvent(t *testing.T, id, convID, senderID, content string, at time.Time) v1.Envelope {
	t.Helper()
	raw, err := json.Marshal(v1.NewMessagePayload{
		ConversationID: convID,
		Message: v1.MessagePayload{
			ID:             id,
			ConversationID: convID,
			SenderID:       senderID,
			Content:        content,
			CreatedAt:      at,
		},
	})
	require.NoError(t, err)
	return v1.Envelope{V: v1.Version, Type: v1.TypeNewMessage, Payload: raw}
}

func event(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return v1.Envelope{V: v1.Version, Type: typ, Payload: raw}
}

func TestController_UnreadAccounting(t *testing.T) {
	t.Parallel()

	c, s := newTestController(t, "bob", nil)
	base := time.Now().UTC()

	for i, id := range []string{"m1", "m2", "m3"} {
		c.HandleEvent(newMessageEvent(t, id, "c1", "alice", "hi", base.Add(time.Duration(i)*time.Second)))
	}
	assert.Equal(t, 3, c.Unread("c1"))

	// The local user's own messages never count as unread.
	c.HandleEvent(newMessageEvent(t, "m4", "c1", "bob", "reply", base.Add(4*time.Second)))
	assert.Equal(t, 3, c.Unread("c1"))

	// Focusing while visible resets the counter and acknowledges reads.
	require.NoError(t, c.Focus(context.Background(), "c1", true))
	assert.Equal(t, 0, c.Unread("c1"))

	last, ok := s.last()
	require.True(t, ok)
	assert.Equal(t, v1.TypeMarkMessagesRead, last.Type)

	// While focused and visible, incoming messages stay read.
	c.HandleEvent(newMessageEvent(t, "m5", "c1", "alice", "more", base.Add(5*time.Second)))
	assert.Equal(t, 0, c.Unread("c1"))

	// A background tab accrues unread again.
	c.Blur()
	c.HandleEvent(newMessageEvent(t, "m6", "c1", "alice", "psst", base.Add(6*time.Second)))
	assert.Equal(t, 1, c.Unread("c1"))
	assert.Equal(t, 1, c.TotalUnread())
}

func TestController_FocusWithoutVisibilityDoesNotAcknowledge(t *testing.T) {
	t.Parallel()

	c, s := newTestController(t, "bob", nil)
	c.HandleEvent(newMessageEvent(t, "m1", "c1", "alice", "hi", time.Now()))

	require.NoError(t, c.Focus(context.Background(), "c1", false))

	assert.Equal(t, 1, c.Unread("c1"), "selection without visibility must not reset unread")
	assert.Empty(t, s.types(), "no mark_messages_read without visibility")
}

func TestController_DuplicateSuppression(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(t, "bob", nil)
	at := time.Now().UTC()

	c.HandleEvent(newMessageEvent(t, "m1", "c1", "alice", "hi", at))
	c.HandleEvent(newMessageEvent(t, "m1", "c1", "alice", "hi", at))

	assert.Len(t, c.Messages("c1"), 1)
	assert.Equal(t, 1, c.Unread("c1"), "duplicate delivery must not double-count")
}

func TestController_MessagesNewestFirst(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(t, "bob", nil)
	base := time.Now().UTC()

	c.HandleEvent(newMessageEvent(t, "01A", "c1", "alice", "first", base))
	c.HandleEvent(newMessageEvent(t, "01C", "c1", "alice", "third", base.Add(time.Second)))
	// Same timestamp as "01C": the larger ULID was inserted later.
	c.HandleEvent(newMessageEvent(t, "01D", "c1", "alice", "fourth", base.Add(time.Second)))

	msgs := c.Messages("c1")
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"01D", "01C", "01A"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestController_TypingDebounce(t *testing.T) {
	t.Parallel()

	c, s := newTestController(t, "bob", nil)
	ctx := context.Background()

	require.NoError(t, c.InputChanged(ctx, "c1"))
	require.NoError(t, c.InputChanged(ctx, "c1"))
	require.NoError(t, c.InputChanged(ctx, "c1"))

	assert.Equal(t, []string{v1.TypeTypingStart}, s.types(), "repeat keystrokes emit a single typing_start")

	// After the inactivity window the stop fires on its own.
	assert.Eventually(t, func() bool {
		types := s.types()
		return len(types) == 2 && types[1] == v1.TypeTypingStop
	}, time.Second, 5*time.Millisecond)
}

func TestController_SendMessageStopsTyping(t *testing.T) {
	t.Parallel()

	c, s := newTestController(t, "bob", nil)
	ctx := context.Background()

	require.NoError(t, c.InputChanged(ctx, "c1"))
	require.NoError(t, c.SendMessage(ctx, "c1", "hello"))

	assert.Equal(t, []string{v1.TypeTypingStart, v1.TypeTypingStop, v1.TypeSendMessage}, s.types())

	// The timer was disarmed; no late duplicate stop.
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, s.types(), 3)
}

func TestController_TypingEventsFromPeers(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(t, "bob", nil)

	c.HandleEvent(event(t, v1.TypeUserTyping, v1.TypingPayload{ConversationID: "c1", UserID: "alice", UserName: "Alice"}))
	assert.Equal(t, []string{"Alice"}, c.TypingUsers("c1"))

	// A message from the typing user supersedes the indicator.
	c.HandleEvent(newMessageEvent(t, "m1", "c1", "alice", "hi", time.Now()))
	assert.Empty(t, c.TypingUsers("c1"))

	c.HandleEvent(event(t, v1.TypeUserTyping, v1.TypingPayload{ConversationID: "c1", UserID: "alice", UserName: "Alice"}))
	c.HandleEvent(event(t, v1.TypeUserOffline, v1.PresencePayload{UserID: "alice", UserName: "Alice"}))
	assert.Empty(t, c.TypingUsers("c1"), "offline peers cannot still be typing")
}

func TestController_MessagesReadUpdatesCache(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(t, "alice", nil)
	at := time.Now().UTC()

	c.HandleEvent(newMessageEvent(t, "m1", "c1", "alice", "hi", at))
	c.HandleEvent(newMessageEvent(t, "m2", "c1", "bob", "yo", at.Add(time.Second)))

	c.HandleEvent(event(t, v1.TypeMessagesRead, v1.MessagesReadPayload{ConversationID: "c1", ReadBy: "bob"}))
	c.HandleEvent(event(t, v1.TypeMessagesRead, v1.MessagesReadPayload{ConversationID: "c1", ReadBy: "bob"}))

	msgs := c.Messages("c1")
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		if m.SenderID == "alice" {
			assert.Equal(t, []string{"bob"}, m.ReadBy, "reader added exactly once")
		} else {
			assert.Empty(t, m.ReadBy, "readers are never added to their own messages")
		}
	}
}

func TestController_PresenceAndHello(t *testing.T) {
	t.Parallel()

	c, _ := newTestController(t, "bob", nil)

	c.HandleEvent(event(t, v1.TypeHelloAck, v1.HelloAckPayload{SessionID: "s1", UserID: "bob"}))
	assert.Equal(t, "s1", c.SessionID())

	c.HandleEvent(event(t, v1.TypeUserOnline, v1.PresencePayload{UserID: "alice", UserName: "Alice"}))
	assert.True(t, c.IsOnline("alice"))

	c.HandleEvent(event(t, v1.TypeUserOffline, v1.PresencePayload{UserID: "alice", UserName: "Alice"}))
	assert.False(t, c.IsOnline("alice"))
}

type staticFetcher struct {
	convs []Conversation
	msgs  map[string][]v1.MessagePayload
}

func (f *staticFetcher) ListConversations(_ context.Context) ([]Conversation, error) {
	return f.convs, nil
}

func (f *staticFetcher) ListMessages(_ context.Context, conversationID string, _, _ int) ([]v1.MessagePayload, error) {
	return f.msgs[conversationID], nil
}

func TestController_ReconnectReconciliation(t *testing.T) {
	t.Parallel()

	at := time.Now().UTC()
	fetch := &staticFetcher{
		convs: []Conversation{{ID: "c1", ParticipantA: "alice", ParticipantB: "bob"}},
		msgs: map[string][]v1.MessagePayload{
			"c1": {
				{ID: "m2", ConversationID: "c1", SenderID: "alice", Content: "missed", CreatedAt: at.Add(time.Second)},
				{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "seen", CreatedAt: at},
			},
		},
	}

	c, _ := newTestController(t, "bob", fetch)

	// m1 arrived live before the outage; unread already counted.
	c.HandleEvent(newMessageEvent(t, "m1", "c1", "alice", "seen", at))
	require.NoError(t, c.Focus(context.Background(), "c1", false))
	require.Equal(t, 1, c.Unread("c1"))

	c.OnDisconnected()

	s := &recordingSender{}
	c.BindSender(s)
	require.NoError(t, c.OnConnected(context.Background()))

	// The fetched page merges in m2 without duplicating m1, and the
	// conversation list is refreshed. Unread counters survive reconnects.
	msgs := c.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Len(t, c.Conversations(), 1)
	assert.Equal(t, "alice", c.Conversations()[0].Peer("bob"))
	assert.Equal(t, 1, c.Unread("c1"))
}

func TestController_CommandsRequireTransport(t *testing.T) {
	t.Parallel()

	c := NewController("bob", nil, Options{Log: slog.New(slog.DiscardHandler)})

	err := c.SendMessage(context.Background(), "c1", "hello")
	assert.ErrorIs(t, err, ErrNotConnected)
}
