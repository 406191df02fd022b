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
	"agora/internal/chat"
)

// localBus emulates the gateway + router for two controllers in-process:
// commands mutate the real store, events fan out synchronously.
type localBus struct {
	t     *testing.T
	store chat.Store

	mu          sync.Mutex
	controllers map[string]*Controller
}

func newLocalBus(t *testing.T) *localBus {
	return &localBus{t: t, store: chat.NewInMemoryStore(), controllers: make(map[string]*Controller)}
}

func (b *localBus) attach(userID string, c *Controller) {
	b.mu.Lock()
	b.controllers[userID] = c
	b.mu.Unlock()
	c.BindSender(&busSender{bus: b, userID: userID})
}

func (b *localBus) deliver(env v1.Envelope, exceptUser string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for userID, c := range b.controllers {
		if userID == exceptUser {
			continue
		}
		c.HandleEvent(env)
	}
}

type busSender struct {
	bus    *localBus
	userID string
}

func (s *busSender) Send(ctx context.Context, env v1.Envelope) error {
	b := s.bus
	switch env.Type {
	case v1.TypeSendMessage:
		var p v1.SendMessagePayload
		require.NoError(b.t, json.Unmarshal(env.Payload, &p))
		msg, err := b.store.AppendMessage(ctx, p.ConversationID, s.userID, p.Content)
		if err != nil {
			return err
		}
		out := mustEnvelope(b.t, v1.TypeNewMessage, v1.NewMessagePayload{
			ConversationID: p.ConversationID,
			Message: v1.MessagePayload{
				ID:             msg.ID,
				ConversationID: msg.ConversationID,
				SenderID:       msg.SenderID,
				Content:        msg.Content,
				ReadBy:         msg.ReadBy,
				CreatedAt:      msg.CreatedAt,
			},
		})
		b.deliver(out, "") // fan-out includes the sender (multi-device echo)

	case v1.TypeMarkMessagesRead:
		var p v1.MarkReadPayload
		require.NoError(b.t, json.Unmarshal(env.Payload, &p))
		if _, err := b.store.MarkRead(ctx, p.ConversationID, s.userID); err != nil {
			return err
		}
		out := mustEnvelope(b.t, v1.TypeMessagesRead, v1.MessagesReadPayload{
			ConversationID: p.ConversationID,
			ReadBy:         s.userID,
		})
		b.deliver(out, s.userID) // reader excluded
	}
	return nil
}

func mustEnvelope(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: raw}
}

func TestScenario_TwoUsersSendFocusAcknowledge(t *testing.T) {
	t.Parallel()

	bus := newLocalBus(t)
	ctx := context.Background()

	opts := Options{Log: slog.New(slog.DiscardHandler)}
	alice := NewController("alice", nil, opts)
	bob := NewController("bob", nil, opts)
	bus.attach("alice", alice)
	bus.attach("bob", bob)

	// Both sides call create-or-get concurrently; exactly one conversation
	// must win.
	ids := make(chan string, 2)
	var wg sync.WaitGroup
	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		wg.Add(1)
		go func(a, b string) {
			defer wg.Done()
			conv, _, err := bus.store.FindOrCreateConversation(ctx, a, b)
			require.NoError(t, err)
			ids <- conv.ID
		}(pair[0], pair[1])
	}
	wg.Wait()
	close(ids)

	first := <-ids
	for id := range ids {
		require.Equal(t, first, id, "concurrent create-or-get must converge on one conversation")
	}
	convID := first

	// A sends "hello": both caches receive it, only B counts it unread.
	require.NoError(t, alice.SendMessage(ctx, convID, "hello"))

	bobMsgs := bob.Messages(convID)
	require.Len(t, bobMsgs, 1)
	assert.Equal(t, "hello", bobMsgs[0].Content)
	assert.Equal(t, 1, bob.Unread(convID))
	assert.Equal(t, 0, alice.Unread(convID), "sender echo is never unread")

	// B focuses the conversation: unread resets and A observes the read.
	require.NoError(t, bob.Focus(ctx, convID, true))
	assert.Equal(t, 0, bob.Unread(convID))

	aliceMsgs := alice.Messages(convID)
	require.Len(t, aliceMsgs, 1)
	assert.Contains(t, aliceMsgs[0].ReadBy, "bob")

	stored, err := bus.store.ListMessages(ctx, convID, 1, 50)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Contains(t, stored[0].ReadBy, "bob")
}
