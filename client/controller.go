// Package client implements the session controller used by Agora frontends:
// a local cache of conversations and messages reconciled against live gateway
// events, with unread counters and typing state.
//
// Durability lives on the server. Live events are best-effort, so after every
// reconnect the controller re-fetches authoritative state over REST.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	v1 "agora/contracts/chat/v1"
)

// ErrNotConnected is returned by commands issued before a transport is bound.
var ErrNotConnected = errors.New("client: not connected")

// Sender delivers an outbound envelope to the gateway.
type Sender interface {
	Send(ctx context.Context, env v1.Envelope) error
}

// HistoryFetcher pulls authoritative state over REST. Live events lost while
// the transport was down are never replayed, so the controller calls this
// after every (re)connect.
type HistoryFetcher interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID string, page, pageSize int) ([]v1.MessagePayload, error)
}

const defaultTypingDebounce = time.Second

// Options tune controller behavior. The zero value is usable.
type Options struct {
	// TypingDebounce is the inactivity window after which a typing_stop is
	// emitted automatically. Defaults to one second.
	TypingDebounce time.Duration

	Log *slog.Logger
}

// Controller owns the client-side session state for one authenticated user.
// All methods are safe for concurrent use.
type Controller struct {
	userID string
	fetch  HistoryFetcher
	log    *slog.Logger

	typingDebounce time.Duration

	mu     sync.Mutex
	sender Sender

	sessionID string

	conversations map[string]Conversation
	messages      map[string]*messageCache
	unread        map[string]int
	typing        map[string]map[string]string // conversation -> user id -> display name
	online        map[string]string            // user id -> display name

	focused string
	visible bool

	typingLocal  map[string]bool
	typingTimers map[string]*time.Timer
}

// messageCache holds one conversation's messages newest-first, with an id set
// for duplicate suppression.
type messageCache struct {
	ids   map[string]struct{}
	items []v1.MessagePayload
}

// NewController constructs a Controller for userID. fetch may be nil when no
// REST surface is reachable; reconnect reconciliation is then skipped.
func NewController(userID string, fetch HistoryFetcher, opts Options) *Controller {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	debounce := opts.TypingDebounce
	if debounce <= 0 {
		debounce = defaultTypingDebounce
	}

	return &Controller{
		userID:         userID,
		fetch:          fetch,
		log:            log,
		typingDebounce: debounce,
		conversations:  make(map[string]Conversation),
		messages:       make(map[string]*messageCache),
		unread:         make(map[string]int),
		typing:         make(map[string]map[string]string),
		online:         make(map[string]string),
		typingLocal:    make(map[string]bool),
		typingTimers:   make(map[string]*time.Timer),
	}
}

// BindSender attaches the live transport. Called by Transport on each
// successful dial; commands fail with ErrNotConnected while unbound.
func (c *Controller) BindSender(s Sender) {
	c.mu.Lock()
	c.sender = s
	c.mu.Unlock()
}

// OnDisconnected clears transport-scoped state. Presence and typing sets are
// dropped because they cannot be trusted across an outage.
func (c *Controller) OnDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender = nil
	c.sessionID = ""
	c.typing = make(map[string]map[string]string)
	c.online = make(map[string]string)
	for conv, timer := range c.typingTimers {
		timer.Stop()
		delete(c.typingTimers, conv)
	}
	c.typingLocal = make(map[string]bool)
}

// OnConnected reconciles local state after a (re)connect: the conversation
// list is re-fetched, and the focused conversation gets its latest page
// merged in. Unread counters are preserved across reconnects.
func (c *Controller) OnConnected(ctx context.Context) error {
	if c.fetch == nil {
		return nil
	}

	convs, err := c.fetch.ListConversations(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	focused := c.focused
	c.conversations = make(map[string]Conversation, len(convs))
	for _, conv := range convs {
		c.conversations[conv.ID] = conv
	}
	c.mu.Unlock()

	if focused == "" {
		return nil
	}

	msgs, err := c.fetch.ListMessages(ctx, focused, 1, 0)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, m := range msgs {
		c.insertMessageLocked(m)
	}
	c.mu.Unlock()
	return nil
}

// HandleEvent applies one inbound envelope to the local caches.
func (c *Controller) HandleEvent(env v1.Envelope) {
	switch env.Type {
	case v1.TypeHelloAck:
		var p v1.HelloAckPayload
		if c.decode(env, &p) {
			c.mu.Lock()
			c.sessionID = p.SessionID
			c.mu.Unlock()
		}

	case v1.TypeNewMessage:
		var p v1.NewMessagePayload
		if c.decode(env, &p) {
			c.onNewMessage(p)
		}

	case v1.TypeUserTyping:
		var p v1.TypingPayload
		if c.decode(env, &p) {
			c.mu.Lock()
			set := c.typing[p.ConversationID]
			if set == nil {
				set = make(map[string]string)
				c.typing[p.ConversationID] = set
			}
			set[p.UserID] = p.UserName
			c.mu.Unlock()
		}

	case v1.TypeUserStopTyping:
		var p v1.TypingPayload
		if c.decode(env, &p) {
			c.mu.Lock()
			c.removeTypingLocked(p.ConversationID, p.UserID)
			c.mu.Unlock()
		}

	case v1.TypeMessagesRead:
		var p v1.MessagesReadPayload
		if c.decode(env, &p) {
			c.onMessagesRead(p)
		}

	case v1.TypeUserOnline:
		var p v1.PresencePayload
		if c.decode(env, &p) {
			c.mu.Lock()
			c.online[p.UserID] = p.UserName
			c.mu.Unlock()
		}

	case v1.TypeUserOffline:
		var p v1.PresencePayload
		if c.decode(env, &p) {
			c.mu.Lock()
			delete(c.online, p.UserID)
			// An offline peer cannot still be typing.
			for conv := range c.typing {
				c.removeTypingLocked(conv, p.UserID)
			}
			c.mu.Unlock()
		}

	case v1.TypeError:
		var p v1.ErrorPayload
		if c.decode(env, &p) {
			c.log.Warn("client.command.error", "code", p.Code, "msg", p.Message)
		}

	default:
		c.log.Debug("client.event.ignored", "type", env.Type)
	}
}

func (c *Controller) onNewMessage(p v1.NewMessagePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.insertMessageLocked(p.Message) {
		return // duplicate delivery
	}

	if conv, ok := c.conversations[p.ConversationID]; ok {
		conv.LastMessageID = &p.Message.ID
		if p.Message.CreatedAt.After(conv.LastActivity) {
			conv.LastActivity = p.Message.CreatedAt
		}
		c.conversations[p.ConversationID] = conv
	}

	// A message from a user supersedes their typing indicator.
	c.removeTypingLocked(p.ConversationID, p.Message.SenderID)

	if p.Message.SenderID == c.userID {
		return
	}
	if p.ConversationID == c.focused && c.visible {
		return
	}
	c.unread[p.ConversationID]++
}

func (c *Controller) onMessagesRead(p v1.MessagesReadPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cache, ok := c.messages[p.ConversationID]
	if !ok {
		return
	}
	for i := range cache.items {
		m := &cache.items[i]
		if m.SenderID == p.ReadBy || containsString(m.ReadBy, p.ReadBy) {
			continue
		}
		m.ReadBy = append(m.ReadBy, p.ReadBy)
	}
}

// insertMessageLocked adds a message newest-first, returning false on a
// duplicate id.
func (c *Controller) insertMessageLocked(m v1.MessagePayload) bool {
	cache := c.messages[m.ConversationID]
	if cache == nil {
		cache = &messageCache{ids: make(map[string]struct{})}
		c.messages[m.ConversationID] = cache
	}
	if _, dup := cache.ids[m.ID]; dup {
		return false
	}
	cache.ids[m.ID] = struct{}{}

	i := 0
	for i < len(cache.items) && newer(cache.items[i], m) {
		i++
	}
	cache.items = append(cache.items, v1.MessagePayload{})
	copy(cache.items[i+1:], cache.items[i:])
	cache.items[i] = m
	return true
}

// newer reports whether a sorts before b in newest-first order. Ids are
// ULIDs, so they break timestamp ties in insertion order.
func newer(a, b v1.MessagePayload) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (c *Controller) removeTypingLocked(conversationID, userID string) {
	set, ok := c.typing[conversationID]
	if !ok {
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(c.typing, conversationID)
	}
}

// ---- Commands ----

// Focus marks a conversation as selected. Unread state resets, and a
// mark_messages_read command is issued, only when the window is also
// foreground-visible; a background selection changes nothing.
func (c *Controller) Focus(ctx context.Context, conversationID string, visible bool) error {
	c.mu.Lock()
	c.focused = conversationID
	c.visible = visible
	if !visible {
		c.mu.Unlock()
		return nil
	}
	c.unread[conversationID] = 0
	c.mu.Unlock()

	return c.send(ctx, v1.TypeMarkMessagesRead, v1.MarkReadPayload{ConversationID: conversationID})
}

// Blur marks the window as no longer visible. The selection is kept.
func (c *Controller) Blur() {
	c.mu.Lock()
	c.visible = false
	c.mu.Unlock()
}

// SendMessage issues a send_message command. On error the caller keeps the
// draft and may retry; no local state changes until the new_message event
// echoes back.
func (c *Controller) SendMessage(ctx context.Context, conversationID, content string) error {
	c.stopTyping(ctx, conversationID)
	return c.send(ctx, v1.TypeSendMessage, v1.SendMessagePayload{
		ConversationID: conversationID,
		Content:        content,
	})
}

// Join subscribes the connection to a conversation topic.
func (c *Controller) Join(ctx context.Context, conversationID string) error {
	return c.send(ctx, v1.TypeJoin, v1.JoinPayload{ConversationID: conversationID})
}

// Leave unsubscribes the connection from a conversation topic.
func (c *Controller) Leave(ctx context.Context, conversationID string) error {
	return c.send(ctx, v1.TypeLeave, v1.JoinPayload{ConversationID: conversationID})
}

// InputChanged implements the typing debounce: the first keystroke emits
// typing_start, and an inactivity timer emits typing_stop. Subsequent
// keystrokes only re-arm the timer.
func (c *Controller) InputChanged(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	already := c.typingLocal[conversationID]
	c.typingLocal[conversationID] = true
	if t, ok := c.typingTimers[conversationID]; ok {
		t.Stop()
	}
	c.typingTimers[conversationID] = time.AfterFunc(c.typingDebounce, func() {
		c.stopTyping(context.Background(), conversationID)
	})
	c.mu.Unlock()

	if already {
		return nil
	}
	return c.send(ctx, v1.TypeTypingStart, v1.TypingPayload{ConversationID: conversationID})
}

// stopTyping emits typing_stop if a local typing indicator is active.
func (c *Controller) stopTyping(ctx context.Context, conversationID string) {
	c.mu.Lock()
	active := c.typingLocal[conversationID]
	delete(c.typingLocal, conversationID)
	if t, ok := c.typingTimers[conversationID]; ok {
		t.Stop()
		delete(c.typingTimers, conversationID)
	}
	c.mu.Unlock()

	if !active {
		return
	}
	if err := c.send(ctx, v1.TypeTypingStop, v1.TypingPayload{ConversationID: conversationID}); err != nil {
		c.log.Debug("client.typing_stop.fail", "err", err)
	}
}

func (c *Controller) send(ctx context.Context, typ string, payload any) error {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return sender.Send(ctx, v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		TS:      time.Now().UTC(),
		Payload: raw,
	})
}

func (c *Controller) decode(env v1.Envelope, into any) bool {
	if err := json.Unmarshal(env.Payload, into); err != nil {
		c.log.Warn("client.event.decode_fail", "type", env.Type, "err", err)
		return false
	}
	return true
}

// ---- Snapshots ----

// SessionID returns the id assigned by the last hello_ack, or "".
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Unread returns the unread counter for one conversation.
func (c *Controller) Unread(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread[conversationID]
}

// TotalUnread sums unread counters across all conversations.
func (c *Controller) TotalUnread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.unread {
		total += n
	}
	return total
}

// Messages returns a copy of a conversation's cached messages, newest-first.
func (c *Controller) Messages(conversationID string) []v1.MessagePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, ok := c.messages[conversationID]
	if !ok {
		return nil
	}
	out := make([]v1.MessagePayload, len(cache.items))
	copy(out, cache.items)
	return out
}

// Conversations returns a copy of the cached conversation list.
func (c *Controller) Conversations() []Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Conversation, 0, len(c.conversations))
	for _, conv := range c.conversations {
		out = append(out, conv)
	}
	return out
}

// TypingUsers returns the display names of users currently typing in a
// conversation.
func (c *Controller) TypingUsers(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.typing[conversationID]
	out := make([]string, 0, len(set))
	for _, name := range set {
		out = append(out, name)
	}
	return out
}

// IsOnline reports last known presence for a user.
func (c *Controller) IsOnline(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.online[userID]
	return ok
}
