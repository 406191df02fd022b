package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	v1 "agora/contracts/chat/v1"
	"agora/internal/chat"
	"agora/internal/identity"
)

// gatewayFixture runs a real gateway over httptest with an in-memory store
// and a static dev provider, so tests exercise the same admission, dispatch
// and shutdown paths production connections take.
type gatewayFixture struct {
	store *chat.InMemoryStore
	srv   *httptest.Server
}

func newGatewayFixture(t *testing.T, users ...string) *gatewayFixture {
	t.Helper()
	t.Setenv("AGORA_WS_ORIGIN_REQUIRED", "false")

	store := chat.NewInMemoryStore()
	provider := identity.NewStaticProvider()
	for _, u := range users {
		if err := provider.Register(identity.Identity{UserID: u, DisplayName: u}, "pw"); err != nil {
			t.Fatalf("register %s: %v", u, err)
		}
	}

	gw, err := NewGateway(testLogger(), store, provider, nil, nil)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return &gatewayFixture{store: store, srv: srv}
}

func (f *gatewayFixture) conversation(t *testing.T, a, b string) chat.Conversation {
	t.Helper()
	conv, _, err := f.store.FindOrCreateConversation(context.Background(), a, b)
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}
	return conv
}

func (f *gatewayFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	return dialGateway(t, f.srv.URL, token)
}

func dialGateway(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   header,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	conn.SetReadLimit(maxFrameBytes)
	return conn
}

func sendCommand(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", typ, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env := v1.Envelope{V: v1.Version, Type: typ, ID: NewRandomHex(4), TS: time.Now().UTC(), Payload: b}
	if err := wsjson.Write(ctx, conn, env); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readNext returns the next envelope, failing on close or timeout.
func readNext(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var env v1.Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

// mustReadType reads envelopes until one of the wanted type arrives.
func mustReadType(t *testing.T, conn *websocket.Conn, typ string) v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		var env v1.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		if env.Type == typ {
			return env
		}
	}
}

// mustReadClose drains envelopes until the server closes the connection and
// returns the close status.
func mustReadClose(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		var env v1.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

// assertSilence fails if any envelope arrives within wait. The read context
// expiring closes the connection, so this must be the last use of conn.
func assertSilence(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	var env v1.Envelope
	if err := wsjson.Read(ctx, conn, &env); err == nil {
		t.Fatalf("unexpected %q envelope", env.Type)
	}
}

func decodePayload(t *testing.T, env v1.Envelope, dst any) {
	t.Helper()
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
}

func TestGatewayRejectsBadCredential(t *testing.T) {
	f := newGatewayFixture(t, "alice")

	conn := f.dial(t, "alice:wrong")
	if got := mustReadClose(t, conn); got != websocket.StatusPolicyViolation {
		t.Fatalf("expected close %v for bad credential, got %v", websocket.StatusPolicyViolation, got)
	}
}

type stallProvider struct{}

func (stallProvider) Resolve(ctx context.Context, _ string) (identity.Identity, error) {
	<-ctx.Done()
	return identity.Identity{}, ctx.Err()
}

func TestGatewayAdmissionTimeout(t *testing.T) {
	t.Setenv("AGORA_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("AGORA_WS_ADMIT_TIMEOUT", "50ms")

	gw, err := NewGateway(testLogger(), chat.NewInMemoryStore(), stallProvider{}, nil, nil)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	conn := dialGateway(t, srv.URL, "alice:pw")
	if got := mustReadClose(t, conn); got != websocket.StatusPolicyViolation {
		t.Fatalf("expected close %v when identity resolution times out, got %v", websocket.StatusPolicyViolation, got)
	}
}

func TestGatewayAutoJoinFanout(t *testing.T) {
	f := newGatewayFixture(t, "alice", "bob")
	conv := f.conversation(t, "alice", "bob")

	alice := f.dial(t, "alice:pw")
	var hello v1.HelloAckPayload
	decodePayload(t, mustReadType(t, alice, v1.TypeHelloAck), &hello)
	if hello.UserID != "alice" || hello.SessionID == "" {
		t.Fatalf("bad hello_ack: %+v", hello)
	}

	bob := f.dial(t, "bob:pw")
	mustReadType(t, bob, v1.TypeHelloAck)

	// Bob never issued a join; delivery relies on admission auto-subscribing
	// him to his conversations.
	sendCommand(t, alice, v1.TypeSendMessage, v1.SendMessagePayload{ConversationID: conv.ID, Content: "hello"})

	for name, conn := range map[string]*websocket.Conn{"peer": bob, "sender echo": alice} {
		var got v1.NewMessagePayload
		decodePayload(t, mustReadType(t, conn, v1.TypeNewMessage), &got)
		if got.ConversationID != conv.ID {
			t.Fatalf("%s: wrong conversation %q", name, got.ConversationID)
		}
		if got.Message.SenderID != "alice" || got.Message.Content != "hello" {
			t.Fatalf("%s: wrong message %+v", name, got.Message)
		}
	}

	// The append completed before the fan-out.
	msgs, err := f.store.ListMessages(context.Background(), conv.ID, 1, 50)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(msgs))
	}
}

func TestGatewayCommandErrorMapping(t *testing.T) {
	f := newGatewayFixture(t, "alice", "bob", "mallory")
	conv := f.conversation(t, "alice", "bob")

	mallory := f.dial(t, "mallory:pw")
	mustReadType(t, mallory, v1.TypeHelloAck)

	for _, tc := range []struct {
		name     string
		typ      string
		payload  any
		wantCode string
	}{
		{
			name:     "send to foreign conversation",
			typ:      v1.TypeSendMessage,
			payload:  v1.SendMessagePayload{ConversationID: conv.ID, Content: "hi"},
			wantCode: "not_a_participant",
		},
		{
			name:     "join foreign conversation",
			typ:      v1.TypeJoin,
			payload:  v1.JoinPayload{ConversationID: conv.ID},
			wantCode: "not_a_participant",
		},
		{
			name:     "send to unknown conversation",
			typ:      v1.TypeSendMessage,
			payload:  v1.SendMessagePayload{ConversationID: "no-such-conv", Content: "hi"},
			wantCode: "conversation_not_found",
		},
		{
			name:     "blank content",
			typ:      v1.TypeSendMessage,
			payload:  v1.SendMessagePayload{ConversationID: conv.ID, Content: "   "},
			wantCode: "empty_message",
		},
	} {
		sendCommand(t, mallory, tc.typ, tc.payload)

		var got v1.ErrorPayload
		decodePayload(t, mustReadType(t, mallory, v1.TypeError), &got)
		if got.Code != tc.wantCode {
			t.Fatalf("%s: expected code %q, got %q (%s)", tc.name, tc.wantCode, got.Code, got.Message)
		}
	}

	// Rejected commands never reach the store.
	msgs, err := f.store.ListMessages(context.Background(), conv.ID, 1, 50)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no persisted messages, got %d", len(msgs))
	}

	// Command errors are caller-scoped; the session stays usable.
	own := f.conversation(t, "alice", "mallory")
	sendCommand(t, mallory, v1.TypeJoin, v1.JoinPayload{ConversationID: own.ID})
	sendCommand(t, mallory, v1.TypeSendMessage, v1.SendMessagePayload{ConversationID: own.ID, Content: "still here"})

	var echo v1.NewMessagePayload
	decodePayload(t, mustReadType(t, mallory, v1.TypeNewMessage), &echo)
	if echo.Message.Content != "still here" {
		t.Fatalf("expected echo after recovering from errors, got %+v", echo.Message)
	}
}

func TestGatewayOfflineClearsTyping(t *testing.T) {
	f := newGatewayFixture(t, "alice", "bob")
	conv := f.conversation(t, "alice", "bob")

	alice := f.dial(t, "alice:pw")
	mustReadType(t, alice, v1.TypeHelloAck)
	bob := f.dial(t, "bob:pw")
	mustReadType(t, bob, v1.TypeHelloAck)

	sendCommand(t, alice, v1.TypeTypingStart, v1.TypingPayload{ConversationID: conv.ID})

	env := readNext(t, bob)
	if env.Type != v1.TypeUserTyping {
		t.Fatalf("expected %s, got %s", v1.TypeUserTyping, env.Type)
	}
	var typing v1.TypingPayload
	decodePayload(t, env, &typing)
	if typing.UserID != "alice" || typing.ConversationID != conv.ID {
		t.Fatalf("bad typing relay: %+v", typing)
	}

	// Alice drops mid-typing. Her last connection closing must clear the
	// indicator before announcing her offline.
	_ = alice.Close(websocket.StatusNormalClosure, "bye")

	env = readNext(t, bob)
	if env.Type != v1.TypeUserStopTyping {
		t.Fatalf("expected %s after disconnect, got %s", v1.TypeUserStopTyping, env.Type)
	}
	var stopped v1.TypingPayload
	decodePayload(t, env, &stopped)
	if stopped.UserID != "alice" || stopped.ConversationID != conv.ID {
		t.Fatalf("bad stop-typing relay: %+v", stopped)
	}

	env = readNext(t, bob)
	if env.Type != v1.TypeUserOffline {
		t.Fatalf("expected %s, got %s", v1.TypeUserOffline, env.Type)
	}
	var offline v1.PresencePayload
	decodePayload(t, env, &offline)
	if offline.UserID != "alice" {
		t.Fatalf("bad offline payload: %+v", offline)
	}

	assertSilence(t, bob, 200*time.Millisecond)
}

func TestGatewayOfflineOnlyOnLastConnection(t *testing.T) {
	f := newGatewayFixture(t, "alice", "bob")
	conv := f.conversation(t, "alice", "bob")

	alice1 := f.dial(t, "alice:pw")
	mustReadType(t, alice1, v1.TypeHelloAck)
	bob := f.dial(t, "bob:pw")
	mustReadType(t, bob, v1.TypeHelloAck)
	alice2 := f.dial(t, "alice:pw")
	mustReadType(t, alice2, v1.TypeHelloAck)

	_ = alice1.Close(websocket.StatusNormalClosure, "bye")

	// The second device keeps the session alive; bob's next envelope is the
	// message, not a premature user_offline.
	sendCommand(t, alice2, v1.TypeSendMessage, v1.SendMessagePayload{ConversationID: conv.ID, Content: "still on"})

	env := readNext(t, bob)
	if env.Type != v1.TypeNewMessage {
		t.Fatalf("expected %s after first device closed, got %s", v1.TypeNewMessage, env.Type)
	}

	_ = alice2.Close(websocket.StatusNormalClosure, "bye")

	env = readNext(t, bob)
	if env.Type != v1.TypeUserOffline {
		t.Fatalf("expected %s after last device closed, got %s", v1.TypeUserOffline, env.Type)
	}

	assertSilence(t, bob, 200*time.Millisecond)
}
