// Package main provides a CI-friendly WebSocket smoke test for the Agora
// realtime gateway.
//
// It validates:
//   - handshake + subprotocol selection + bearer admission
//   - hello_ack session establishment
//   - create-or-get conversation over REST
//   - send -> new_message fanout to the peer (and multi-device echo to self)
//   - typing_start -> user_typing relay, excluding the sender
//   - mark_messages_read -> messages_read relay, excluding the reader
//
// Run it against a dev server started with
// AGORA_DEV_USERS=alice:pw,bob:pw and AGORA_WS_DEV_INSECURE=true.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"agora/client"
	v1 "agora/contracts/chat/v1"
)

const (
	subprotocol  = "agora.chat.v1"
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "REST base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		tokenA  = flag.String("token-a", "alice:pw", "Bearer credential for client A")
		tokenB  = flag.String("token-b", "bob:pw", "Bearer credential for client B")
		text    = flag.String("text", "hello agora", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()

	userA := credentialUser(*tokenA)
	userB := credentialUser(*tokenB)

	// The gateway auto-joins every conversation at admission, so the
	// conversation must exist before either client connects.
	rest := client.NewRESTClient(*apiURL, *tokenA, nil)
	conv, created, err := rest.CreateOrGetConversation(root, userB)
	if err != nil {
		fatalf("create-or-get conversation: %v", err)
	}
	if *verbose {
		fmt.Printf("conversation: id=%s created=%v\n", conv.ID, created)
	}

	a := mustConnect(root, "A", userA, *wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", userB, *wsURL, *origin, *tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	// Typing relays to the peer only.
	mustSend(root, a, v1.TypeTypingStart, v1.TypingPayload{ConversationID: conv.ID}, *timeout)
	typing := b.mustReadUntilType(root, v1.TypeUserTyping, *timeout)
	var tp v1.TypingPayload
	mustUnmarshal(typing.Payload, &tp, "user_typing")
	if tp.UserID != userA {
		fatalf("user_typing: user_id=%q want=%q", tp.UserID, userA)
	}

	// Send fans out to both sides; the sender echo enables multi-device sync.
	mustSend(root, a, v1.TypeSendMessage, v1.SendMessagePayload{ConversationID: conv.ID, Content: *text}, *timeout)

	gotB := mustAssertNewMessage(root, b, conv.ID, userA, *text, *timeout)
	gotA := mustAssertNewMessage(root, a, conv.ID, userA, *text, *timeout)
	if gotA.ID != gotB.ID {
		fatalf("fanout: message id mismatch: A=%s B=%s", gotA.ID, gotB.ID)
	}

	// Reads relay to everyone except the reader.
	mustSend(root, b, v1.TypeMarkMessagesRead, v1.MarkReadPayload{ConversationID: conv.ID}, *timeout)
	read := a.mustReadUntilType(root, v1.TypeMessagesRead, *timeout)
	var rp v1.MessagesReadPayload
	mustUnmarshal(read.Payload, &rp, "messages_read")
	if rp.ReadBy != userB || rp.ConversationID != conv.ID {
		fatalf("messages_read: got read_by=%q conv=%q", rp.ReadBy, rp.ConversationID)
	}
	mustAssertNoType(root, b, v1.TypeMessagesRead, 1200*time.Millisecond)

	// REST history confirms durability.
	msgs, err := rest.ListMessages(root, conv.ID, 1, 50)
	if err != nil {
		fatalf("list messages: %v", err)
	}
	if len(msgs) == 0 || msgs[0].ID != gotA.ID {
		fatalf("history: newest message id mismatch")
	}
	if !containsString(msgs[0].ReadBy, userB) {
		fatalf("history: read_by missing %q: %v", userB, msgs[0].ReadBy)
	}

	fmt.Printf("OK: A=%s B=%s conv_id=%s msg_id=%s\n", a.sessionID, b.sessionID, conv.ID, gotA.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func credentialUser(credential string) string {
	if i := strings.IndexByte(credential, ':'); i > 0 {
		return credential[:i]
	}
	return credential
}

func mustConnect(parent context.Context, name, userID, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	mustUnmarshal(ack.Payload, &p, "hello_ack")
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if p.UserID != userID {
		fatalf("hello_ack user_id=%q want=%q (%s)", p.UserID, userID, name)
	}
	c.sessionID = p.SessionID

	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		for {
			var env v1.Envelope
			if err := wsjson.Read(context.Background(), c.conn, &env); err != nil {
				c.errCh <- err
				return
			}
			c.inbox <- env
		}
	}()
}

func (c *smokeClient) mustReadUntilType(parent context.Context, typ string, stepTimeout time.Duration) v1.Envelope {
	deadline := time.NewTimer(stepTimeout)
	defer deadline.Stop()

	for {
		select {
		case env := <-c.inbox:
			if env.Type == typ {
				return env
			}
			// Presence and typing noise from the other client is expected.
		case err := <-c.errCh:
			fatalf("read %s waiting for %q: %v", c.name, typ, err)
		case <-deadline.C:
			fatalf("timeout waiting for %q on %s", typ, c.name)
		case <-parent.Done():
			fatalf("cancelled waiting for %q on %s", typ, c.name)
		}
	}
}

func mustAssertNewMessage(parent context.Context, c *smokeClient, convID, senderID, text string, stepTimeout time.Duration) v1.MessagePayload {
	env := c.mustReadUntilType(parent, v1.TypeNewMessage, stepTimeout)

	var p v1.NewMessagePayload
	mustUnmarshal(env.Payload, &p, "new_message")
	if p.ConversationID != convID {
		fatalf("new_message (%s): conv=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.Message.SenderID != senderID || p.Message.Content != text {
		fatalf("new_message (%s): sender=%q content=%q", c.name, p.Message.SenderID, p.Message.Content)
	}
	return p.Message
}

func mustAssertNoType(parent context.Context, c *smokeClient, typ string, window time.Duration) {
	deadline := time.NewTimer(window)
	defer deadline.Stop()

	for {
		select {
		case env := <-c.inbox:
			if env.Type == typ {
				fatalf("unexpected %q on %s", typ, c.name)
			}
		case <-deadline.C:
			return
		case <-parent.Done():
			return
		}
	}
}

func mustSend(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	if err := wsjson.Write(ctx, c.conn, env); err != nil {
		fatalf("send %q from %s: %v", typ, c.name, err)
	}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	return raw
}

func mustUnmarshal(raw json.RawMessage, into any, what string) {
	if err := json.Unmarshal(raw, into); err != nil {
		fatalf("unmarshal %s: %v", what, err)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "smoke done")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
