// Package realtime contains the live fan-out layer of the messaging core:
// presence registry, conversation router, and the websocket session gateway.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "agora/contracts/chat/v1"
	"agora/internal/chat"
	"agora/internal/identity"
)

const (
	wsSubprotocolV1 = "agora.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the websocket entrypoint of the messaging core.
//
// Per-connection state machine: Unauthenticated -> Admitted -> Closed.
// Admission requires identity resolution within a bounded window; on entering
// Admitted the connection registers with the presence registry and is
// auto-subscribed to every conversation the user participates in, so the
// "subscribed at publish time" fan-out contract holds from the first event.
type Gateway struct {
	log      *slog.Logger
	store    chat.Store
	provider identity.Provider
	presence *Presence
	router   *Router
	typing   *typingState

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	admitTimeout time.Duration

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway with secure defaults.
// When presence/router are nil, fresh instances are created.
func NewGateway(log *slog.Logger, store chat.Store, provider identity.Provider, presence *Presence, router *Router) (*Gateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if store == nil {
		return nil, errors.New("realtime: nil store")
	}
	if provider == nil {
		return nil, errors.New("realtime: nil identity provider")
	}
	if presence == nil {
		presence = NewPresence(log)
	}
	if router == nil {
		router = NewRouter(log)
	}

	g := &Gateway{
		log:      log,
		store:    store,
		provider: provider,
		presence: presence,
		router:   router,
		typing:   newTypingState(),
	}

	// Dev-only knob: skips websocket.Accept's origin verification entirely.
	// enforceOrigin still runs first, so the env allowlist stays authoritative.
	g.devInsecure = envBool("AGORA_WS_DEV_INSECURE", false)

	g.originRequired = envBool("AGORA_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSV("AGORA_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatterns(g.allowedOrigins)

	g.writeTimeout = envDuration("AGORA_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDuration("AGORA_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envInt("AGORA_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.admitTimeout = envDuration("AGORA_WS_ADMIT_TIMEOUT", admitTimeout)

	g.heartbeatEvery = envDuration("AGORA_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDuration("AGORA_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envInt("AGORA_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDuration("AGORA_WS_RATE_WINDOW", rateLimitWindow)

	return g, nil
}

// Presence exposes the registry for readiness/debug surfaces.
func (g *Gateway) Presence() *Presence { return g.presence }

// Router exposes the fan-out router.
func (g *Gateway) Router() *Router { return g.router }

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the realtime loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	credential := connectionCredential(r)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := ws.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	ws.SetReadLimit(maxFrameBytes)

	// Unauthenticated -> Admitted requires identity resolution within the
	// admission window; otherwise the connection goes straight to Closed.
	admitCtx, admitCancel := context.WithTimeout(r.Context(), g.admitTimeout)
	who, err := g.provider.Resolve(admitCtx, credential)
	admitCancel()
	if err != nil {
		admissionsRejected.Inc()
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		_ = ws.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	now := time.Now().UTC()
	sessionID, err := NewSessionID(now)
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = ws.Close(websocket.StatusInternalError, "session id")
		return
	}

	conn := NewConn(sessionID, who.UserID, who.DisplayName, g.sendQueueSize)
	conn.Privileged = who.Privileged

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close conn.Send.
	// Fan-out safety: conn.Send remains open and topic removal happens before conn.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.router.UnsubscribeAll(conn)

			if last := g.presence.Remove(conn); last {
				usersOnline.Dec()
				g.clearTypingOnOffline(conn, who)
				g.broadcastPresence(v1.TypeUserOffline, who)
			}
			connectionsActive.Dec()

			conn.Close()
			_ = ws.Close(code, reason)
			cancel()
		})
	}

	// Admitted: presence registration first, then topic auto-join, so the
	// window where a participant is connected but not subscribed stays minimal.
	if first := g.presence.Admit(conn); first {
		usersOnline.Inc()
		g.broadcastPresence(v1.TypeUserOnline, who)
	}
	connectionsActive.Inc()

	if err := g.autoJoin(ctx, conn); err != nil {
		g.log.Error("ws.autojoin.fail", "session_id", sessionID, "user_id", who.UserID, "err", err)
		shutdown(websocket.StatusInternalError, "subscription bootstrap failed")
		return
	}

	g.log.Info("ws.admitted", "session_id", sessionID, "user_id", who.UserID)

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case env := <-conn.Send:
				if err := writeEnvelope(ctx, ws, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := ws.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	g.sendHelloAck(ctx, conn)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, ws)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, conn, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, conn, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, conn, "bad_envelope", err.Error())
			continue readLoop
		}

		g.dispatch(ctx, conn, env)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// dispatch routes one validated inbound command.
// Store errors become caller-only error envelopes; they never tear down the
// session or mutate router/presence state.
func (g *Gateway) dispatch(ctx context.Context, conn *Conn, env v1.Envelope) {
	switch env.Type {
	case v1.TypeJoin:
		if err := g.onJoin(ctx, conn, env); err != nil {
			g.sendCommandError(ctx, conn, err)
		}
	case v1.TypeLeave:
		if err := g.onLeave(conn, env); err != nil {
			g.sendCommandError(ctx, conn, err)
		}
	case v1.TypeSendMessage:
		if err := g.onSendMessage(ctx, conn, env); err != nil {
			g.sendCommandError(ctx, conn, err)
		}
	case v1.TypeTypingStart:
		if err := g.onTyping(conn, env, true); err != nil {
			g.sendCommandError(ctx, conn, err)
		}
	case v1.TypeTypingStop:
		if err := g.onTyping(conn, env, false); err != nil {
			g.sendCommandError(ctx, conn, err)
		}
	case v1.TypeMarkMessagesRead:
		if err := g.onMarkRead(ctx, conn, env); err != nil {
			g.sendCommandError(ctx, conn, err)
		}
	default:
		g.trySendError(ctx, conn, "unsupported", fmt.Sprintf("unsupported command: %s", env.Type))
	}
}

// ---- handlers ----

func (g *Gateway) onJoin(ctx context.Context, conn *Conn, env v1.Envelope) error {
	var p v1.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errors.New("missing conversation_id")
	}

	conv, err := g.store.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(conn.UserID) && !conn.Privileged {
		return fmt.Errorf("%w: %s", chat.ErrNotAParticipant, conn.UserID)
	}

	g.router.Subscribe(convID, conn)
	return nil
}

func (g *Gateway) onLeave(conn *Conn, env v1.Envelope) error {
	var p v1.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errors.New("missing conversation_id")
	}

	g.router.Unsubscribe(convID, conn)
	return nil
}

func (g *Gateway) onSendMessage(ctx context.Context, conn *Conn, env v1.Envelope) error {
	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errors.New("missing conversation_id")
	}

	content := strings.TrimSpace(p.Content)
	if content == "" {
		return chat.ErrEmptyContent
	}
	if len([]rune(content)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	// The append must complete before the fan-out so a client fetching
	// history right after receiving the event is guaranteed to see it.
	msg, err := g.store.AppendMessage(ctx, convID, conn.UserID, content)
	if err != nil {
		return err
	}
	messagesAppended.Inc()

	// A message from this user supersedes their typing state.
	if g.typing.stop(convID, conn.UserID) {
		g.publishTyping(v1.TypeUserStopTyping, convID, conn.UserID, conn.DisplayName)
	}

	payload, _ := json.Marshal(v1.NewMessagePayload{
		ConversationID: convID,
		Message:        messageToWire(msg),
	})
	// Fan-out includes the sender's own connections (multi-device echo).
	g.router.Publish(convID, g.newEnvelope(v1.TypeNewMessage, payload))
	return nil
}

func (g *Gateway) onTyping(conn *Conn, env v1.Envelope, start bool) error {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errors.New("missing conversation_id")
	}

	if start {
		if g.typing.start(convID, conn.UserID, conn.DisplayName) {
			g.publishTyping(v1.TypeUserTyping, convID, conn.UserID, conn.DisplayName)
		}
		return nil
	}

	if g.typing.stop(convID, conn.UserID) {
		g.publishTyping(v1.TypeUserStopTyping, convID, conn.UserID, conn.DisplayName)
	}
	return nil
}

func (g *Gateway) onMarkRead(ctx context.Context, conn *Conn, env v1.Envelope) error {
	var p v1.MarkReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errors.New("missing conversation_id")
	}

	if _, err := g.store.MarkRead(ctx, convID, conn.UserID); err != nil {
		return err
	}

	payload, _ := json.Marshal(v1.MessagesReadPayload{
		ConversationID: convID,
		ReadBy:         conn.UserID,
	})
	// The reader's own connections are excluded (no self-echo).
	g.router.PublishExcept(convID, conn.UserID, g.newEnvelope(v1.TypeMessagesRead, payload))
	return nil
}

// ---- admission helpers ----

// autoJoin subscribes the connection to every conversation the user
// participates in. Without this step, best-effort delivery would silently
// drop messages for reconnecting users until they issued explicit joins.
func (g *Gateway) autoJoin(ctx context.Context, conn *Conn) error {
	convs, err := g.store.ListConversations(ctx, conn.UserID)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		g.router.Subscribe(conv.ID, conn)
	}
	return nil
}

func (g *Gateway) sendHelloAck(ctx context.Context, conn *Conn) {
	payload, _ := json.Marshal(v1.HelloAckPayload{SessionID: conn.SessionID, UserID: conn.UserID})
	g.enqueue(ctx, conn, g.newEnvelope(v1.TypeHelloAck, payload))
}

func (g *Gateway) broadcastPresence(eventType string, who identity.Identity) {
	payload, _ := json.Marshal(v1.PresencePayload{UserID: who.UserID, UserName: who.DisplayName})
	g.presence.BroadcastExcept(who.UserID, g.newEnvelope(eventType, payload))
}

// clearTypingOnOffline force-clears typing state when a user's last connection
// closes, so a dropped connection cannot appear to type forever.
func (g *Gateway) clearTypingOnOffline(conn *Conn, who identity.Identity) {
	for _, convID := range g.typing.clearUser(conn.UserID) {
		g.publishTyping(v1.TypeUserStopTyping, convID, who.UserID, who.DisplayName)
	}
}

func (g *Gateway) publishTyping(eventType, convID, userID, displayName string) {
	payload, _ := json.Marshal(v1.TypingPayload{
		ConversationID: convID,
		UserID:         userID,
		UserName:       displayName,
	})
	g.router.PublishExcept(convID, userID, g.newEnvelope(eventType, payload))
}

// ---- error surface ----

// sendCommandError converts a handler error into a caller-only error envelope.
func (g *Gateway) sendCommandError(ctx context.Context, conn *Conn, err error) {
	code := "store_unavailable"
	switch {
	case errors.Is(err, chat.ErrNotAParticipant):
		code = "not_a_participant"
	case errors.Is(err, chat.ErrConversationNotFound):
		code = "conversation_not_found"
	case errors.Is(err, chat.ErrEmptyContent):
		code = "empty_message"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = "cancelled"
	default:
		if !errors.Is(err, chat.ErrStoreUnavailable) {
			code = "bad_command"
		}
	}

	g.trySendError(ctx, conn, code, err.Error())
}

func (g *Gateway) trySendError(ctx context.Context, conn *Conn, code, msg string) {
	payload, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	g.enqueue(ctx, conn, g.newEnvelope(v1.TypeError, payload))
}

func (g *Gateway) enqueue(ctx context.Context, conn *Conn, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-conn.Done():
		return false
	case conn.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func (g *Gateway) newEnvelope(typ string, payload json.RawMessage) v1.Envelope {
	now := time.Now().UTC()
	id, err := NewEnvelopeID(now)
	if err != nil {
		id = NewRandomHex(10)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: payload,
	}
}

func messageToWire(m chat.Message) v1.MessagePayload {
	return v1.MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		ReadBy:         m.ReadBy,
		CreatedAt:      m.CreatedAt,
	}
}

func connectionCredential(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func readEnvelope(ctx context.Context, ws *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := ws.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, ws *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not ws.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatterns(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using
	// filepath.Match patterns. Only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)

	return out
}

// ---- env helpers ----

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSV(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
