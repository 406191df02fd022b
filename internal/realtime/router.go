package realtime

import (
	"log/slog"
	"sync"

	v1 "agora/contracts/chat/v1"
)

// Router maintains, per conversation id, the set of currently subscribed
// connections and fans events out to exactly that set.
//
// Delivery is best-effort: a connection not subscribed at publish time never
// receives the event, there is no retry and no persistence. Durability lives
// entirely in the chat store.
//
// Concurrency guarantees:
// - Subscribe/Unsubscribe are idempotent and safe under concurrent Publish.
// - Publish never blocks (drops under backpressure).
// - Publish is panic-safe because Conn.Send is never closed by the server.
type Router struct {
	log *slog.Logger

	mu     sync.RWMutex
	topics map[string]map[string]*Conn // conversation id -> session id -> conn
}

// NewRouter constructs an empty router.
func NewRouter(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:    log,
		topics: make(map[string]map[string]*Conn),
	}
}

// Subscribe adds the connection to the conversation topic. Idempotent.
func (r *Router) Subscribe(conversationID string, conn *Conn) {
	if conversationID == "" || conn == nil || conn.SessionID == "" {
		return
	}

	r.mu.Lock()
	topic, ok := r.topics[conversationID]
	if !ok {
		topic = make(map[string]*Conn, 4)
		r.topics[conversationID] = topic
	}
	topic[conn.SessionID] = conn
	r.mu.Unlock()

	r.log.Debug("router.subscribe", "conversation_id", conversationID, "session_id", conn.SessionID)
}

// Unsubscribe removes the connection from the conversation topic. Idempotent.
// Empty topics are pruned.
func (r *Router) Unsubscribe(conversationID string, conn *Conn) {
	if conversationID == "" || conn == nil {
		return
	}

	r.mu.Lock()
	if topic, ok := r.topics[conversationID]; ok {
		delete(topic, conn.SessionID)
		if len(topic) == 0 {
			delete(r.topics, conversationID)
		}
	}
	r.mu.Unlock()

	r.log.Debug("router.unsubscribe", "conversation_id", conversationID, "session_id", conn.SessionID)
}

// UnsubscribeAll removes the connection from every topic it joined.
// Used on disconnect.
func (r *Router) UnsubscribeAll(conn *Conn) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	for conversationID, topic := range r.topics {
		delete(topic, conn.SessionID)
		if len(topic) == 0 {
			delete(r.topics, conversationID)
		}
	}
	r.mu.Unlock()
}

// Publish delivers the envelope to every currently subscribed connection.
func (r *Router) Publish(conversationID string, env v1.Envelope) {
	r.publish(conversationID, "", env)
}

// PublishExcept delivers the envelope to every subscribed connection except
// those belonging to excludeUserID (all of that user's devices).
func (r *Router) PublishExcept(conversationID, excludeUserID string, env v1.Envelope) {
	r.publish(conversationID, excludeUserID, env)
}

func (r *Router) publish(conversationID, excludeUserID string, env v1.Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conn := range r.topics[conversationID] {
		if conn == nil {
			continue
		}
		if excludeUserID != "" && conn.UserID == excludeUserID {
			continue
		}
		if conn.TrySend(env) {
			fanoutDelivered.Inc()
		} else {
			// Drop rather than block the whole topic.
			fanoutDropped.Inc()
		}
	}
}

// Subscribed reports whether the connection is currently in the topic.
func (r *Router) Subscribed(conversationID string, conn *Conn) bool {
	if conn == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	topic, ok := r.topics[conversationID]
	if !ok {
		return false
	}
	_, in := topic[conn.SessionID]
	return in
}
