// Package v1 defines the Agora realtime chat protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server gateway and client session controllers
// to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHelloAck acknowledges admission (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeJoin subscribes the connection to a conversation topic (client -> server).
	TypeJoin = "join"
	// TypeLeave unsubscribes the connection from a conversation topic (client -> server).
	TypeLeave = "leave"

	// TypeSendMessage requests appending a new message (client -> server).
	TypeSendMessage = "send_message"
	// TypeNewMessage broadcasts a newly persisted message (server -> topic subscribers).
	TypeNewMessage = "new_message"

	// TypeTypingStart signals the user started typing (client -> server).
	TypeTypingStart = "typing_start"
	// TypeTypingStop signals the user stopped typing (client -> server).
	TypeTypingStop = "typing_stop"
	// TypeUserTyping relays a typing start to other participants (server -> topic, sender excluded).
	TypeUserTyping = "user_typing"
	// TypeUserStopTyping relays a typing stop to other participants (server -> topic, sender excluded).
	TypeUserStopTyping = "user_stop_typing"

	// TypeMarkMessagesRead acknowledges all messages in a conversation (client -> server).
	TypeMarkMessagesRead = "mark_messages_read"
	// TypeMessagesRead relays a read acknowledgment (server -> topic, reader excluded).
	TypeMessagesRead = "messages_read"

	// TypeUserOnline announces a user's first live connection (server -> all admitted).
	TypeUserOnline = "user_online"
	// TypeUserOffline announces a user's last connection closing (server -> all admitted).
	TypeUserOffline = "user_offline"

	// TypeError is a command-scoped error envelope (server -> caller only).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHelloAck,
		TypeJoin,
		TypeLeave,
		TypeSendMessage,
		TypeNewMessage,
		TypeTypingStart,
		TypeTypingStop,
		TypeUserTyping,
		TypeUserStopTyping,
		TypeMarkMessagesRead,
		TypeMessagesRead,
		TypeUserOnline,
		TypeUserOffline,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloAckPayload is sent once, immediately after the connection is admitted.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// JoinPayload subscribes to / unsubscribes from a conversation topic.
// It is shared by the join and leave commands.
type JoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// SendMessagePayload requests appending a message to a conversation.
type SendMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// MessagePayload is the wire form of a persisted message.
type MessagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	ReadBy         []string  `json:"read_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewMessagePayload is broadcast to a conversation topic when a message is persisted.
type NewMessagePayload struct {
	ConversationID string         `json:"conversation_id"`
	Message        MessagePayload `json:"message"`
}

// TypingPayload marks a typing start or stop for a conversation.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	UserName       string `json:"user_name,omitempty"`
}

// MarkReadPayload acknowledges every message in a conversation for the caller.
type MarkReadPayload struct {
	ConversationID string `json:"conversation_id"`
}

// MessagesReadPayload relays a read acknowledgment to other participants.
type MessagesReadPayload struct {
	ConversationID string `json:"conversation_id"`
	ReadBy         string `json:"read_by"`
}

// PresencePayload announces a user coming online or going offline.
type PresencePayload struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// ErrorPayload is a command-scoped error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
