// Package chat contains the durable messaging core: two-party conversations,
// messages, and the persistence contract backing both the REST surface and
// the realtime gateway.
package chat

import (
	"sort"
	"time"
)

// Conversation is a durable two-party messaging thread.
//
// Participants are stored in canonical order (ParticipantA < ParticipantB)
// so the unordered pair has exactly one representation; lookups never depend
// on caller ordering.
type Conversation struct {
	ID            string    `json:"id"`
	ParticipantA  string    `json:"participant_a"`
	ParticipantB  string    `json:"participant_b"`
	LastMessageID *string   `json:"last_message_id,omitempty"`
	LastActivity  time.Time `json:"last_activity"`
	CreatedAt     time.Time `json:"created_at"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (userID == c.ParticipantA || userID == c.ParticipantB)
}

// Peer returns the other participant relative to userID.
func (c Conversation) Peer(userID string) string {
	if userID == c.ParticipantA {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// canonicalPair orders an unordered participant pair.
func canonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Message is a single durable unit of conversation content.
//
// CreatedAt is immutable and, combined with ID (ULIDs sort lexicographically),
// gives a total order within a conversation. ReadBy is the only mutable field.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	ReadBy         []string  `json:"read_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// ReadByUser reports whether userID has acknowledged the message.
func (m Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// sortReadBy normalizes ReadBy for deterministic wire output.
// Insertion order is irrelevant to the data model.
func sortReadBy(ids []string) []string {
	sort.Strings(ids)
	return ids
}
