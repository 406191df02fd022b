package chat

import (
	"context"
	"errors"
)

const (
	// DefaultPageSize is the message page size when the caller does not specify one.
	DefaultPageSize = 50
	// MaxPageSize bounds a single history page.
	MaxPageSize = 200
)

var (
	// ErrConversationNotFound is returned when a conversation id is unknown.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrNotAParticipant is returned when the acting user is not a member of
	// the conversation's participant set.
	ErrNotAParticipant = errors.New("not a participant")

	// ErrInvalidParticipants is returned for empty or non-distinct participant pairs.
	ErrInvalidParticipants = errors.New("invalid participants")

	// ErrUnknownUser is returned when a participant id does not resolve in the
	// user directory.
	ErrUnknownUser = errors.New("unknown user")

	// ErrEmptyContent is returned for empty or whitespace-only message content.
	ErrEmptyContent = errors.New("empty message content")

	// ErrStoreUnavailable wraps infrastructure failures of the durable store.
	ErrStoreUnavailable = errors.New("message store unavailable")
)

// Store is the durable persistence contract for conversations and messages.
//
// Requirements:
//   - FindOrCreateConversation is race-safe: concurrent calls for the same
//     unordered pair resolve to a single conversation id.
//   - AppendMessage persists the message and updates the owning conversation's
//     lastMessage/lastActivity atomically.
//   - ListMessages is newest-first, ordered by (created_at, id) descending.
type Store interface {
	// FindOrCreateConversation returns the conversation for the unordered
	// pair (userA, userB), creating it when absent. The bool reports creation.
	FindOrCreateConversation(ctx context.Context, userA, userB string) (Conversation, bool, error)

	// GetConversation returns a conversation by id.
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)

	// ListConversations returns every conversation userID participates in,
	// most recently active first.
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)

	// AppendMessage persists a message from senderID. Fails with
	// ErrConversationNotFound or ErrNotAParticipant.
	AppendMessage(ctx context.Context, conversationID, senderID, content string) (Message, error)

	// ListMessages returns the pageth page (1-based) of messages, newest first.
	ListMessages(ctx context.Context, conversationID string, page, pageSize int) ([]Message, error)

	// MarkRead adds readerID to readBy on every message in the conversation
	// not sent by readerID. Idempotent; returns the number of newly marked rows.
	MarkRead(ctx context.Context, conversationID, readerID string) (int, error)

	// DeleteConversation removes the conversation and cascades to its messages.
	DeleteConversation(ctx context.Context, conversationID string) error

	// Close releases store resources.
	Close() error
}

// normalizePage clamps paging arguments to safe bounds.
func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}
