package chat

import (
	"context"
	"fmt"
	"strings"

	"agora/internal/identity"
)

// Directory answers whether a user id exists in the external account system.
// The messaging core never manages accounts itself.
type Directory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// AllowAllDirectory accepts any non-empty user id. Used in dev mode where the
// account service is not wired.
type AllowAllDirectory struct{}

// UserExists reports true for any non-empty id.
func (AllowAllDirectory) UserExists(_ context.Context, userID string) (bool, error) {
	return strings.TrimSpace(userID) != "", nil
}

// Service enforces the uniform authorization rule over the Store: the caller
// must be one of the two participants, except a privileged role may act on
// any conversation.
type Service struct {
	store Store
	dir   Directory
}

// NewService constructs a Service. A nil directory falls back to AllowAllDirectory.
func NewService(store Store, dir Directory) *Service {
	if dir == nil {
		dir = AllowAllDirectory{}
	}
	return &Service{store: store, dir: dir}
}

// Store exposes the underlying store for components that already carry an
// authenticated participant identity (the realtime gateway).
func (s *Service) Store() Store { return s.store }

// CreateOrGetConversation returns the conversation between caller and peerID,
// creating it lazily on first request.
func (s *Service) CreateOrGetConversation(ctx context.Context, caller identity.Identity, peerID string) (Conversation, bool, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" || peerID == caller.UserID {
		return Conversation{}, false, ErrInvalidParticipants
	}

	for _, id := range []string{caller.UserID, peerID} {
		ok, err := s.dir.UserExists(ctx, id)
		if err != nil {
			return Conversation{}, false, err
		}
		if !ok {
			return Conversation{}, false, fmt.Errorf("%w: %s", ErrUnknownUser, id)
		}
	}

	return s.store.FindOrCreateConversation(ctx, caller.UserID, peerID)
}

// GetConversation returns a conversation the caller may see.
func (s *Service) GetConversation(ctx context.Context, caller identity.Identity, conversationID string) (Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if !conv.HasParticipant(caller.UserID) && !caller.Privileged {
		return Conversation{}, fmt.Errorf("%w: %s", ErrNotAParticipant, caller.UserID)
	}
	return conv, nil
}

// ListConversations returns the caller's conversations.
func (s *Service) ListConversations(ctx context.Context, caller identity.Identity) ([]Conversation, error) {
	return s.store.ListConversations(ctx, caller.UserID)
}

// SendMessage appends a message after content validation. Membership is
// enforced by the store.
func (s *Service) SendMessage(ctx context.Context, caller identity.Identity, conversationID, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	return s.store.AppendMessage(ctx, conversationID, caller.UserID, content)
}

// ListMessages returns a newest-first page of messages the caller may see.
func (s *Service) ListMessages(ctx context.Context, caller identity.Identity, conversationID string, page, pageSize int) ([]Message, error) {
	if _, err := s.GetConversation(ctx, caller, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID, page, pageSize)
}

// MarkRead acknowledges every message in the conversation for the caller.
func (s *Service) MarkRead(ctx context.Context, caller identity.Identity, conversationID string) (int, error) {
	return s.store.MarkRead(ctx, conversationID, caller.UserID)
}

// DeleteConversation cascades delete of a conversation and its messages.
// This is a moderation action: only privileged callers may perform it.
func (s *Service) DeleteConversation(ctx context.Context, caller identity.Identity, conversationID string) error {
	if !caller.Privileged {
		return fmt.Errorf("%w: delete requires moderation role", ErrNotAParticipant)
	}
	return s.store.DeleteConversation(ctx, conversationID)
}
