// Package identity resolves connection credentials into user identities.
//
// The messaging core treats account management as an external collaborator;
// this package only answers "who is this credential" and carries the display
// attributes the realtime surface needs.
package identity

import (
	"context"
	"errors"
)

var (
	// ErrAuthentication is returned when a credential is missing, invalid or expired.
	ErrAuthentication = errors.New("authentication failed")
)

// Identity is the resolved principal behind a credential.
type Identity struct {
	UserID      string
	DisplayName string

	// Privileged marks moderation/override roles that may act on any conversation.
	Privileged bool
}

// Provider resolves an opaque credential into an Identity.
type Provider interface {
	// Resolve returns the identity for credential, or an error wrapping
	// ErrAuthentication when the credential does not resolve.
	Resolve(ctx context.Context, credential string) (Identity, error)
}
