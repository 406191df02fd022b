package identity

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// StaticProvider resolves credentials against an in-memory table.
// Credentials are stored as bcrypt hashes keyed by user id, so even the dev
// provider never holds plaintext secrets. Used when no JWT secret is configured.
type StaticProvider struct {
	mu     sync.RWMutex
	byUser map[string]staticEntry
}

type staticEntry struct {
	hash     []byte
	identity Identity
}

// NewStaticProvider constructs an empty StaticProvider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		byUser: make(map[string]staticEntry),
	}
}

// Register adds an identity reachable via credential.
// The credential format is "<user_id>:<secret>"; only the secret is hashed.
func (p *StaticProvider) Register(id Identity, secret string) error {
	if id.UserID == "" {
		return fmt.Errorf("identity: missing user id")
	}
	if secret == "" {
		return fmt.Errorf("identity: empty secret for %s", id.UserID)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.byUser[id.UserID] = staticEntry{hash: hash, identity: id}
	return nil
}

// Resolve splits the credential into user id and secret and verifies the hash.
func (p *StaticProvider) Resolve(ctx context.Context, credential string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	userID, secret, ok := splitCredential(credential)
	if !ok {
		return Identity{}, fmt.Errorf("%w: malformed credential", ErrAuthentication)
	}

	p.mu.RLock()
	entry, found := p.byUser[userID]
	p.mu.RUnlock()

	if !found {
		return Identity{}, fmt.Errorf("%w: unknown user", ErrAuthentication)
	}
	if err := bcrypt.CompareHashAndPassword(entry.hash, []byte(secret)); err != nil {
		return Identity{}, fmt.Errorf("%w: bad secret", ErrAuthentication)
	}
	return entry.identity, nil
}

// UserExists reports whether userID is registered. It lets the dev provider
// double as the participant directory for conversation creation.
func (p *StaticProvider) UserExists(_ context.Context, userID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.byUser[userID]
	return ok, nil
}

func splitCredential(credential string) (userID, secret string, ok bool) {
	for i := 0; i < len(credential); i++ {
		if credential[i] == ':' {
			if i == 0 || i == len(credential)-1 {
				return "", "", false
			}
			return credential[:i], credential[i+1:], true
		}
	}
	return "", "", false
}
