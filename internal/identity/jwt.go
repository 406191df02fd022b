package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RolePrivileged is the claim value granting the moderation override role.
const RolePrivileged = "moderator"

// Claims is the JWT claims structure issued for chat credentials.
type Claims struct {
	DisplayName string `json:"name"`
	Role        string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider validates HS256 tokens and maps their claims to an Identity.
type JWTProvider struct {
	secretKey []byte
	issuer    string
}

// NewJWTProvider constructs a JWTProvider with the given HMAC secret.
func NewJWTProvider(secretKey, issuer string) (*JWTProvider, error) {
	if len(secretKey) < 32 {
		return nil, errors.New("identity: jwt secret must be at least 32 bytes")
	}
	return &JWTProvider{secretKey: []byte(secretKey), issuer: issuer}, nil
}

// Resolve verifies the token and returns the identity it carries.
func (p *JWTProvider) Resolve(ctx context.Context, credential string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: empty credential", ErrAuthentication)
	}

	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secretKey, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid claims", ErrAuthentication)
	}
	if p.issuer != "" && claims.Issuer != p.issuer {
		return Identity{}, fmt.Errorf("%w: unexpected issuer", ErrAuthentication)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrAuthentication)
	}

	name := claims.DisplayName
	if name == "" {
		name = claims.Subject
	}

	return Identity{
		UserID:      claims.Subject,
		DisplayName: name,
		Privileged:  claims.Role == RolePrivileged,
	}, nil
}

// IssueToken signs a token for userID. It exists for dev tooling and tests;
// production credentials are minted by the external account service.
func (p *JWTProvider) IssueToken(userID, displayName, role string, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		DisplayName: displayName,
		Role:        role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secretKey)
}
