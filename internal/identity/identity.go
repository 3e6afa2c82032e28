// Package identity resolves credential tokens to peer IDs.
//
// Issuing credentials belongs to an external account service; this package
// only verifies them. The default verifier accepts HS256 JWTs signed with a
// shared secret and reads the peer ID from the "userId" claim, falling back to
// the standard "sub" claim.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that cannot be verified: missing,
// malformed, expired, badly signed or lacking a peer ID.
var ErrInvalidToken = errors.New("identity: invalid token")

// Verifier maps a credential token to a peer ID.
type Verifier interface {
	Verify(ctx context.Context, token string) (peerID string, err error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, token string) (string, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// Claims is the JWT payload understood by JWTVerifier.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// PeerID returns UserID, or Subject when UserID is empty.
func (c *Claims) PeerID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// JWTVerifier verifies HS256 tokens.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier returns a verifier for tokens signed with secret.
func NewJWTVerifier(secret string, opts ...jwt.ParserOption) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("identity: jwt secret must not be empty")
	}
	opts = append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}, opts...)
	return &JWTVerifier{secret: []byte(secret), parser: jwt.NewParser(opts...)}, nil
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	claims, err := v.Parse(token)
	if err != nil {
		return "", err
	}
	return claims.PeerID(), nil
}

// Parse verifies token and returns its claims.
func (v *JWTVerifier) Parse(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.PeerID() == "" {
		return nil, fmt.Errorf("%w: no peer id claim", ErrInvalidToken)
	}
	return claims, nil
}

// Issue signs a token for peerID valid for ttl. It exists for tests, local
// development and the chatctl dev-token command; production tokens come from
// the account service.
func Issue(secret, peerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: peerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   peerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
