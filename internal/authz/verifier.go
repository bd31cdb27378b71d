package authz

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/carelinkhq/eventgate/internal/model"
)

// Identity is the validated subject behind a connection or request.
type Identity struct {
	Subject   string
	ActorType model.ActorType
	ExpiresAt time.Time
	Scopes    []string
}

// Expired reports whether the identity's credential has lapsed.
func (i *Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// HasScope reports whether the identity carries the named scope.
func (i *Identity) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenVerifier validates bearer credentials. The gateway treats this as an
// external capability; JWTVerifier is the standard implementation.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// ErrTokenInvalid covers forged, malformed, or expired credentials.
var ErrTokenInvalid = errors.New("token invalid")

// gatewayClaims is the internal claims type used for JWT parsing.
type gatewayClaims struct {
	jwt.RegisteredClaims
	ActorType string   `json:"actor_type"`
	Scopes    []string `json:"scopes"`
}

// JWTVerifier validates EdDSA-signed bearer tokens.
type JWTVerifier struct {
	issuer   string
	audience string
	key      ed25519.PublicKey
	now      func() time.Time
}

// NewJWTVerifier builds a verifier from a base64-encoded ed25519 public key.
// Issuer and audience are enforced when non-empty.
func NewJWTVerifier(issuer, audience, publicKeyB64 string, now func() time.Time) (*JWTVerifier, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(publicKeyB64))
	if err != nil {
		keyBytes, err = base64.RawStdEncoding.DecodeString(strings.TrimSpace(publicKeyB64))
	}
	if err != nil {
		return nil, fmt.Errorf("decode token public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("token public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return &JWTVerifier{
		issuer:   issuer,
		audience: audience,
		key:      ed25519.PublicKey(keyBytes),
		now:      now,
	}, nil
}

// Verify parses and validates the token, returning the subject identity.
func (v *JWTVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	var claims gatewayClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrTokenInvalid)
	}
	if v.audience != "" && !containsAudience(claims.Audience, v.audience) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing expiry", ErrTokenInvalid)
	}

	return &Identity{
		Subject:   claims.Subject,
		ActorType: model.ActorType(claims.ActorType),
		ExpiresAt: claims.ExpiresAt.Time,
		Scopes:    claims.Scopes,
	}, nil
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
