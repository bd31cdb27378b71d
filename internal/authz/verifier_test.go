package authz

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/carelinkhq/eventgate/internal/model"
)

type tokenOpts struct {
	subject   string
	actorType string
	issuer    string
	audience  string
	expiresAt time.Time
	scopes    []string
}

// signToken mints an EdDSA token for verifier tests.
func signToken(t *testing.T, key ed25519.PrivateKey, opts tokenOpts) string {
	t.Helper()
	claims := gatewayClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   opts.subject,
			Issuer:    opts.issuer,
			Audience:  jwt.ClaimStrings{opts.audience},
			ExpiresAt: jwt.NewNumericDate(opts.expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		ActorType: opts.actorType,
		Scopes:    opts.scopes,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func newKeyPair(t *testing.T) (ed25519.PrivateKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	return priv, base64.StdEncoding.EncodeToString(pub)
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	priv, pubB64 := newKeyPair(t)
	v, err := NewJWTVerifier("carelink", "eventgate", pubB64, nil)
	if err != nil {
		t.Fatalf("creating verifier: %v", err)
	}

	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signToken(t, priv, tokenOpts{
		subject:   "m-1",
		actorType: "member",
		issuer:    "carelink",
		audience:  "eventgate",
		expiresAt: expiry,
		scopes:    []string{"events:read"},
	})

	ident, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if ident.Subject != "m-1" {
		t.Errorf("Subject = %q, want m-1", ident.Subject)
	}
	if ident.ActorType != model.ActorMember {
		t.Errorf("ActorType = %q, want member", ident.ActorType)
	}
	if !ident.ExpiresAt.Equal(expiry) {
		t.Errorf("ExpiresAt = %v, want %v", ident.ExpiresAt, expiry)
	}
	if !ident.HasScope("events:read") {
		t.Error("expected events:read scope")
	}
}

func TestJWTVerifier_Rejections(t *testing.T) {
	priv, pubB64 := newKeyPair(t)
	v, err := NewJWTVerifier("carelink", "eventgate", pubB64, nil)
	if err != nil {
		t.Fatalf("creating verifier: %v", err)
	}

	otherPriv, _ := newKeyPair(t)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"wrong key", signToken(t, otherPriv, tokenOpts{
			subject: "m-1", issuer: "carelink", audience: "eventgate",
			expiresAt: time.Now().Add(time.Hour),
		})},
		{"expired", signToken(t, priv, tokenOpts{
			subject: "m-1", issuer: "carelink", audience: "eventgate",
			expiresAt: time.Now().Add(-time.Minute),
		})},
		{"wrong issuer", signToken(t, priv, tokenOpts{
			subject: "m-1", issuer: "someone-else", audience: "eventgate",
			expiresAt: time.Now().Add(time.Hour),
		})},
		{"wrong audience", signToken(t, priv, tokenOpts{
			subject: "m-1", issuer: "carelink", audience: "other",
			expiresAt: time.Now().Add(time.Hour),
		})},
		{"missing subject", signToken(t, priv, tokenOpts{
			issuer: "carelink", audience: "eventgate",
			expiresAt: time.Now().Add(time.Hour),
		})},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), tc.token); !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("Verify() = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

func TestNewJWTVerifier_BadKey(t *testing.T) {
	if _, err := NewJWTVerifier("", "", "not-base64!!!", nil); err == nil {
		t.Error("expected error for invalid base64 key")
	}
	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := NewJWTVerifier("", "", short, nil); err == nil {
		t.Error("expected error for wrong-size key")
	}
}
