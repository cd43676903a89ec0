// Package oidc implements auth.UserVerifier against a JWKS-published OIDC
// issuer. Per spec §1 this subsystem ("OpenID-Connect token validation —
// JWKS fetch + signature check") is an external collaborator: the rest of
// the system only depends on the auth.UserVerifier interface producing a
// verified subject string, so this file is deliberately thin.
package oidc

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Verifier validates access tokens issued by issuer/audience using a cached
// JWKS set refreshed in the background by jwx's AutoRefresh.
type Verifier struct {
	audience string
	keySet   jwk.Set
}

// NewVerifier starts background JWKS refresh against issuer+"/.well-known/jwks.json".
func NewVerifier(ctx context.Context, issuer, audience, jwksURL string) (*Verifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL); err != nil {
		return nil, fmt.Errorf("oidc: registering jwks url: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("oidc: initial jwks fetch: %w", err)
	}
	return &Verifier{audience: audience, keySet: jwk.NewCachedSet(cache, jwksURL)}, nil
}

// Verify validates signature, expiry, and audience, returning the token's
// subject claim.
func (v *Verifier) Verify(ctx context.Context, token string) (string, error) {
	parsed, err := jwt.ParseString(token, jwt.WithKeySet(v.keySet), jwt.WithValidate(true))
	if err != nil {
		return "", fmt.Errorf("oidc: invalid token: %w", err)
	}
	auds := parsed.Audience()
	found := false
	for _, a := range auds {
		if a == v.audience {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("oidc: audience mismatch")
	}
	return parsed.Subject(), nil
}

// NilVerifier accepts every non-empty token and uses it verbatim as the
// subject. Used in development when auth is disabled, mirroring the
// teacher's FLIGHTCTL_DISABLE_AUTH / NilAuth escape hatch.
type NilVerifier struct{}

func (NilVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("oidc: empty token")
	}
	return token, nil
}
