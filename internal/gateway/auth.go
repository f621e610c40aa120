package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
)

// Authenticator resolves a credential token to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

var errNoToken = errors.New("no credential token")

// OIDCAuthenticator verifies ID or access tokens issued by an OpenID
// Connect provider. The identity is the email claim, or the subject when
// the token carries no email.
type OIDCAuthenticator struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCAuthenticator discovers the provider at issuer. An empty clientID
// skips the audience check, which access tokens usually need.
func NewOIDCAuthenticator(ctx context.Context, issuer, clientID string) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}
	cfg := &oidc.Config{ClientID: clientID, SkipClientIDCheck: clientID == ""}
	return NewOIDCAuthenticatorWithVerifier(provider.Verifier(cfg)), nil
}

// NewOIDCAuthenticatorWithVerifier wraps an existing verifier.
func NewOIDCAuthenticatorWithVerifier(v *oidc.IDTokenVerifier) *OIDCAuthenticator {
	return &OIDCAuthenticator{verifier: v}
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errNoToken
	}
	idToken, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("parse claims: %w", err)
	}
	if claims.Email != "" {
		return claims.Email, nil
	}
	if idToken.Subject == "" {
		return "", errors.New("token has neither email nor subject")
	}
	return idToken.Subject, nil
}

// StaticAuthenticator maps fixed tokens to identities. Development only.
type StaticAuthenticator struct {
	tokens map[string]string
}

// NewStaticAuthenticator takes a token -> identity map.
func NewStaticAuthenticator(tokens map[string]string) *StaticAuthenticator {
	copied := make(map[string]string, len(tokens))
	for k, v := range tokens {
		copied[k] = v
	}
	return &StaticAuthenticator{tokens: copied}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errNoToken
	}
	for known, identity := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return identity, nil
		}
	}
	return "", errors.New("unknown token")
}

// TokenFromRequest extracts the credential presented at upgrade time, from
// an Authorization bearer header or a token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
