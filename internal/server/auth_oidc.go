package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

type OIDCConfig struct {
	IssuerURL string
	ClientID  string
}

// OIDCAuthenticator verifies ID tokens from an OpenID Connect provider.
type OIDCAuthenticator struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCAuthenticator discovers the provider at cfg.IssuerURL.
func NewOIDCAuthenticator(ctx context.Context, cfg OIDCConfig) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, strings.TrimSpace(cfg.IssuerURL))
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: strings.TrimSpace(cfg.ClientID)})
	return &OIDCAuthenticator{verifier: verifier}, nil
}

// Authenticate implements Authenticator.
func (a *OIDCAuthenticator) Authenticate(ctx context.Context, raw string) (Principal, error) {
	idToken, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		return Principal{}, fmt.Errorf("verify id token: %w", err)
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Principal{}, fmt.Errorf("decode id token claims: %w", err)
	}
	return principalFromClaims(claims), nil
}

func principalFromClaims(claims map[string]any) Principal {
	p := Principal{
		Subject: claimString(claims, "email", "preferred_username", "sub"),
		Role:    strings.ToLower(claimString(claims, "flowq_role", "role")),
		Queues:  claimStrings(claims["flowq_queues"]),
	}
	if p.Subject == "" {
		p.Subject = "oidc-user"
	}
	if p.Role == "" {
		p.Role = RoleReadonly
	}
	return p
}

func claimString(claims map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := claims[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func claimStrings(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return strings.Split(t, ",")
	}
	return nil
}
