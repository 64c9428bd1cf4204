// Package identity validates OAuth/OIDC access tokens against their issuing
// provider and extracts the canonical (provider, subject) identity.
//
// Token rejection and provider unavailability are strictly separated:
// a provider timeout is retried with backoff and ultimately surfaces as
// ErrProviderUnreachable, never as a valid token.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/quorumkey/recovery-backend/interfaces"
)

// Config describes one OIDC provider.
type Config struct {
	// Provider is the short name recorded in identities, e.g. "google".
	Provider string
	// Issuer is the expected iss claim.
	Issuer string
	// Audience is the expected aud claim (this deployment's client ID).
	Audience string
	// JWKSURL is the provider's key-set endpoint.
	JWKSURL string
	// KeyCacheTTL bounds how long fetched provider keys are reused.
	KeyCacheTTL time.Duration
	// HTTPTimeout bounds each provider request.
	HTTPTimeout time.Duration
}

// Verifier implements interfaces.IdentityVerifier for a single OIDC provider.
type Verifier struct {
	cfg  Config
	keys *keyCache
	log  *slog.Logger
}

// New creates an OIDC verifier.
func New(cfg Config, log *slog.Logger) (*Verifier, error) {
	if cfg.Provider == "" || strings.Contains(cfg.Provider, ":") {
		return nil, fmt.Errorf("invalid provider name %q", cfg.Provider)
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("issuer and audience must be configured")
	}
	if cfg.JWKSURL == "" {
		return nil, errors.New("jwks url must be configured")
	}
	if cfg.KeyCacheTTL == 0 {
		cfg.KeyCacheTTL = time.Hour
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	client := &http.Client{Timeout: cfg.HTTPTimeout}
	return &Verifier{
		cfg:  cfg,
		keys: newKeyCache(cfg.JWKSURL, client, cfg.KeyCacheTTL),
		log:  log,
	}, nil
}

// Verify checks the token's signature, issuer, audience and expiry against
// the provider and returns the canonical identity.
func (v *Verifier) Verify(ctx context.Context, accessToken string) (interfaces.Identity, error) {
	claims := new(jwt.RegisteredClaims)
	token, err := jwt.ParseWithClaims(accessToken, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: token missing key id", interfaces.ErrInvalidToken)
		}
		return v.keys.Key(ctx, kid)
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		if errors.Is(err, interfaces.ErrProviderUnreachable) {
			v.log.Warn("Identity provider unreachable", "provider", v.cfg.Provider, "err", err)
			return interfaces.Identity{}, err
		}
		return interfaces.Identity{}, fmt.Errorf("%w: %v", interfaces.ErrInvalidToken, err)
	}
	if !token.Valid {
		return interfaces.Identity{}, interfaces.ErrInvalidToken
	}

	if !claims.VerifyIssuer(v.cfg.Issuer, true) {
		return interfaces.Identity{}, fmt.Errorf("%w: unexpected issuer %q", interfaces.ErrInvalidToken, claims.Issuer)
	}
	if !claims.VerifyAudience(v.cfg.Audience, true) {
		return interfaces.Identity{}, fmt.Errorf("%w: wrong audience", interfaces.ErrInvalidToken)
	}
	if claims.ExpiresAt == nil {
		return interfaces.Identity{}, fmt.Errorf("%w: token has no expiry", interfaces.ErrInvalidToken)
	}
	if claims.Subject == "" {
		return interfaces.Identity{}, fmt.Errorf("%w: token has no subject", interfaces.ErrInvalidToken)
	}

	id := interfaces.Identity{Provider: v.cfg.Provider, Subject: claims.Subject}
	if err := id.Validate(); err != nil {
		return interfaces.Identity{}, fmt.Errorf("%w: %v", interfaces.ErrInvalidToken, err)
	}
	return id, nil
}
