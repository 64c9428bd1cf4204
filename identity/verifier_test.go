package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumkey/recovery-backend/interfaces"
)

const (
	testIssuer   = "https://accounts.example.com"
	testAudience = "recovery-backend-test"
	testKid      = "key-1"
)

type tokenOpts struct {
	issuer   string
	audience string
	subject  string
	expires  time.Time
	kid      string
}

func issueToken(t *testing.T, priv *rsa.PrivateKey, opts tokenOpts) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Issuer:    opts.issuer,
		Audience:  jwt.ClaimStrings{opts.audience},
		Subject:   opts.subject,
		ExpiresAt: jwt.NewNumericDate(opts.expires),
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = opts.kid
	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return signed
}

func jwksHandler(pub *rsa.PublicKey) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": testKid,
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	}
}

func newTestVerifier(t *testing.T, jwksURL string) *Verifier {
	t.Helper()
	v, err := New(Config{
		Provider: "google",
		Issuer:   testIssuer,
		Audience: testAudience,
		JWKSURL:  jwksURL,
	}, slog.Default())
	require.NoError(t, err)
	return v
}

func TestVerifyValidToken(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := httptest.NewServer(jwksHandler(&priv.PublicKey))
	defer srv.Close()

	v := newTestVerifier(t, srv.URL)
	token := issueToken(t, priv, tokenOpts{
		issuer: testIssuer, audience: testAudience, subject: "alice@example.com",
		expires: time.Now().Add(time.Hour), kid: testKid,
	})

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, interfaces.Identity{Provider: "google", Subject: "alice@example.com"}, id)
	assert.Equal(t, "google:alice@example.com", id.UID())
}

func TestVerifyRejections(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := httptest.NewServer(jwksHandler(&priv.PublicKey))
	defer srv.Close()

	otherPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	v := newTestVerifier(t, srv.URL)
	base := tokenOpts{
		issuer: testIssuer, audience: testAudience, subject: "alice@example.com",
		expires: time.Now().Add(time.Hour), kid: testKid,
	}

	for name, mutate := range map[string]func(tokenOpts) (opts tokenOpts, signer *rsa.PrivateKey){
		"expired":        func(o tokenOpts) (tokenOpts, *rsa.PrivateKey) { o.expires = time.Now().Add(-time.Hour); return o, priv },
		"wrong audience": func(o tokenOpts) (tokenOpts, *rsa.PrivateKey) { o.audience = "someone-else"; return o, priv },
		"wrong issuer":   func(o tokenOpts) (tokenOpts, *rsa.PrivateKey) { o.issuer = "https://evil.example.com"; return o, priv },
		"unknown kid":    func(o tokenOpts) (tokenOpts, *rsa.PrivateKey) { o.kid = "key-2"; return o, priv },
		"no subject":     func(o tokenOpts) (tokenOpts, *rsa.PrivateKey) { o.subject = ""; return o, priv },
		"wrong key":      func(o tokenOpts) (tokenOpts, *rsa.PrivateKey) { return o, otherPriv },
	} {
		t.Run(name, func(t *testing.T) {
			opts, signer := mutate(base)
			token := issueToken(t, signer, opts)
			_, err := v.Verify(context.Background(), token)
			assert.ErrorIs(t, err, interfaces.ErrInvalidToken)
		})
	}

	t.Run("malformed", func(t *testing.T) {
		_, err := v.Verify(context.Background(), "not-a-jwt")
		assert.ErrorIs(t, err, interfaces.ErrInvalidToken)
	})
}

func TestVerifyProviderUnreachable(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := httptest.NewServer(jwksHandler(&priv.PublicKey))
	srv.Close() // provider is down

	v := newTestVerifier(t, srv.URL)
	token := issueToken(t, priv, tokenOpts{
		issuer: testIssuer, audience: testAudience, subject: "alice@example.com",
		expires: time.Now().Add(time.Hour), kid: testKid,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = v.Verify(ctx, token)
	assert.ErrorIs(t, err, interfaces.ErrProviderUnreachable,
		"provider outage must never be treated as a valid token")
}

func TestStaticVerifier(t *testing.T) {
	v := NewStaticVerifier().AddToken("validToken", interfaces.Identity{Provider: "google", Subject: "alice@example.com"})

	id, err := v.Verify(context.Background(), "validToken")
	require.NoError(t, err)
	assert.Equal(t, "google:alice@example.com", id.UID())

	_, err = v.Verify(context.Background(), "otherToken")
	assert.ErrorIs(t, err, interfaces.ErrInvalidToken)
}
