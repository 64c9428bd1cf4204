package identity

import (
	"context"
	"sync"

	"github.com/quorumkey/recovery-backend/interfaces"
)

// StaticVerifier maps literal token strings to identities. It backs the
// test-token mode used by local runs and integration tests; anything not
// registered is rejected as an invalid token.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]interfaces.Identity
}

// NewStaticVerifier creates an empty static verifier.
func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{tokens: make(map[string]interfaces.Identity)}
}

// AddToken registers a token/identity pair.
func (v *StaticVerifier) AddToken(token string, id interfaces.Identity) *StaticVerifier {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = id
	return v
}

func (v *StaticVerifier) Verify(_ context.Context, accessToken string) (interfaces.Identity, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	id, ok := v.tokens[accessToken]
	if !ok {
		return interfaces.Identity{}, interfaces.ErrInvalidToken
	}
	return id, nil
}
