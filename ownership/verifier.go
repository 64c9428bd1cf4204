package ownership

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"time"

	"github.com/quorumkey/recovery-backend/interfaces"
)

const (
	// DefaultFreshnessWindow bounds how far a proof's timestamp may drift
	// from the node's clock in either direction.
	DefaultFreshnessWindow = 5 * time.Minute

	minNonceLen = 16
)

// Verifier implements interfaces.OwnershipVerifier against a live chain view.
type Verifier struct {
	chain     interfaces.ChainReader
	freshness time.Duration
	replay    *replayCache
	now       func() time.Time
	log       *slog.Logger
}

func NewVerifier(chain interfaces.ChainReader, freshness time.Duration, log *slog.Logger) *Verifier {
	if freshness <= 0 {
		freshness = DefaultFreshnessWindow
	}
	return &Verifier{
		chain:     chain,
		freshness: freshness,
		// Nonces only need to outlive the window in which their timestamp
		// is still acceptable.
		replay: newReplayCache(2 * freshness),
		now:    time.Now,
		log:    log,
	}
}

// VerifyBinding checks a binding proof end to end: key shape, freshness,
// nonce uniqueness, on-chain authorization of the signing key, and finally
// the ed25519 signature over the canonical binding message. The nonce is
// recorded only after every check passes, so a rejected proof can be
// resubmitted once its defect is fixed.
func (v *Verifier) VerifyBinding(ctx context.Context, account interfaces.AccountID, proof interfaces.BindingProof) error {
	signingKey, err := interfaces.NewPublicKeyFromString(proof.SigningKey)
	if err != nil {
		return fmt.Errorf("%w: %s", interfaces.ErrInvalidSignature, err)
	}
	if signingKey.Curve != interfaces.KeyCurveEd25519 {
		return fmt.Errorf("%w: binding proofs require an ed25519 key, got %s", interfaces.ErrInvalidSignature, signingKey.Curve)
	}
	if len(proof.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature must be %d bytes", interfaces.ErrInvalidSignature, ed25519.SignatureSize)
	}
	if len(proof.Nonce) < minNonceLen {
		return fmt.Errorf("%w: nonce must be at least %d bytes", interfaces.ErrReplayedRequest, minNonceLen)
	}

	now := v.now()
	issued := time.Unix(proof.Timestamp, 0)
	if drift := now.Sub(issued); drift > v.freshness || drift < -v.freshness {
		return fmt.Errorf("%w: proof timestamp outside freshness window", interfaces.ErrReplayedRequest)
	}

	authorized, err := v.chain.AccessKeys(ctx, account)
	if err != nil {
		return fmt.Errorf("querying access keys for %s: %w", account, err)
	}
	found := false
	for _, key := range authorized {
		if key.Equal(signingKey) {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: key %s is not authorized on %s", interfaces.ErrUnauthorizedKey, proof.SigningKey, account)
	}

	msg := BindingMessage(account, proof)
	if !ed25519.Verify(ed25519.PublicKey(signingKey.Data), msg, proof.Signature) {
		return fmt.Errorf("%w: binding signature does not verify", interfaces.ErrInvalidSignature)
	}

	if v.replay.remember(proof.Nonce, now) {
		return fmt.Errorf("%w: nonce already used", interfaces.ErrReplayedRequest)
	}

	v.log.Debug("binding proof accepted", "account", account, "signingKey", proof.SigningKey)
	return nil
}

// SignBinding produces the signature the verifier expects. Clients hold the
// account key; nodes use it only in tests.
func SignBinding(priv ed25519.PrivateKey, account interfaces.AccountID, proof interfaces.BindingProof) []byte {
	return ed25519.Sign(priv, BindingMessage(account, proof))
}
