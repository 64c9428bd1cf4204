package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quorumkey/recovery-backend/interfaces"
	"github.com/quorumkey/recovery-backend/mpckeys"
)

// RequestVerifier runs the full verification pipeline for a signing request.
// The coordinator runs it once when a user request arrives; every peer runs
// the identical pipeline on the forwarded request before committing. A
// request only produces a signature if all participating nodes reached the
// same digest independently.
type RequestVerifier struct {
	Identity  interfaces.IdentityVerifier
	Ownership interfaces.OwnershipVerifier
	Registry  interfaces.MethodRegistry
	Signer    interfaces.ShareSigner
	Log       *slog.Logger
}

// VerifiedRequest is the outcome of a successful verification: the canonical
// identity, the derived recovery key, and the exact payload the quorum will
// sign.
type VerifiedRequest struct {
	Identity    interfaces.Identity
	RecoveryKey interfaces.PublicKey
	Payload     []byte
	Digest      [32]byte

	// Replayed marks an add_method request whose identical registration
	// already existed. Nothing is left to sign for it.
	Replayed bool
}

// Verify validates the request end to end and produces the signing payload.
// For add_method it also registers the recovery method in this node's
// registry; a request whose identical registration already exists verifies
// fine but comes back marked Replayed.
func (v *RequestVerifier) Verify(ctx context.Context, req Request, sessionNonce string) (*VerifiedRequest, error) {
	identity, err := v.Identity.Verify(ctx, req.AccessToken)
	if err != nil {
		return nil, err
	}

	recoveryKey, err := v.Signer.RecoveryPublicKey(ctx, req.Account, identity)
	if err != nil {
		return nil, fmt.Errorf("deriving recovery key: %w", err)
	}

	var addedKey string
	var replayed bool
	switch req.Intent {
	case IntentAddMethod:
		if err := v.Ownership.VerifyBinding(ctx, req.Account, req.Proof); err != nil {
			return nil, err
		}
		switch method, err := v.Registry.Lookup(ctx, req.Account, identity); {
		case err == nil:
			// Registration is idempotent for an identical key; a replay of
			// an existing row needs no new signing session.
			if method.PublicKey != recoveryKey.String() {
				return nil, fmt.Errorf("%w: pair is registered under a different key", interfaces.ErrAlreadyExists)
			}
			replayed = true
		case errors.Is(err, interfaces.ErrMethodNotFound):
			if _, err := v.Registry.Register(ctx, interfaces.RecoveryMethod{
				Account:   req.Account,
				Identity:  identity,
				PublicKey: recoveryKey.String(),
			}); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
		// Registering adds the recovery key itself to the account.
		addedKey = recoveryKey.String()

	case IntentRecover:
		method, err := v.Registry.Lookup(ctx, req.Account, identity)
		if err != nil {
			return nil, err
		}
		if method.PublicKey != recoveryKey.String() {
			return nil, fmt.Errorf("%w: stored method key diverges from derived key", interfaces.ErrMethodNotFound)
		}
		if _, err := interfaces.NewPublicKeyFromString(req.NewKey); err != nil {
			return nil, fmt.Errorf("invalid replacement key: %w", err)
		}
		// Recovery adds the user's replacement key, authorized by the
		// recovery key.
		addedKey = req.NewKey

	default:
		return nil, fmt.Errorf("unknown signing intent %d", req.Intent)
	}

	payload, err := AddKeyTx{
		V:            1,
		Account:      req.Account,
		PublicKey:    addedKey,
		SessionNonce: sessionNonce,
	}.Encode()
	if err != nil {
		return nil, err
	}

	v.Log.Debug("signing request verified",
		slog.String("intent", req.Intent.String()),
		slog.String("account", req.Account.String()),
		slog.String("identity", identity.UID()))

	return &VerifiedRequest{
		Identity:    identity,
		RecoveryKey: recoveryKey,
		Payload:     payload,
		Digest:      mpckeys.MessageDigest(payload),
		Replayed:    replayed,
	}, nil
}
