// Package kms holds a node's long-term secret share and exposes the narrow
// signing surface the rest of the system is allowed to touch. The share is
// kept only in memory, never logged, and never returned; callers get
// commitments, partial signatures and public keys.
//
// A node can start unlocked (dev mode, plaintext share file) or locked: the
// share file is sealed under an unlock key that was split among
// administrators with Shamir's Secret Sharing, and the node refuses all
// signing until a threshold of admin shares has been submitted.
package kms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crypto/rand"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/quorumkey/recovery-backend/interfaces"
	"github.com/quorumkey/recovery-backend/mpckeys"
)

// StoredKeyLookup resolves an already-registered recovery key for a pair.
// When it reports a hit, derivation is skipped entirely: a stored key always
// wins over recomputation, so a rotation of the underlying shares can never
// silently change a user's recovery key.
type StoredKeyLookup func(ctx context.Context, account interfaces.AccountID, identity interfaces.Identity) (interfaces.PublicKey, bool, error)

// nonceTTL bounds how long an unused signing nonce survives before sweeping.
const nonceTTL = 5 * time.Minute

type storedNonce struct {
	// nonce is nil once the attempt was signed; commitment stays available
	// so re-delivered commit requests keep getting the same answer.
	nonce      *mpckeys.SigningNonce
	commitment []byte
	createdAt  time.Time

	// partial and digest are set once the attempt was signed. A re-delivered
	// sign request for the same digest returns the cached partial instead of
	// failing, so transport retries stay idempotent.
	partial []byte
	digest  [32]byte
}

// NodeKMS implements interfaces.ShareSigner for one quorum participant.
type NodeKMS struct {
	mu     sync.Mutex
	nodeID interfaces.NodeID
	group  *mpckeys.GroupParams
	share  secp256k1.ModNScalar
	locked bool

	lookup StoredKeyLookup

	// nonces are keyed by session+"/"+attempt. An entry holds the unused
	// nonce first and the cached partial after signing.
	nonces map[string]storedNonce
}

// NewNodeKMS creates an unlocked KMS from a share that is already in memory.
// The share is verified against the group commitments before it is accepted.
func NewNodeKMS(group *mpckeys.GroupParams, share mpckeys.NodeShare) (*NodeKMS, error) {
	if err := group.VerifyShare(share.ID, &share.Secret); err != nil {
		return nil, fmt.Errorf("refusing inconsistent share: %w", err)
	}
	k := &NodeKMS{
		nodeID: share.ID,
		group:  group,
		nonces: make(map[string]storedNonce),
	}
	k.share.Set(&share.Secret)
	return k, nil
}

// SetStoredKeyLookup wires the registry-backed lookup consulted before any
// fresh derivation.
func (k *NodeKMS) SetStoredKeyLookup(lookup StoredKeyLookup) *NodeKMS {
	k.lookup = lookup
	return k
}

func (k *NodeKMS) NodeID() interfaces.NodeID { return k.nodeID }

// GroupParams returns the public group material.
func (k *NodeKMS) GroupParams() *mpckeys.GroupParams { return k.group }

// IsUnlocked reports whether the secret share is available.
func (k *NodeKMS) IsUnlocked() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return !k.locked
}

// RecoveryPublicKey returns the recovery key for the pair, preferring a
// stored registration over re-derivation.
func (k *NodeKMS) RecoveryPublicKey(ctx context.Context, account interfaces.AccountID, identity interfaces.Identity) (interfaces.PublicKey, error) {
	if k.lookup != nil {
		stored, found, err := k.lookup(ctx, account, identity)
		if err != nil {
			return interfaces.PublicKey{}, err
		}
		if found {
			return stored, nil
		}
	}
	return k.group.RecoveryPublicKey(account, identity)
}

// Commit creates (or returns the existing) signing nonce for the attempt and
// hands back its public commitment.
func (k *NodeKMS) Commit(session string, attempt uint32) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locked {
		return nil, interfaces.ErrKMSLocked
	}
	k.sweepLocked()

	key := nonceKey(session, attempt)
	if existing, ok := k.nonces[key]; ok {
		return existing.commitment, nil
	}
	nonce, err := mpckeys.NewSigningNonce(rand.Reader)
	if err != nil {
		return nil, err
	}
	k.nonces[key] = storedNonce{nonce: nonce, commitment: nonce.Commitment(), createdAt: time.Now()}
	return k.nonces[key].commitment, nil
}

// SignPartial consumes the attempt's nonce and produces this node's partial
// signature over the digest. The nonce is signed at most once: a re-delivered
// request for the same digest gets the cached partial back, anything else is
// refused. On a failed precondition the nonce is destroyed, never reused
// under a second challenge.
func (k *NodeKMS) SignPartial(session string, attempt uint32, digest [32]byte, signers []interfaces.NodeID, commitments map[interfaces.NodeID][]byte, account interfaces.AccountID, identity interfaces.Identity) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locked {
		return nil, interfaces.ErrKMSLocked
	}

	key := nonceKey(session, attempt)
	stored, ok := k.nonces[key]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	if stored.partial != nil {
		if stored.digest != digest {
			return nil, fmt.Errorf("%w: attempt was signed over a different digest", interfaces.ErrConflictingPartial)
		}
		return append([]byte(nil), stored.partial...), nil
	}
	delete(k.nonces, key)
	defer func() {
		if stored.nonce != nil {
			stored.nonce.Wipe()
		}
	}()

	own, ok := commitments[k.nodeID]
	if !ok {
		return nil, errors.New("own commitment missing from commitment set")
	}
	if string(own) != string(stored.commitment) {
		return nil, errors.New("commitment set does not contain this node's nonce")
	}
	if len(commitments) != len(signers) {
		return nil, fmt.Errorf("commitment set size %d does not match signer set size %d", len(commitments), len(signers))
	}

	groupR, err := mpckeys.CombineCommitments(commitments)
	if err != nil {
		return nil, err
	}
	recoveryKey, err := k.RecoveryPublicKey(context.Background(), account, identity)
	if err != nil {
		return nil, err
	}
	challenge := mpckeys.Challenge(groupR, recoveryKey.Data, digest)

	lambda, err := mpckeys.LagrangeCoefficient(k.nodeID, signers)
	if err != nil {
		return nil, err
	}

	derived := mpckeys.DeriveShare(&k.share, account, identity)
	defer derived.Zero()

	partial := stored.nonce.Sign(&derived, &challenge, &lambda)
	stored.nonce.Wipe()
	stored.nonce = nil
	stored.partial = append([]byte(nil), partial...)
	stored.digest = digest
	k.nonces[key] = stored
	return partial, nil
}

// sweepLocked drops nonce state past its TTL. Callers hold k.mu.
func (k *NodeKMS) sweepLocked() {
	cutoff := time.Now().Add(-nonceTTL)
	for key, stored := range k.nonces {
		if stored.createdAt.Before(cutoff) {
			if stored.nonce != nil {
				stored.nonce.Wipe()
			}
			delete(k.nonces, key)
		}
	}
}

func nonceKey(session string, attempt uint32) string {
	return fmt.Sprintf("%s/%d", session, attempt)
}
