package kms

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"

	"github.com/quorumkey/recovery-backend/mpckeys"
)

// UnlockConfig describes the administrator quorum that can unseal a node's
// share file.
type UnlockConfig struct {
	// Threshold is the number of admin shares required to reconstruct the
	// unlock key.
	Threshold int
	// AdminKeys are the ed25519 public keys of authorized administrators.
	AdminKeys []ed25519.PublicKey
}

// ShamirUnlock gates a locked NodeKMS behind administrator key shares. The
// unlock key was split with Shamir's Secret Sharing during the dealer
// ceremony; submitting a threshold of signed shares reconstructs it, unseals
// the share file, and unlocks the KMS. Shares are wiped once used.
type ShamirUnlock struct {
	kms       *NodeKMS
	sealed    []byte
	threshold int

	// adminKeys maps key fingerprints to the registered public key.
	adminKeys map[string]ed25519.PublicKey

	// receivedShares keeps at most one share per admin fingerprint.
	receivedShares map[string][]byte
}

// NewLockedNodeKMS creates a locked KMS over a sealed share file. The group
// parameters are public and available immediately; everything touching the
// secret share returns ErrKMSLocked until unlock completes.
func NewLockedNodeKMS(group *mpckeys.GroupParams, sealed []byte, config UnlockConfig) (*NodeKMS, *ShamirUnlock, error) {
	if config.Threshold < 2 {
		return nil, nil, errors.New("unlock threshold must be at least 2")
	}
	if len(config.AdminKeys) < config.Threshold {
		return nil, nil, errors.New("admin key count must be at least the unlock threshold")
	}

	k := &NodeKMS{
		group:  group,
		locked: true,
		nonces: make(map[string]storedNonce),
	}
	u := &ShamirUnlock{
		kms:            k,
		sealed:         sealed,
		threshold:      config.Threshold,
		adminKeys:      make(map[string]ed25519.PublicKey),
		receivedShares: make(map[string][]byte),
	}
	for _, pub := range config.AdminKeys {
		if len(pub) != ed25519.PublicKeySize {
			return nil, nil, fmt.Errorf("invalid admin public key length %d", len(pub))
		}
		u.adminKeys[fingerprint(pub)] = pub
	}
	return k, u, nil
}

// SubmitShare accepts one administrator's unlock-key share. The share must be
// signed by the administrator's registered key, which attributes each
// submission and keeps an eavesdropped share from being replayed by an
// unauthorized party. Once the threshold is met the unlock key is
// reconstructed, the share file unsealed, and the KMS unlocked.
func (u *ShamirUnlock) SubmitShare(share, signature []byte, adminPub ed25519.PublicKey) error {
	u.kms.mu.Lock()
	defer u.kms.mu.Unlock()

	if !u.kms.locked {
		return errors.New("node is already unlocked")
	}

	fp := fingerprint(adminPub)
	registered, found := u.adminKeys[fp]
	if !found {
		return errors.New("unregistered admin public key")
	}
	if !bytes.Equal(registered, adminPub) {
		return errors.New("public key does not match registered fingerprint")
	}
	if !ed25519.Verify(adminPub, share, signature) {
		return errors.New("invalid share signature")
	}

	u.receivedShares[fp] = share
	if len(u.receivedShares) < u.threshold {
		return nil
	}
	return u.tryUnsealLocked()
}

// Progress reports received and required share counts.
func (u *ShamirUnlock) Progress() (received, required int) {
	u.kms.mu.Lock()
	defer u.kms.mu.Unlock()
	return len(u.receivedShares), u.threshold
}

// tryUnsealLocked combines the collected shares and unseals the share file.
// Callers hold the KMS mutex.
func (u *ShamirUnlock) tryUnsealLocked() error {
	shares := make([][]byte, 0, len(u.receivedShares))
	for _, s := range u.receivedShares {
		shares = append(shares, s)
	}

	unlockKey, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to combine unlock shares: %w", err)
	}
	defer wipe(unlockKey)

	share, err := openShare(u.sealed, unlockKey)
	if err != nil {
		return err
	}
	if err := u.kms.group.VerifyShare(share.ID, &share.Secret); err != nil {
		share.Secret.Zero()
		return fmt.Errorf("unsealed share fails group verification: %w", err)
	}

	u.kms.nodeID = share.ID
	u.kms.share.Set(&share.Secret)
	u.kms.locked = false
	share.Secret.Zero()

	for fp := range u.receivedShares {
		wipe(u.receivedShares[fp])
	}
	u.receivedShares = make(map[string][]byte)
	return nil
}

// SplitUnlockKey splits a fresh unlock key for distribution to
// administrators. Used by the dealer ceremony.
func SplitUnlockKey(unlockKey []byte, parts, threshold int) ([][]byte, error) {
	return shamir.Split(unlockKey, parts, threshold)
}

// SignUnlockShare signs a share for submission. Administrators run this
// locally with their private key.
func SignUnlockShare(share []byte, priv ed25519.PrivateKey) []byte {
	return ed25519.Sign(priv, share)
}

func fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}
