// Package mpckeys implements the threshold key material for the recovery
// quorum: trusted-dealer Shamir shares with Feldman commitments, additive
// per-identity key derivation, and two-round FROST-style Schnorr signing over
// secp256k1.
//
// The derivation is the additive-tweak construction: every node shifts its
// long-term share by the same identity-bound scalar epsilon, which shifts the
// interpolated group secret by epsilon and leaves the threshold structure
// intact. No single share reveals anything about the derived private key.
package mpckeys

import (
	"encoding/binary"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/zeebo/blake3"
)

// Domain separation tags. The version suffix is part of the fixed wire
// format; bumping it changes every derived key.
const (
	epsilonDomain   = "quorumkey/v1/epsilon"
	challengeDomain = "quorumkey/v1/challenge"
)

// hashToScalar maps domain-separated input to a uniformly distributed nonzero
// scalar mod the group order, rejection-sampling on the rare overflow.
func hashToScalar(domain string, parts ...[]byte) secp256k1.ModNScalar {
	h := blake3.New()
	_, _ = h.Write([]byte(domain))
	for _, p := range parts {
		var ln [8]byte
		binary.BigEndian.PutUint64(ln[:], uint64(len(p)))
		_, _ = h.Write(ln[:])
		_, _ = h.Write(p)
	}
	digest := h.Sum(nil)

	for ctr := 0; ; ctr++ {
		var s secp256k1.ModNScalar
		overflow := s.SetByteSlice(digest)
		if !overflow && !s.IsZero() {
			return s
		}
		rh := blake3.New()
		_, _ = rh.Write(digest)
		_, _ = rh.Write([]byte{byte(ctr)})
		digest = rh.Sum(nil)
	}
}

// MessageDigest computes the 32-byte digest signing sessions operate on.
func MessageDigest(payload []byte) [32]byte {
	return blake3.Sum256(payload)
}
