package mpckeys

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/quorumkey/recovery-backend/interfaces"
)

// SigningNonce is one signer's ephemeral round-1 state. The secret scalar is
// single-use: reusing it across two different challenges leaks the share.
type SigningNonce struct {
	secret     secp256k1.ModNScalar
	commitment []byte
}

// NewSigningNonce samples a fresh nonce and its public commitment R_i.
func NewSigningNonce(rng io.Reader) (*SigningNonce, error) {
	r, err := randomScalar(rng)
	if err != nil {
		return nil, err
	}
	var R secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&r, &R)
	return &SigningNonce{secret: r, commitment: encodePoint(&R)}, nil
}

// Commitment returns the 33-byte compressed commitment point.
func (sn *SigningNonce) Commitment() []byte { return sn.commitment }

// Wipe destroys the nonce secret.
func (sn *SigningNonce) Wipe() { sn.secret.Zero() }

// Sign computes the partial signature z = r + c*lambda*x under this nonce.
func (sn *SigningNonce) Sign(derivedShare, challenge, lambda *secp256k1.ModNScalar) []byte {
	return SignPartial(derivedShare, &sn.secret, challenge, lambda)
}

// CombineCommitments sums the per-signer commitments into the group
// commitment R. The map must contain exactly the signer set.
func CombineCommitments(commitments map[interfaces.NodeID][]byte) ([]byte, error) {
	if len(commitments) == 0 {
		return nil, errors.New("no commitments to combine")
	}
	var acc secp256k1.JacobianPoint
	first := true
	for _, ids := range sortedIDs(commitments) {
		p, err := decodePoint(commitments[ids])
		if err != nil {
			return nil, fmt.Errorf("commitment from node %d: %w", ids, err)
		}
		if first {
			acc.Set(p)
			first = false
			continue
		}
		var sum secp256k1.JacobianPoint
		secp256k1.AddNonConst(&acc, p, &sum)
		acc = sum
	}
	if pointIsInfinity(&acc) {
		return nil, errors.New("combined commitment is the identity point")
	}
	return encodePoint(&acc), nil
}

// Challenge computes the Fiat-Shamir challenge c = H(R || K || digest),
// domain-separated and versioned.
func Challenge(groupCommitment, recoveryKey []byte, digest [32]byte) secp256k1.ModNScalar {
	return hashToScalar(challengeDomain, groupCommitment, recoveryKey, digest[:])
}

// LagrangeCoefficient computes lambda_i for a signer within the signer set,
// the interpolation weight that reconstructs f(0) from the participating
// shares.
func LagrangeCoefficient(id interfaces.NodeID, signers []interfaces.NodeID) (secp256k1.ModNScalar, error) {
	var num, den secp256k1.ModNScalar
	num.SetInt(1)
	den.SetInt(1)

	var xi secp256k1.ModNScalar
	xi.SetInt(uint32(id))

	found := false
	for _, s := range signers {
		if s == id {
			found = true
			continue
		}
		var xj secp256k1.ModNScalar
		xj.SetInt(uint32(s))
		num.Mul(&xj)

		var diff secp256k1.ModNScalar
		diff.Set(&xj)
		var negXi secp256k1.ModNScalar
		negXi.NegateVal(&xi)
		diff.Add(&negXi)
		if diff.IsZero() {
			return secp256k1.ModNScalar{}, fmt.Errorf("duplicate node id %d in signer set", s)
		}
		den.Mul(&diff)
	}
	if !found {
		return secp256k1.ModNScalar{}, fmt.Errorf("node %d not in signer set", id)
	}

	den.InverseNonConst()
	num.Mul(&den)
	return num, nil
}

// SignPartial computes z_i = r_i + c*lambda_i*x_i over the derived share.
func SignPartial(derivedShare, nonceSecret, challenge, lambda *secp256k1.ModNScalar) []byte {
	var clx secp256k1.ModNScalar
	clx.Set(challenge)
	clx.Mul(lambda)
	clx.Mul(derivedShare)

	var z secp256k1.ModNScalar
	z.Set(nonceSecret)
	z.Add(&clx)

	out := z.Bytes()
	return out[:]
}

// VerifyPartial checks z_i*G == R_i + c*lambda_i*X_i against the signer's
// publicly recomputable derived share point. A failing check attributes a bad
// partial to its sender.
func VerifyPartial(partial, commitment []byte, publicShare *secp256k1.JacobianPoint, challenge, lambda *secp256k1.ModNScalar) error {
	if len(partial) != 32 {
		return fmt.Errorf("partial scalar must be 32 bytes, got %d", len(partial))
	}
	var z secp256k1.ModNScalar
	if overflow := z.SetByteSlice(partial); overflow {
		return errors.New("partial scalar out of range")
	}

	Ri, err := decodePoint(commitment)
	if err != nil {
		return err
	}

	var left secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&z, &left)

	var cl secp256k1.ModNScalar
	cl.Set(challenge)
	cl.Mul(lambda)

	var clX secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&cl, publicShare, &clX)

	var right secp256k1.JacobianPoint
	secp256k1.AddNonConst(Ri, &clX, &right)

	if !pointsEqual(&left, &right) {
		return errors.New("partial signature does not verify")
	}
	return nil
}

// CombinePartials sums verified partials into the final signature (R, z).
func CombinePartials(groupCommitment []byte, partials map[interfaces.NodeID][]byte) (interfaces.Signature, error) {
	if len(partials) == 0 {
		return interfaces.Signature{}, errors.New("no partials to combine")
	}
	var z secp256k1.ModNScalar
	for _, id := range sortedIDs(partials) {
		var zi secp256k1.ModNScalar
		if overflow := zi.SetByteSlice(partials[id]); overflow {
			return interfaces.Signature{}, fmt.Errorf("partial from node %d out of range", id)
		}
		z.Add(&zi)
	}
	zb := z.Bytes()
	return interfaces.Signature{R: groupCommitment, Z: zb[:]}, nil
}

// VerifySignature checks the final Schnorr equation z*G == R + c*K.
func VerifySignature(sig interfaces.Signature, recoveryKey interfaces.PublicKey, digest [32]byte) error {
	if recoveryKey.Curve != interfaces.KeyCurveSecp256k1 {
		return fmt.Errorf("recovery key curve %q unsupported", recoveryKey.Curve)
	}
	var z secp256k1.ModNScalar
	if overflow := z.SetByteSlice(sig.Z); overflow {
		return errors.New("signature scalar out of range")
	}
	R, err := decodePoint(sig.R)
	if err != nil {
		return err
	}
	K, err := decodePoint(recoveryKey.Data)
	if err != nil {
		return err
	}

	c := Challenge(sig.R, recoveryKey.Data, digest)

	var left secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&z, &left)

	var cK secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&c, K, &cK)

	var right secp256k1.JacobianPoint
	secp256k1.AddNonConst(R, &cK, &right)

	if !pointsEqual(&left, &right) {
		return errors.New("signature does not verify")
	}
	return nil
}

func sortedIDs[V any](m map[interfaces.NodeID]V) []interfaces.NodeID {
	ids := make([]interfaces.NodeID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
