package mpckeys

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/quorumkey/recovery-backend/interfaces"
)

// DeriveEpsilon maps an (account, identity) pair to its derivation tweak.
// The tweak is a pure function of public context, so every node computes the
// same value without coordination; combined with the fixed dealer shares this
// is what makes the recovery key deterministic.
func DeriveEpsilon(account interfaces.AccountID, identity interfaces.Identity) secp256k1.ModNScalar {
	return hashToScalar(epsilonDomain,
		[]byte(account),
		[]byte(identity.Provider),
		[]byte(identity.Subject),
	)
}

// RecoveryPublicKey derives the recovery key for the pair: K = Y + epsilon*G
// where Y is the group key.
func (gp *GroupParams) RecoveryPublicKey(account interfaces.AccountID, identity interfaces.Identity) (interfaces.PublicKey, error) {
	eps := DeriveEpsilon(account, identity)

	var epsG secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&eps, &epsG)

	var k secp256k1.JacobianPoint
	secp256k1.AddNonConst(&gp.commitments[0], &epsG, &k)
	if pointIsInfinity(&k) {
		return interfaces.PublicKey{}, fmt.Errorf("degenerate derived key for %s/%s", account, identity.UID())
	}
	return interfaces.PublicKey{Curve: interfaces.KeyCurveSecp256k1, Data: encodePoint(&k)}, nil
}

// DeriveShare shifts a node's long-term share by the identity tweak,
// producing that node's share of the recovery private key. Callers are
// expected to wipe the result after use.
func DeriveShare(share *secp256k1.ModNScalar, account interfaces.AccountID, identity interfaces.Identity) secp256k1.ModNScalar {
	eps := DeriveEpsilon(account, identity)
	var derived secp256k1.ModNScalar
	derived.Set(share)
	derived.Add(&eps)
	return derived
}

// DerivedPublicShare computes node id's public share of the derived key,
// X_i = s_i*G + epsilon*G, from public material only. Verifying a partial
// signature against this point attributes misbehavior to a specific node.
func (gp *GroupParams) DerivedPublicShare(id interfaces.NodeID, account interfaces.AccountID, identity interfaces.Identity) (*secp256k1.JacobianPoint, error) {
	base, err := gp.PublicShare(id)
	if err != nil {
		return nil, err
	}
	eps := DeriveEpsilon(account, identity)
	var epsG secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&eps, &epsG)

	var out secp256k1.JacobianPoint
	secp256k1.AddNonConst(base, &epsG, &out)
	return &out, nil
}
