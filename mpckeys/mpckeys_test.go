package mpckeys

import (
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumkey/recovery-backend/interfaces"
)

var (
	testAccount  = interfaces.AccountID("alice.near")
	testIdentity = interfaces.Identity{Provider: "google", Subject: "alice@example.com"}
)

func dealTestGroup(t *testing.T, n, threshold int) (*GroupParams, []NodeShare) {
	t.Helper()
	gp, shares, err := Deal(rand.Reader, n, threshold)
	require.NoError(t, err)
	require.Len(t, shares, n)
	return gp, shares
}

func TestDealRejectsBadParameters(t *testing.T) {
	_, _, err := Deal(rand.Reader, 4, 1)
	assert.Error(t, err, "threshold below 2 must be rejected")

	_, _, err = Deal(rand.Reader, 2, 3)
	assert.Error(t, err, "group smaller than threshold must be rejected")
}

func TestSharesVerifyAgainstCommitments(t *testing.T) {
	gp, shares := dealTestGroup(t, 4, 3)

	for _, share := range shares {
		assert.NoError(t, gp.VerifyShare(share.ID, &share.Secret))
	}

	// A corrupted share must fail the VSS check.
	bad := shares[0].Secret
	var one secp256k1.ModNScalar
	one.SetInt(1)
	bad.Add(&one)
	assert.Error(t, gp.VerifyShare(shares[0].ID, &bad))

	// Shares do not verify under another node's index.
	assert.Error(t, gp.VerifyShare(shares[1].ID, &shares[0].Secret))
}

func TestGroupParamsRoundTrip(t *testing.T) {
	gp, _ := dealTestGroup(t, 4, 3)

	data, err := json.Marshal(gp)
	require.NoError(t, err)

	restored := new(GroupParams)
	require.NoError(t, json.Unmarshal(data, restored))

	assert.Equal(t, gp.N(), restored.N())
	assert.Equal(t, gp.Threshold(), restored.Threshold())
	assert.Equal(t, gp.GroupKey(), restored.GroupKey())

	k1, err := gp.RecoveryPublicKey(testAccount, testIdentity)
	require.NoError(t, err)
	k2, err := restored.RecoveryPublicKey(testAccount, testIdentity)
	require.NoError(t, err)
	assert.True(t, k1.Equal(k2))
}

func TestDerivationIsDeterministic(t *testing.T) {
	gp, _ := dealTestGroup(t, 4, 3)

	k1, err := gp.RecoveryPublicKey(testAccount, testIdentity)
	require.NoError(t, err)
	k2, err := gp.RecoveryPublicKey(testAccount, testIdentity)
	require.NoError(t, err)
	assert.True(t, k1.Equal(k2), "repeated derivation must yield the identical key")

	other, err := gp.RecoveryPublicKey(testAccount, interfaces.Identity{Provider: "google", Subject: "bob@example.com"})
	require.NoError(t, err)
	assert.False(t, k1.Equal(other), "different identities must derive different keys")

	otherAcct, err := gp.RecoveryPublicKey("bob.near", testIdentity)
	require.NoError(t, err)
	assert.False(t, k1.Equal(otherAcct), "different accounts must derive different keys")
}

func TestDerivedSharesMatchPublicShares(t *testing.T) {
	gp, shares := dealTestGroup(t, 4, 3)

	for _, share := range shares {
		derived := DeriveShare(&share.Secret, testAccount, testIdentity)

		var actual secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(&derived, &actual)

		expected, err := gp.DerivedPublicShare(share.ID, testAccount, testIdentity)
		require.NoError(t, err)
		assert.True(t, pointsEqual(&actual, expected))
	}
}

// signWith runs a full two-round signing over the derived key with the given
// signer subset.
func signWith(t *testing.T, gp *GroupParams, shares []NodeShare, signers []interfaces.NodeID, digest [32]byte) interfaces.Signature {
	t.Helper()

	byID := make(map[interfaces.NodeID]NodeShare)
	for _, s := range shares {
		byID[s.ID] = s
	}

	nonces := make(map[interfaces.NodeID]*SigningNonce)
	commitments := make(map[interfaces.NodeID][]byte)
	for _, id := range signers {
		n, err := NewSigningNonce(rand.Reader)
		require.NoError(t, err)
		nonces[id] = n
		commitments[id] = n.Commitment()
	}

	groupR, err := CombineCommitments(commitments)
	require.NoError(t, err)

	key, err := gp.RecoveryPublicKey(testAccount, testIdentity)
	require.NoError(t, err)
	c := Challenge(groupR, key.Data, digest)

	partials := make(map[interfaces.NodeID][]byte)
	for _, id := range signers {
		lambda, err := LagrangeCoefficient(id, signers)
		require.NoError(t, err)
		share := byID[id]
		derived := DeriveShare(&share.Secret, testAccount, testIdentity)
		partials[id] = SignPartial(&derived, &nonces[id].secret, &c, &lambda)

		pubShare, err := gp.DerivedPublicShare(id, testAccount, testIdentity)
		require.NoError(t, err)
		require.NoError(t, VerifyPartial(partials[id], commitments[id], pubShare, &c, &lambda))
	}

	sig, err := CombinePartials(groupR, partials)
	require.NoError(t, err)
	return sig
}

func TestThresholdSigning(t *testing.T) {
	gp, shares := dealTestGroup(t, 4, 3)
	digest := MessageDigest([]byte("add key ed25519:abc to alice.near"))

	key, err := gp.RecoveryPublicKey(testAccount, testIdentity)
	require.NoError(t, err)

	// Any threshold-sized subset must produce a valid signature.
	for _, signers := range [][]interfaces.NodeID{{1, 2, 3}, {1, 2, 4}, {2, 3, 4}} {
		sig := signWith(t, gp, shares, signers, digest)
		assert.NoError(t, VerifySignature(sig, key, digest), "signer set %v", signers)
	}

	// ...and the signature must not verify over a different digest.
	sig := signWith(t, gp, shares, []interfaces.NodeID{1, 2, 3}, digest)
	otherDigest := MessageDigest([]byte("add key ed25519:evil to alice.near"))
	assert.Error(t, VerifySignature(sig, key, otherDigest))
}

func TestVerifyPartialRejectsCorruption(t *testing.T) {
	gp, shares := dealTestGroup(t, 4, 3)
	digest := MessageDigest([]byte("payload"))
	signers := []interfaces.NodeID{1, 2, 3}

	nonces := make(map[interfaces.NodeID]*SigningNonce)
	commitments := make(map[interfaces.NodeID][]byte)
	for _, id := range signers {
		n, err := NewSigningNonce(rand.Reader)
		require.NoError(t, err)
		nonces[id] = n
		commitments[id] = n.Commitment()
	}
	groupR, err := CombineCommitments(commitments)
	require.NoError(t, err)

	key, err := gp.RecoveryPublicKey(testAccount, testIdentity)
	require.NoError(t, err)
	c := Challenge(groupR, key.Data, digest)

	lambda, err := LagrangeCoefficient(1, signers)
	require.NoError(t, err)
	derived := DeriveShare(&shares[0].Secret, testAccount, testIdentity)
	partial := SignPartial(&derived, &nonces[1].secret, &c, &lambda)

	pubShare, err := gp.DerivedPublicShare(1, testAccount, testIdentity)
	require.NoError(t, err)
	require.NoError(t, VerifyPartial(partial, commitments[1], pubShare, &c, &lambda))

	// Flip a byte: the partial must be attributed as invalid.
	corrupted := append([]byte(nil), partial...)
	corrupted[5] ^= 0xff
	assert.Error(t, VerifyPartial(corrupted, commitments[1], pubShare, &c, &lambda))

	// A partial computed under the wrong node's share must not verify
	// against node 1's public share.
	derived2 := DeriveShare(&shares[1].Secret, testAccount, testIdentity)
	wrongShare := SignPartial(&derived2, &nonces[1].secret, &c, &lambda)
	assert.Error(t, VerifyPartial(wrongShare, commitments[1], pubShare, &c, &lambda))
}

func TestLagrangeCoefficient(t *testing.T) {
	_, err := LagrangeCoefficient(5, []interfaces.NodeID{1, 2, 3})
	assert.Error(t, err, "node outside signer set")

	_, err = LagrangeCoefficient(1, []interfaces.NodeID{1, 2, 2})
	assert.Error(t, err, "duplicate signer id")

	// Interpolating the shares with the coefficients must reconstruct the
	// group secret: check via the public equation sum(lambda_i * s_i) * G == Y.
	gp, shares := dealTestGroup(t, 4, 3)
	signers := []interfaces.NodeID{1, 3, 4}
	var acc secp256k1.ModNScalar
	for _, s := range shares {
		in := false
		for _, id := range signers {
			if id == s.ID {
				in = true
			}
		}
		if !in {
			continue
		}
		lambda, err := LagrangeCoefficient(s.ID, signers)
		require.NoError(t, err)
		var term secp256k1.ModNScalar
		term.Set(&lambda)
		term.Mul(&s.Secret)
		acc.Add(&term)
	}
	var Y secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&acc, &Y)
	assert.Equal(t, gp.GroupKey(), encodePoint(&Y))
}

