package mpckeys

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/quorumkey/recovery-backend/interfaces"
)

// GroupParams is the public half of the dealer output: group size, signing
// threshold and the Feldman commitments to the dealer polynomial. The first
// commitment is the group public key; every node's public share is
// recomputable from the commitment set, which is what makes partial
// signatures individually verifiable.
type GroupParams struct {
	n         int
	threshold int
	// commitments[j] = a_j * G for polynomial coefficients a_0..a_{t-1}.
	commitments []secp256k1.JacobianPoint
}

func (gp *GroupParams) N() int         { return gp.n }
func (gp *GroupParams) Threshold() int { return gp.threshold }

// GroupKey returns the compressed group public key (the dealer polynomial
// evaluated at zero).
func (gp *GroupParams) GroupKey() []byte {
	p := gp.commitments[0]
	return encodePoint(&p)
}

// PublicShare computes node id's public share s_i*G from the commitment set:
// sum over j of A_j * id^j, evaluated with Horner's rule.
func (gp *GroupParams) PublicShare(id interfaces.NodeID) (*secp256k1.JacobianPoint, error) {
	if err := gp.checkID(id); err != nil {
		return nil, err
	}
	var x secp256k1.ModNScalar
	x.SetInt(uint32(id))

	var acc secp256k1.JacobianPoint
	acc.Set(&gp.commitments[len(gp.commitments)-1])
	for j := len(gp.commitments) - 2; j >= 0; j-- {
		var scaled secp256k1.JacobianPoint
		secp256k1.ScalarMultNonConst(&x, &acc, &scaled)
		secp256k1.AddNonConst(&scaled, &gp.commitments[j], &acc)
	}
	return &acc, nil
}

// VerifyShare performs the Feldman VSS check that a secret share is
// consistent with the published commitments.
func (gp *GroupParams) VerifyShare(id interfaces.NodeID, secret *secp256k1.ModNScalar) error {
	expected, err := gp.PublicShare(id)
	if err != nil {
		return err
	}
	var actual secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(secret, &actual)
	if !pointsEqual(&actual, expected) {
		return fmt.Errorf("share for node %d does not match commitments", id)
	}
	return nil
}

func (gp *GroupParams) checkID(id interfaces.NodeID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if int(id) > gp.n {
		return fmt.Errorf("node id %d outside group of size %d", id, gp.n)
	}
	return nil
}

type groupParamsJSON struct {
	N           int      `json:"n"`
	Threshold   int      `json:"threshold"`
	Commitments []string `json:"commitments"`
}

// MarshalJSON encodes the params in the dealer file format (hex compressed
// points).
func (gp *GroupParams) MarshalJSON() ([]byte, error) {
	out := groupParamsJSON{N: gp.n, Threshold: gp.threshold}
	for i := range gp.commitments {
		p := gp.commitments[i]
		out.Commitments = append(out.Commitments, hex.EncodeToString(encodePoint(&p)))
	}
	return json.Marshal(out)
}

func (gp *GroupParams) UnmarshalJSON(data []byte) error {
	var in groupParamsJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Threshold < 2 {
		return errors.New("threshold must be at least 2")
	}
	if in.N < in.Threshold {
		return errors.New("group size must be at least the threshold")
	}
	if len(in.Commitments) != in.Threshold {
		return fmt.Errorf("expected %d commitments, got %d", in.Threshold, len(in.Commitments))
	}
	gp.n = in.N
	gp.threshold = in.Threshold
	gp.commitments = make([]secp256k1.JacobianPoint, len(in.Commitments))
	for i, c := range in.Commitments {
		raw, err := hex.DecodeString(c)
		if err != nil {
			return fmt.Errorf("commitment %d: %w", i, err)
		}
		p, err := decodePoint(raw)
		if err != nil {
			return fmt.Errorf("commitment %d: %w", i, err)
		}
		gp.commitments[i] = *p
	}
	return nil
}

// LoadGroupParams reads a dealer-produced group parameter file.
func LoadGroupParams(path string) (*GroupParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read group params: %w", err)
	}
	gp := new(GroupParams)
	if err := json.Unmarshal(data, gp); err != nil {
		return nil, fmt.Errorf("failed to parse group params: %w", err)
	}
	return gp, nil
}

// encodePoint serializes a point in 33-byte compressed form.
func encodePoint(p *secp256k1.JacobianPoint) []byte {
	var affine secp256k1.JacobianPoint
	affine.Set(p)
	affine.ToAffine()
	return secp256k1.NewPublicKey(&affine.X, &affine.Y).SerializeCompressed()
}

func decodePoint(data []byte) (*secp256k1.JacobianPoint, error) {
	pub, err := secp256k1.ParsePubKey(data)
	if err != nil {
		return nil, fmt.Errorf("invalid point encoding: %w", err)
	}
	var p secp256k1.JacobianPoint
	pub.AsJacobian(&p)
	return &p, nil
}

func pointsEqual(a, b *secp256k1.JacobianPoint) bool {
	var aa, bb secp256k1.JacobianPoint
	aa.Set(a)
	bb.Set(b)
	aa.ToAffine()
	bb.ToAffine()
	return aa.X.Equals(&bb.X) && aa.Y.Equals(&bb.Y)
}

// pointIsInfinity reports whether a Jacobian point is the group identity.
func pointIsInfinity(p *secp256k1.JacobianPoint) bool {
	return (p.X.IsZero() && p.Y.IsZero()) || p.Z.IsZero()
}
