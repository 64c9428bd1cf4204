package mpckeys

import (
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/quorumkey/recovery-backend/interfaces"
)

// NodeShare is one node's long-term Shamir share of the group secret. It is
// produced once by the dealer ceremony and never transmitted in full again.
type NodeShare struct {
	ID     interfaces.NodeID
	Secret secp256k1.ModNScalar
}

// Deal runs the trusted-dealer ceremony: it samples a random degree t-1
// polynomial over the scalar field, hands node i the evaluation f(i), and
// publishes the Feldman commitments so every node can verify its share. The
// dealer's own copy of the polynomial must be discarded after this returns.
func Deal(rng io.Reader, n, threshold int) (*GroupParams, []NodeShare, error) {
	if threshold < 2 {
		return nil, nil, errors.New("threshold must be at least 2")
	}
	if n < threshold {
		return nil, nil, errors.New("group size must be at least the threshold")
	}

	coeffs := make([]secp256k1.ModNScalar, threshold)
	for j := range coeffs {
		s, err := randomScalar(rng)
		if err != nil {
			return nil, nil, err
		}
		coeffs[j] = s
	}

	gp := &GroupParams{
		n:           n,
		threshold:   threshold,
		commitments: make([]secp256k1.JacobianPoint, threshold),
	}
	for j := range coeffs {
		secp256k1.ScalarBaseMultNonConst(&coeffs[j], &gp.commitments[j])
	}

	shares := make([]NodeShare, 0, n)
	for i := 1; i <= n; i++ {
		var x secp256k1.ModNScalar
		x.SetInt(uint32(i))

		// Horner evaluation of f(i) over the coefficients.
		var acc secp256k1.ModNScalar
		acc.Set(&coeffs[threshold-1])
		for j := threshold - 2; j >= 0; j-- {
			acc.Mul(&x)
			acc.Add(&coeffs[j])
		}
		shares = append(shares, NodeShare{ID: interfaces.NodeID(i), Secret: acc})
	}

	// Wipe the polynomial; only shares and public commitments survive.
	for j := range coeffs {
		coeffs[j].Zero()
	}

	return gp, shares, nil
}

func randomScalar(rng io.Reader) (secp256k1.ModNScalar, error) {
	var buf [32]byte
	for {
		if _, err := io.ReadFull(rng, buf[:]); err != nil {
			return secp256k1.ModNScalar{}, fmt.Errorf("failed to sample scalar: %w", err)
		}
		var s secp256k1.ModNScalar
		if overflow := s.SetByteSlice(buf[:]); !overflow && !s.IsZero() {
			return s, nil
		}
	}
}
