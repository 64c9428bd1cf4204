// Package interfaces defines the core types and component contracts for the
// quorum recovery system. It provides the contract between different
// components without implementation details.
package interfaces

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

// AccountID is a chain-level account identifier. The chain owns the account
// namespace; this system treats accounts as opaque beyond format validation.
type AccountID string

var accountIDRegexp = regexp.MustCompile(`^([a-z0-9]+[-_])*[a-z0-9]+(\.([a-z0-9]+[-_])*[a-z0-9]+)*$`)

// NewAccountID validates and returns an account identifier.
func NewAccountID(s string) (AccountID, error) {
	if len(s) < 2 || len(s) > 64 {
		return "", errors.New("account id must be between 2 and 64 characters")
	}
	if !accountIDRegexp.MatchString(s) {
		return "", fmt.Errorf("malformed account id %q", s)
	}
	return AccountID(s), nil
}

func (a AccountID) String() string { return string(a) }

// Identity is the canonical (provider, subject) pair extracted from a
// verified OAuth token. The subject is stable within the provider's
// namespace; neither field is ever inferred from unverified input.
type Identity struct {
	Provider string `json:"provider" cbor:"1,keyasint"`
	Subject  string `json:"subject" cbor:"2,keyasint"`
}

// UID returns the canonical string form used for registry keys and key
// derivation. Provider names never contain ':', so the encoding is
// unambiguous.
func (id Identity) UID() string {
	return id.Provider + ":" + id.Subject
}

func (id Identity) Validate() error {
	if id.Provider == "" || strings.Contains(id.Provider, ":") {
		return fmt.Errorf("invalid identity provider %q", id.Provider)
	}
	if id.Subject == "" {
		return errors.New("identity subject must not be empty")
	}
	return nil
}

// Key curve identifiers as used in the textual public key encoding.
const (
	KeyCurveEd25519   = "ed25519"
	KeyCurveSecp256k1 = "secp256k1"
)

// PublicKey is a chain account key in the curve-tagged textual encoding
// <curve>:<base58 data>. User keys are ed25519; derived recovery keys are
// compressed secp256k1 points.
type PublicKey struct {
	Curve string
	Data  []byte
}

// NewPublicKeyFromString parses a curve-tagged base58 public key string.
func NewPublicKeyFromString(s string) (PublicKey, error) {
	curve, data, found := strings.Cut(s, ":")
	if !found {
		return PublicKey{}, fmt.Errorf("public key %q missing curve prefix", s)
	}
	raw, err := base58.Decode(data)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid base58 public key data: %w", err)
	}
	switch curve {
	case KeyCurveEd25519:
		if len(raw) != 32 {
			return PublicKey{}, fmt.Errorf("ed25519 public key must be 32 bytes, got %d", len(raw))
		}
	case KeyCurveSecp256k1:
		if len(raw) != 33 {
			return PublicKey{}, fmt.Errorf("secp256k1 public key must be 33 bytes compressed, got %d", len(raw))
		}
	default:
		return PublicKey{}, fmt.Errorf("unsupported key curve %q", curve)
	}
	return PublicKey{Curve: curve, Data: raw}, nil
}

// String returns the curve-tagged base58 encoding.
func (pk PublicKey) String() string {
	return pk.Curve + ":" + base58.Encode(pk.Data)
}

// Equal compares two public keys for equality.
func (pk PublicKey) Equal(other PublicKey) bool {
	return pk.String() == other.String()
}

func (pk PublicKey) IsZero() bool {
	return pk.Curve == "" && len(pk.Data) == 0
}

// NodeID identifies a quorum participant. IDs are the participant indices of
// the underlying secret sharing and therefore must be nonzero.
type NodeID uint16

func (n NodeID) Validate() error {
	if n == 0 {
		return errors.New("node id must be nonzero")
	}
	return nil
}

// RecoveryMethod binds a verified identity to an account and records the
// derived recovery public key. At most one method exists per
// (account, identity) pair, and the row is never mutated after creation.
type RecoveryMethod struct {
	Account   AccountID `cbor:"1,keyasint"`
	Identity  Identity  `cbor:"2,keyasint"`
	PublicKey string    `cbor:"3,keyasint"` // curve-tagged encoding
	CreatedAt time.Time `cbor:"4,keyasint"`
	// Participants records which nodes took part in the key-addition quorum.
	Participants []NodeID `cbor:"5,keyasint,omitempty"`
}

// Signature is a finalized Schnorr signature over a session digest.
type Signature struct {
	R []byte `json:"r" cbor:"1,keyasint"` // 33-byte compressed commitment point
	Z []byte `json:"z" cbor:"2,keyasint"` // 32-byte scalar
}

// SessionStatus enumerates the signing session state machine.
type SessionStatus int

const (
	SessionCollecting SessionStatus = iota
	SessionQuorumReached
	SessionFinalized
	SessionTimedOut
	SessionAborted
)

func (s SessionStatus) String() string {
	switch s {
	case SessionCollecting:
		return "collecting"
	case SessionQuorumReached:
		return "quorum_reached"
	case SessionFinalized:
		return "finalized"
	case SessionTimedOut:
		return "timed_out"
	case SessionAborted:
		return "aborted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}
