// Package coordinator runs threshold signing sessions across the node set.
// One node acts as the session coordinator for a user request: it verifies
// the request, fans commitments and partial signature requests out to its
// peers, and combines the partials into the final signature. Every peer
// independently re-verifies the request before contributing, so a malicious
// coordinator cannot get anything signed that the honest nodes would not
// have signed themselves.
package coordinator

import (
	"crypto/ed25519"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/quorumkey/recovery-backend/interfaces"
)

// Intent says what the finalized signature authorizes.
type Intent uint8

const (
	// IntentAddMethod adds the derived recovery key itself to the account,
	// as part of registering a recovery method.
	IntentAddMethod Intent = 1
	// IntentRecover adds a replacement user key to the account, authorized
	// by the recovery key.
	IntentRecover Intent = 2
)

func (i Intent) String() string {
	switch i {
	case IntentAddMethod:
		return "add_method"
	case IntentRecover:
		return "recover"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(i))
	}
}

// Request is a user-initiated signing request before verification. The
// coordinator receives it from the external API and forwards it verbatim to
// peers inside CommitRequest, since each peer re-verifies it from scratch.
type Request struct {
	Intent      Intent                  `cbor:"1,keyasint"`
	Account     interfaces.AccountID    `cbor:"2,keyasint"`
	AccessToken string                  `cbor:"3,keyasint"`
	Proof       interfaces.BindingProof `cbor:"4,keyasint,omitempty"` // add_method only
	NewKey      string                  `cbor:"5,keyasint,omitempty"` // recover only
}

// CommitRequest opens (or advances) a signing session on a peer.
type CommitRequest struct {
	Session string  `cbor:"1,keyasint"`
	Attempt uint32  `cbor:"2,keyasint"`
	Request Request `cbor:"3,keyasint"`
}

type CommitResponse struct {
	Node       interfaces.NodeID `cbor:"1,keyasint"`
	Commitment []byte            `cbor:"2,keyasint"` // 33-byte compressed point
}

// PartialRequest asks a peer in the signer set for its partial signature.
// The digest is included so the peer can refuse to sign anything other than
// what it verified at commit time.
type PartialRequest struct {
	Session     string                       `cbor:"1,keyasint"`
	Attempt     uint32                       `cbor:"2,keyasint"`
	Digest      [32]byte                     `cbor:"3,keyasint"`
	Signers     []interfaces.NodeID          `cbor:"4,keyasint"`
	Commitments map[interfaces.NodeID][]byte `cbor:"5,keyasint"`
}

type PartialResponse struct {
	Node    interfaces.NodeID `cbor:"1,keyasint"`
	Partial []byte            `cbor:"2,keyasint"` // 32-byte scalar
}

// AbortNotice tells a peer to discard its session state.
type AbortNotice struct {
	Session string `cbor:"1,keyasint"`
	Reason  string `cbor:"2,keyasint"`
}

// AddKeyTx is the canonical payload the quorum signs. Both the coordinator
// and every peer build it independently from the verified request, so the
// digest only matches if they agree on every field.
type AddKeyTx struct {
	V            uint8                `cbor:"1,keyasint"`
	Account      interfaces.AccountID `cbor:"2,keyasint"`
	PublicKey    string               `cbor:"3,keyasint"` // curve-tagged key being added
	SessionNonce string               `cbor:"4,keyasint"`
}

func (tx AddKeyTx) Encode() ([]byte, error) {
	data, err := cbor.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key-addition payload: %w", err)
	}
	return data, nil
}

const envelopeDomain = "quorumkey/v1/peer-envelope"

// Message type tags carried in signed envelopes.
const (
	MsgCommit  uint8 = 1
	MsgPartial uint8 = 2
	MsgAbort   uint8 = 3
)

// Envelope wraps a peer message with the sender's transport signature.
// Transport keys are static ed25519 keys distributed alongside the group
// parameters; a message that does not verify against the claimed sender's
// key is dropped before decoding.
type Envelope struct {
	Sender    interfaces.NodeID `cbor:"1,keyasint"`
	Type      uint8             `cbor:"2,keyasint"`
	Payload   []byte            `cbor:"3,keyasint"`
	Signature []byte            `cbor:"4,keyasint"`
}

func envelopeDigest(sender interfaces.NodeID, msgType uint8, payload []byte) []byte {
	buf := make([]byte, 0, len(envelopeDomain)+3+len(payload))
	buf = append(buf, envelopeDomain...)
	buf = append(buf, byte(sender>>8), byte(sender), msgType)
	return append(buf, payload...)
}

// SealEnvelope encodes and signs a peer message.
func SealEnvelope(sender interfaces.NodeID, msgType uint8, msg any, priv ed25519.PrivateKey) (Envelope, error) {
	payload, err := cbor.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode peer message: %w", err)
	}
	return Envelope{
		Sender:    sender,
		Type:      msgType,
		Payload:   payload,
		Signature: ed25519.Sign(priv, envelopeDigest(sender, msgType, payload)),
	}, nil
}

// Open verifies the envelope against the sender's transport key and decodes
// the payload into msg.
func (e Envelope) Open(senderKey ed25519.PublicKey, msg any) error {
	if !ed25519.Verify(senderKey, envelopeDigest(e.Sender, e.Type, e.Payload), e.Signature) {
		return fmt.Errorf("%w: peer envelope signature does not verify", interfaces.ErrInvalidSignature)
	}
	if err := cbor.Unmarshal(e.Payload, msg); err != nil {
		return fmt.Errorf("failed to decode peer message: %w", err)
	}
	return nil
}
