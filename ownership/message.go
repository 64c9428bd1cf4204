// Package ownership proves that a recovery request was authorized by a key
// currently valid on the target account. The proof is an ed25519 signature
// over a fixed, versioned binding message that commits to the account, the
// exact OAuth token bytes, the signing key, a random nonce and a timestamp.
// Binding the token digest into the signed message means neither the token
// nor the signature is useful on its own, and the nonce plus timestamp stop
// a captured proof from being replayed later.
package ownership

import (
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/quorumkey/recovery-backend/interfaces"
)

const bindingVersion = "quorumkey/bind/v1"

// BindingMessage builds the canonical byte string a client must sign.
// Every field is on its own line so no two distinct inputs can collide,
// and the token appears only as a digest so the message itself never
// leaks the bearer token.
func BindingMessage(account interfaces.AccountID, proof interfaces.BindingProof) []byte {
	tokenDigest := blake3.Sum256([]byte(proof.AccessToken))

	var b strings.Builder
	b.WriteString(bindingVersion)
	b.WriteByte('\n')
	fmt.Fprintf(&b, "account:%s\n", account)
	fmt.Fprintf(&b, "token:%x\n", tokenDigest[:])
	fmt.Fprintf(&b, "key:%s\n", proof.SigningKey)
	fmt.Fprintf(&b, "nonce:%x\n", proof.Nonce)
	fmt.Fprintf(&b, "ts:%d\n", proof.Timestamp)
	return []byte(b.String())
}
