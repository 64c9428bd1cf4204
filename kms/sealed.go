package kms

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/quorumkey/recovery-backend/interfaces"
	"github.com/quorumkey/recovery-backend/mpckeys"
)

// sealedMagic prefixes sealed share files so a plaintext file handed to the
// locked loader fails loudly instead of decrypting garbage.
var sealedMagic = []byte("QKSHARE1")

type shareFilePayload struct {
	NodeID uint16 `cbor:"1,keyasint"`
	Share  []byte `cbor:"2,keyasint"`
}

// SealShare encrypts a node share under a 32-byte unlock key using
// XChaCha20-Poly1305 and returns the sealed file contents.
func SealShare(share mpckeys.NodeShare, unlockKey []byte) ([]byte, error) {
	secretBytes := share.Secret.Bytes()
	payload, err := cbor.Marshal(shareFilePayload{NodeID: uint16(share.ID), Share: secretBytes[:]})
	if err != nil {
		return nil, fmt.Errorf("failed to encode share payload: %w", err)
	}

	aead, err := chacha20poly1305.NewX(unlockKey)
	if err != nil {
		return nil, fmt.Errorf("invalid unlock key: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := append([]byte{}, sealedMagic...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, payload, sealedMagic)
	wipe(payload)
	return out, nil
}

// openShare decrypts a sealed share file with the reconstructed unlock key.
func openShare(sealed, unlockKey []byte) (mpckeys.NodeShare, error) {
	if len(sealed) < len(sealedMagic)+chacha20poly1305.NonceSizeX || string(sealed[:len(sealedMagic)]) != string(sealedMagic) {
		return mpckeys.NodeShare{}, errors.New("not a sealed share file")
	}
	nonce := sealed[len(sealedMagic) : len(sealedMagic)+chacha20poly1305.NonceSizeX]
	box := sealed[len(sealedMagic)+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(unlockKey)
	if err != nil {
		return mpckeys.NodeShare{}, fmt.Errorf("invalid unlock key: %w", err)
	}
	payload, err := aead.Open(nil, nonce, box, sealedMagic)
	if err != nil {
		return mpckeys.NodeShare{}, errors.New("failed to unseal share: wrong unlock key or corrupted file")
	}
	defer wipe(payload)

	var decoded shareFilePayload
	if err := cbor.Unmarshal(payload, &decoded); err != nil {
		return mpckeys.NodeShare{}, fmt.Errorf("malformed share payload: %w", err)
	}
	share := mpckeys.NodeShare{ID: interfaces.NodeID(decoded.NodeID)}
	if overflow := share.Secret.SetByteSlice(decoded.Share); overflow || share.Secret.IsZero() {
		return mpckeys.NodeShare{}, errors.New("share scalar out of range")
	}
	wipe(decoded.Share)
	return share, nil
}

// plaintextShareFile is the dev-mode on-disk format.
type plaintextShareFile struct {
	NodeID uint16 `json:"node_id"`
	Share  string `json:"share"` // hex
}

// LoadPlaintextShare reads an unsealed dev-mode share file.
func LoadPlaintextShare(path string) (mpckeys.NodeShare, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return mpckeys.NodeShare{}, fmt.Errorf("failed to read share file: %w", err)
	}
	var decoded plaintextShareFile
	if err := json.Unmarshal(data, &decoded); err != nil {
		return mpckeys.NodeShare{}, fmt.Errorf("malformed share file: %w", err)
	}
	raw, err := hex.DecodeString(decoded.Share)
	if err != nil {
		return mpckeys.NodeShare{}, fmt.Errorf("malformed share hex: %w", err)
	}
	share := mpckeys.NodeShare{ID: interfaces.NodeID(decoded.NodeID)}
	if overflow := share.Secret.SetByteSlice(raw); overflow || share.Secret.IsZero() {
		return mpckeys.NodeShare{}, errors.New("share scalar out of range")
	}
	wipe(raw)
	return share, nil
}

// WritePlaintextShare writes the dev-mode share file with owner-only
// permissions.
func WritePlaintextShare(path string, share mpckeys.NodeShare) error {
	secretBytes := share.Secret.Bytes()
	data, err := json.MarshalIndent(plaintextShareFile{
		NodeID: uint16(share.ID),
		Share:  hex.EncodeToString(secretBytes[:]),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
