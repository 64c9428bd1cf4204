package interfaces

import "context"

// BindingProof carries the material a user submits to prove both control of
// an OAuth identity and ownership of an existing account key. The exact token
// bytes and a freshness nonce are bound into the signed message, so neither
// the signature nor the token can be replayed independently.
type BindingProof struct {
	AccessToken string `json:"access_token" cbor:"1,keyasint"`
	SigningKey  string `json:"signing_key" cbor:"2,keyasint"` // curve-tagged account key that produced Signature
	Signature   []byte `json:"signature" cbor:"3,keyasint"`
	Nonce       []byte `json:"nonce" cbor:"4,keyasint"`
	Timestamp   int64  `json:"timestamp" cbor:"5,keyasint"` // unix seconds
}

// IdentityVerifier validates an OAuth access token against its issuing
// provider and extracts the canonical identity.
//
// Implementations must distinguish token rejection (ErrInvalidToken) from
// provider unavailability (ErrProviderUnreachable); the latter is retried
// with backoff internally and never treated as a valid token.
type IdentityVerifier interface {
	Verify(ctx context.Context, accessToken string) (Identity, error)
}

// OwnershipVerifier checks that a binding proof was signed by a key currently
// authorized on the account, that the signature covers the exact versioned
// binding message, and that the proof is fresh.
type OwnershipVerifier interface {
	VerifyBinding(ctx context.Context, account AccountID, proof BindingProof) error
}

// ChainReader provides read-only access to the chain's account key sets.
type ChainReader interface {
	AccessKeys(ctx context.Context, account AccountID) ([]PublicKey, error)
}

// ChainSubmitter submits a finalized key-addition to the chain.
type ChainSubmitter interface {
	SubmitAddKey(ctx context.Context, account AccountID, payload []byte, sig Signature) (txID string, err error)
}

// MethodRegistry is the durable (account, identity) -> RecoveryMethod
// mapping. Registration is first-writer-wins: concurrent attempts for the
// same pair resolve to exactly one stored row.
type MethodRegistry interface {
	// Register stores the method unless a row with a different key already
	// exists, in which case it returns the stored row and ErrAlreadyExists.
	// Re-registering an identical key is an idempotent no-op returning the
	// stored row.
	Register(ctx context.Context, method RecoveryMethod) (RecoveryMethod, error)

	// Lookup returns the stored method or ErrMethodNotFound.
	Lookup(ctx context.Context, account AccountID, identity Identity) (RecoveryMethod, error)

	// Revoke removes the method for the pair. Missing rows are not an error.
	Revoke(ctx context.Context, account AccountID, identity Identity) error
}

// RegistryStore is the persistence backend beneath the registry. Rows are
// opaque encoded bytes keyed by a digest of the (account, identity) pair.
type RegistryStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error

	// LocationURI returns the URI this backend was created from, for logging.
	LocationURI() string
}

// ShareSigner is the narrow entry point into the node's secret share. The
// share itself never crosses this interface: callers get commitments,
// partial signatures and public keys, nothing else.
type ShareSigner interface {
	NodeID() NodeID

	// RecoveryPublicKey returns the stored or deterministically derived
	// recovery key for the pair (stored rows always win over re-derivation).
	RecoveryPublicKey(ctx context.Context, account AccountID, identity Identity) (PublicKey, error)

	// Commit creates a fresh signing nonce for (session, attempt) and returns
	// the 33-byte compressed commitment point. A second call for the same
	// attempt returns the same commitment.
	Commit(session string, attempt uint32) ([]byte, error)

	// SignPartial consumes the nonce created by Commit and returns this
	// node's 32-byte partial signature scalar. The nonce is single-use: a
	// second call for the same attempt fails.
	SignPartial(session string, attempt uint32, digest [32]byte, signers []NodeID, commitments map[NodeID][]byte, account AccountID, identity Identity) ([]byte, error)
}
