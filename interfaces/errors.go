package interfaces

import "errors"

// Error taxonomy for the recovery protocol. Handlers map these onto HTTP
// status codes; security-relevant failures are surfaced as-is and never
// downgraded to retryable ones.
var (
	// ErrInvalidToken is returned for expired, malformed or wrong-audience
	// OAuth tokens.
	ErrInvalidToken = errors.New("invalid access token")

	// ErrProviderUnreachable is returned when the OAuth provider cannot be
	// reached after retries. Retryable; never treated as a valid token.
	ErrProviderUnreachable = errors.New("identity provider unreachable")

	// ErrUnauthorizedKey is returned when a binding signature was made with a
	// key that is not in the account's on-chain key set.
	ErrUnauthorizedKey = errors.New("signing key not authorized on account")

	// ErrInvalidSignature is returned when a signature does not verify over
	// the exact message bytes.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrReplayedRequest is returned for reused nonces or binding proofs
	// outside their freshness window.
	ErrReplayedRequest = errors.New("replayed or stale request")

	// ErrAlreadyExists is returned when a recovery method for the
	// (account, identity) pair is already registered with a different key.
	ErrAlreadyExists = errors.New("recovery method already exists")

	// ErrMethodNotFound is returned when no recovery method is registered for
	// the (account, identity) pair.
	ErrMethodNotFound = errors.New("recovery method not found")

	// ErrQuorumTimeout is returned when a signing session does not reach
	// quorum within its window. Callers must retry with a fresh nonce.
	ErrQuorumTimeout = errors.New("signing session timed out before quorum")

	// ErrConflictingPartial is returned when a node submits two different
	// partials for the same attempt (possible equivocation).
	ErrConflictingPartial = errors.New("conflicting partial signature")

	// ErrNodeUnreachable is returned for transient peer failures. Retryable
	// up to the threshold tolerance.
	ErrNodeUnreachable = errors.New("peer node unreachable")

	// ErrKMSLocked is returned when the node secret share has not been
	// unsealed yet.
	ErrKMSLocked = errors.New("node key material is locked")

	// ErrRowNotFound is returned by registry storage backends for missing rows.
	ErrRowNotFound = errors.New("registry row not found")

	// ErrInvalidLocationURI is returned when a storage location URI is
	// malformed or names an unsupported scheme.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")

	// ErrSessionNotFound is returned by a participant asked for a partial in
	// a session it never committed to.
	ErrSessionNotFound = errors.New("unknown signing session")
)
