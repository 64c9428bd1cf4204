// Package registry maintains the durable (account, identity) → recovery
// method mapping. The registry enforces at most one method per pair with
// first-writer-wins semantics: once a pair is bound to a recovery public
// key it stays bound until explicitly revoked, and every node arrives at
// the same row because the key material is derived deterministically.
package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/quorumkey/recovery-backend/interfaces"
)

const rowKeyDomain = "quorumkey/v1/registry-row"

// Registry implements interfaces.MethodRegistry on top of a pluggable
// RegistryStore backend.
type Registry struct {
	store interfaces.RegistryStore
	log   *slog.Logger

	// Per-row locks serialize racing registrations for the same pair while
	// leaving unrelated pairs concurrent. The backend itself only needs
	// last-write-wins Put semantics.
	mutex    sync.Mutex
	rowLocks map[string]*sync.Mutex
}

func New(store interfaces.RegistryStore, log *slog.Logger) *Registry {
	return &Registry{
		store:    store,
		log:      log,
		rowLocks: make(map[string]*sync.Mutex),
	}
}

// RowKey derives the storage key for an (account, identity) pair. Parts are
// length-prefixed before hashing so distinct pairs can never collide, and
// the hex form is safe for file names and object keys.
func RowKey(account interfaces.AccountID, identity interfaces.Identity) string {
	h := blake3.New()
	for _, part := range []string{rowKeyDomain, account.String(), identity.UID()} {
		var lenBuf [4]byte
		lenBuf[0] = byte(len(part) >> 24)
		lenBuf[1] = byte(len(part) >> 16)
		lenBuf[2] = byte(len(part) >> 8)
		lenBuf[3] = byte(len(part))
		h.Write(lenBuf[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func (r *Registry) lockRow(key string) func() {
	r.mutex.Lock()
	lock, ok := r.rowLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.rowLocks[key] = lock
	}
	r.mutex.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Register stores a new recovery method. If the pair is already bound to the
// same public key the stored row is returned unchanged; if it is bound to a
// different key the stored row is returned together with ErrAlreadyExists
// and nothing is overwritten.
func (r *Registry) Register(ctx context.Context, method interfaces.RecoveryMethod) (interfaces.RecoveryMethod, error) {
	if err := method.Identity.Validate(); err != nil {
		return interfaces.RecoveryMethod{}, fmt.Errorf("invalid recovery method: %w", err)
	}
	if method.PublicKey == "" {
		return interfaces.RecoveryMethod{}, fmt.Errorf("invalid recovery method: missing public key")
	}

	key := RowKey(method.Account, method.Identity)
	unlock := r.lockRow(key)
	defer unlock()

	stored, err := r.getRow(ctx, key)
	switch {
	case err == nil:
		if stored.PublicKey == method.PublicKey {
			r.log.Debug("recovery method re-registered",
				slog.String("account", method.Account.String()),
				slog.String("identity", method.Identity.UID()))
			return stored, nil
		}
		return stored, fmt.Errorf("%w: pair is bound to a different key", interfaces.ErrAlreadyExists)
	case !errors.Is(err, interfaces.ErrRowNotFound):
		return interfaces.RecoveryMethod{}, err
	}

	if method.CreatedAt.IsZero() {
		method.CreatedAt = time.Now().UTC()
	}
	data, err := cbor.Marshal(method)
	if err != nil {
		return interfaces.RecoveryMethod{}, fmt.Errorf("failed to encode recovery method: %w", err)
	}
	if err := r.store.Put(ctx, key, data); err != nil {
		return interfaces.RecoveryMethod{}, fmt.Errorf("failed to store recovery method: %w", err)
	}

	r.log.Info("recovery method registered",
		slog.String("account", method.Account.String()),
		slog.String("identity", method.Identity.UID()),
		slog.String("publicKey", method.PublicKey))
	return method, nil
}

// Lookup returns the stored method for the pair or ErrMethodNotFound.
func (r *Registry) Lookup(ctx context.Context, account interfaces.AccountID, identity interfaces.Identity) (interfaces.RecoveryMethod, error) {
	method, err := r.getRow(ctx, RowKey(account, identity))
	if errors.Is(err, interfaces.ErrRowNotFound) {
		return interfaces.RecoveryMethod{}, fmt.Errorf("%w: no method for %s / %s", interfaces.ErrMethodNotFound, account, identity.UID())
	}
	return method, err
}

// Revoke removes the method for the pair. Revoking a missing row is a no-op.
func (r *Registry) Revoke(ctx context.Context, account interfaces.AccountID, identity interfaces.Identity) error {
	key := RowKey(account, identity)
	unlock := r.lockRow(key)
	defer unlock()

	if err := r.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to revoke recovery method: %w", err)
	}
	r.log.Info("recovery method revoked",
		slog.String("account", account.String()),
		slog.String("identity", identity.UID()))
	return nil
}

func (r *Registry) getRow(ctx context.Context, key string) (interfaces.RecoveryMethod, error) {
	data, err := r.store.Get(ctx, key)
	if err != nil {
		return interfaces.RecoveryMethod{}, err
	}
	var method interfaces.RecoveryMethod
	if err := cbor.Unmarshal(data, &method); err != nil {
		return interfaces.RecoveryMethod{}, fmt.Errorf("failed to decode recovery method row: %w", err)
	}
	return method, nil
}
