package registry

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumkey/recovery-backend/interfaces"
	"github.com/quorumkey/recovery-backend/storage"
)

var (
	testAccount  = interfaces.AccountID("alice.near")
	testIdentity = interfaces.Identity{Provider: "google", Subject: "alice@example.com"}
)

func testMethod(publicKey string) interfaces.RecoveryMethod {
	return interfaces.RecoveryMethod{
		Account:      testAccount,
		Identity:     testIdentity,
		PublicKey:    publicKey,
		Participants: []interfaces.NodeID{1, 2, 3},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New(storage.NewMemoryStore(), slog.Default())
	ctx := context.Background()

	stored, err := r.Register(ctx, testMethod("secp256k1:abc"))
	require.NoError(t, err)
	assert.False(t, stored.CreatedAt.IsZero())

	found, err := r.Lookup(ctx, testAccount, testIdentity)
	require.NoError(t, err)
	assert.Equal(t, stored, found)
}

func TestRegisterIdempotentReplay(t *testing.T) {
	r := New(storage.NewMemoryStore(), slog.Default())
	ctx := context.Background()

	first, err := r.Register(ctx, testMethod("secp256k1:abc"))
	require.NoError(t, err)

	replay, err := r.Register(ctx, testMethod("secp256k1:abc"))
	require.NoError(t, err)
	assert.Equal(t, first, replay, "identical re-register must return the original row")
}

func TestRegisterFirstWriterWins(t *testing.T) {
	r := New(storage.NewMemoryStore(), slog.Default())
	ctx := context.Background()

	first, err := r.Register(ctx, testMethod("secp256k1:abc"))
	require.NoError(t, err)

	stored, err := r.Register(ctx, testMethod("secp256k1:other"))
	assert.ErrorIs(t, err, interfaces.ErrAlreadyExists)
	assert.Equal(t, first, stored, "conflicting register must surface the winning row")

	found, err := r.Lookup(ctx, testAccount, testIdentity)
	require.NoError(t, err)
	assert.Equal(t, "secp256k1:abc", found.PublicKey)
}

func TestRegisterConcurrentSamePair(t *testing.T) {
	r := New(storage.NewMemoryStore(), slog.Default())
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "secp256k1:abc"
			if i%2 == 1 {
				key = "secp256k1:other"
			}
			_, results[i] = r.Register(ctx, testMethod(key))
		}(i)
	}
	wg.Wait()

	// Exactly one key won; every attempt with the other key conflicted.
	winner, err := r.Lookup(ctx, testAccount, testIdentity)
	require.NoError(t, err)
	conflicts := 0
	for _, err := range results {
		if err != nil {
			assert.ErrorIs(t, err, interfaces.ErrAlreadyExists)
			conflicts++
		}
	}
	assert.Equal(t, 8, conflicts, "all registrations for the losing key must conflict, winner: %s", winner.PublicKey)
}

func TestLookupMissing(t *testing.T) {
	r := New(storage.NewMemoryStore(), slog.Default())

	_, err := r.Lookup(context.Background(), testAccount, testIdentity)
	assert.ErrorIs(t, err, interfaces.ErrMethodNotFound)
}

func TestRevoke(t *testing.T) {
	r := New(storage.NewMemoryStore(), slog.Default())
	ctx := context.Background()

	_, err := r.Register(ctx, testMethod("secp256k1:abc"))
	require.NoError(t, err)

	require.NoError(t, r.Revoke(ctx, testAccount, testIdentity))
	_, err = r.Lookup(ctx, testAccount, testIdentity)
	assert.ErrorIs(t, err, interfaces.ErrMethodNotFound)

	// Revoking again is a no-op.
	require.NoError(t, r.Revoke(ctx, testAccount, testIdentity))

	// The pair can be bound anew after revocation.
	rebound, err := r.Register(ctx, testMethod("secp256k1:abc"))
	require.NoError(t, err)
	assert.Equal(t, "secp256k1:abc", rebound.PublicKey)
}

func TestRegisterRejectsInvalidMethods(t *testing.T) {
	r := New(storage.NewMemoryStore(), slog.Default())
	ctx := context.Background()

	m := testMethod("secp256k1:abc")
	m.Identity = interfaces.Identity{}
	_, err := r.Register(ctx, m)
	assert.Error(t, err)

	m = testMethod("")
	_, err = r.Register(ctx, m)
	assert.Error(t, err)
}

func TestRowKeySeparatesPairs(t *testing.T) {
	base := RowKey(testAccount, testIdentity)

	assert.NotEqual(t, base, RowKey("bob.near", testIdentity))
	assert.NotEqual(t, base, RowKey(testAccount, interfaces.Identity{Provider: "github", Subject: "alice@example.com"}))
	// Shifting a byte across the part boundary must not collide.
	assert.NotEqual(t,
		RowKey("alice.nearx", interfaces.Identity{Provider: "google", Subject: "s"}),
		RowKey("alice.near", interfaces.Identity{Provider: "xgoogle", Subject: "s"}))

	assert.Len(t, base, 32)
}
