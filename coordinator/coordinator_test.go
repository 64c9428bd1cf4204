package coordinator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumkey/recovery-backend/chainclient"
	"github.com/quorumkey/recovery-backend/identity"
	"github.com/quorumkey/recovery-backend/interfaces"
	"github.com/quorumkey/recovery-backend/kms"
	"github.com/quorumkey/recovery-backend/mpckeys"
	"github.com/quorumkey/recovery-backend/ownership"
	"github.com/quorumkey/recovery-backend/registry"
	"github.com/quorumkey/recovery-backend/storage"
)

const (
	clusterSize   = 4
	clusterQuorum = 3
	testToken     = "validToken"
)

var testIdentity = interfaces.Identity{Provider: "google", Subject: "alice@example.com"}

// clusterNode is one fully wired recovery node sharing a chain with the rest
// of its cluster.
type clusterNode struct {
	signer      *kms.NodeKMS
	registry    *registry.Registry
	participant *Participant
}

type cluster struct {
	group     *mpckeys.GroupParams
	chain     *chainclient.MockChain
	transport *LocalTransport
	nodes     map[interfaces.NodeID]*clusterNode
	coord     *Coordinator

	account  interfaces.AccountID
	userPriv ed25519.PrivateKey
	userKey  interfaces.PublicKey
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	log := slog.Default()

	group, shares, err := mpckeys.Deal(rand.Reader, clusterSize, clusterQuorum)
	require.NoError(t, err)

	userPub, userPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	userKey := interfaces.PublicKey{Curve: interfaces.KeyCurveEd25519, Data: userPub}

	c := &cluster{
		group:     group,
		chain:     chainclient.NewMockChain(),
		transport: NewLocalTransport(),
		nodes:     make(map[interfaces.NodeID]*clusterNode),
		account:   "alice.near",
		userPriv:  userPriv,
		userKey:   userKey,
	}
	c.chain.AddAccount(c.account, userKey)

	for _, share := range shares {
		signer, err := kms.NewNodeKMS(group, share)
		require.NoError(t, err)

		reg := registry.New(storage.NewMemoryStore(), log)
		signer.SetStoredKeyLookup(func(ctx context.Context, account interfaces.AccountID, id interfaces.Identity) (interfaces.PublicKey, bool, error) {
			method, err := reg.Lookup(ctx, account, id)
			if errors.Is(err, interfaces.ErrMethodNotFound) {
				return interfaces.PublicKey{}, false, nil
			}
			if err != nil {
				return interfaces.PublicKey{}, false, err
			}
			stored, err := interfaces.NewPublicKeyFromString(method.PublicKey)
			return stored, err == nil, err
		})

		verifier := &RequestVerifier{
			Identity:  identity.NewStaticVerifier().AddToken(testToken, testIdentity),
			Ownership: ownership.NewVerifier(c.chain, time.Minute, log),
			Registry:  reg,
			Signer:    signer,
			Log:       log,
		}
		node := &clusterNode{
			signer:      signer,
			registry:    reg,
			participant: NewParticipant(verifier, time.Minute, log),
		}
		c.nodes[share.ID] = node
		if share.ID != 1 {
			c.transport.AddPeer(share.ID, node.participant)
		}
	}

	coord, err := New(Config{
		Verifier:       c.nodes[1].participant.verifier,
		Transport:      c.transport,
		Group:          group,
		Peers:          []interfaces.NodeID{2, 3, 4},
		SessionTimeout: 2 * time.Second,
		Log:            log,
	})
	require.NoError(t, err)
	c.coord = coord
	return c
}

func (c *cluster) addMethodRequest(t *testing.T) Request {
	t.Helper()
	nonce := make([]byte, 32)
	_, err := rand.Read(nonce)
	require.NoError(t, err)

	proof := interfaces.BindingProof{
		AccessToken: testToken,
		SigningKey:  c.userKey.String(),
		Nonce:       nonce,
		Timestamp:   time.Now().Unix(),
	}
	proof.Signature = ownership.SignBinding(c.userPriv, c.account, proof)

	return Request{
		Intent:      IntentAddMethod,
		Account:     c.account,
		AccessToken: testToken,
		Proof:       proof,
	}
}

func (c *cluster) recoverRequest(t *testing.T) Request {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	newKey := interfaces.PublicKey{Curve: interfaces.KeyCurveEd25519, Data: pub}

	return Request{
		Intent:      IntentRecover,
		Account:     c.account,
		AccessToken: testToken,
		NewKey:      newKey.String(),
	}
}

func TestAddMethodFinalizesOnAllNodes(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()

	result, err := c.coord.Sign(ctx, c.addMethodRequest(t))
	require.NoError(t, err)
	assert.Equal(t, interfaces.SessionFinalized, result.Status)
	assert.Len(t, result.Participants, clusterQuorum)

	// The signature is a valid Schnorr signature under the derived key.
	digest := mpckeys.MessageDigest(result.Payload)
	require.NoError(t, mpckeys.VerifySignature(result.Signature, result.RecoveryKey, digest))

	// Every node that verified the request derived the identical key and
	// registered the identical row.
	expected, err := c.group.RecoveryPublicKey(c.account, testIdentity)
	require.NoError(t, err)
	assert.Equal(t, expected, result.RecoveryKey)
	for id, node := range c.nodes {
		method, err := node.registry.Lookup(ctx, c.account, testIdentity)
		require.NoError(t, err, "node %d has no registry row", id)
		assert.Equal(t, expected.String(), method.PublicKey, "node %d", id)
	}
}

func TestAddMethodIdempotentReplay(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()

	first, err := c.coord.Sign(ctx, c.addMethodRequest(t))
	require.NoError(t, err)

	// A fresh submission for the same pair converges on the same key
	// without running another signing session.
	second, err := c.coord.Sign(ctx, c.addMethodRequest(t))
	require.NoError(t, err)
	assert.Equal(t, first.RecoveryKey, second.RecoveryKey)
	assert.NotEqual(t, first.Session, second.Session)
	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Empty(t, second.Participants)
	assert.Equal(t, interfaces.Signature{}, second.Signature)
}

func TestRecoverWithOneNodeDown(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()

	_, err := c.coord.Sign(ctx, c.addMethodRequest(t))
	require.NoError(t, err)

	c.transport.SetDown(3, true)

	result, err := c.coord.Sign(ctx, c.recoverRequest(t))
	require.NoError(t, err)
	assert.Equal(t, interfaces.SessionFinalized, result.Status)
	assert.NotContains(t, result.Participants, interfaces.NodeID(3))

	digest := mpckeys.MessageDigest(result.Payload)
	require.NoError(t, mpckeys.VerifySignature(result.Signature, result.RecoveryKey, digest))
}

func TestRecoverTimesOutBelowQuorum(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()

	_, err := c.coord.Sign(ctx, c.addMethodRequest(t))
	require.NoError(t, err)

	c.transport.SetDown(3, true)
	c.transport.SetDown(4, true)

	result, err := c.coord.Sign(ctx, c.recoverRequest(t))
	assert.ErrorIs(t, err, interfaces.ErrQuorumTimeout)
	assert.Equal(t, interfaces.SessionTimedOut, result.Status)

	// Once a node returns, a retried request finalizes.
	c.transport.SetDown(3, false)
	result, err = c.coord.Sign(ctx, c.recoverRequest(t))
	require.NoError(t, err)
	assert.Equal(t, interfaces.SessionFinalized, result.Status)
}

func TestByzantineSignerIsExcluded(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()

	_, err := c.coord.Sign(ctx, c.addMethodRequest(t))
	require.NoError(t, err)

	// Node 3 returns garbage partials; the session must finish without it.
	c.transport.InterceptPartial = func(peer interfaces.NodeID, resp PartialResponse) PartialResponse {
		if peer == 3 {
			resp.Partial = make([]byte, 32)
		}
		return resp
	}

	result, err := c.coord.Sign(ctx, c.recoverRequest(t))
	require.NoError(t, err)
	assert.Equal(t, interfaces.SessionFinalized, result.Status)
	assert.NotContains(t, result.Participants, interfaces.NodeID(3))

	digest := mpckeys.MessageDigest(result.Payload)
	require.NoError(t, mpckeys.VerifySignature(result.Signature, result.RecoveryKey, digest))
}

func TestForgedCommitResponseIsIgnored(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()

	_, err := c.coord.Sign(ctx, c.addMethodRequest(t))
	require.NoError(t, err)

	// Node 4 answers commits under node 2's ID. The forged response must
	// not displace node 2's honest commitment.
	c.transport.InterceptCommit = func(peer interfaces.NodeID, resp CommitResponse) CommitResponse {
		if peer == 4 {
			resp.Node = 2
			resp.Commitment = make([]byte, len(resp.Commitment))
		}
		return resp
	}

	result, err := c.coord.Sign(ctx, c.recoverRequest(t))
	require.NoError(t, err)
	assert.Equal(t, interfaces.SessionFinalized, result.Status)
	assert.Equal(t, []interfaces.NodeID{1, 2, 3}, result.Participants)

	digest := mpckeys.MessageDigest(result.Payload)
	require.NoError(t, mpckeys.VerifySignature(result.Signature, result.RecoveryKey, digest))
}

func TestForgedPartialResponseExcludesSender(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()

	_, err := c.coord.Sign(ctx, c.addMethodRequest(t))
	require.NoError(t, err)

	// Node 3 answers partials under node 2's ID; it is excluded and the
	// session finishes without it.
	c.transport.InterceptPartial = func(peer interfaces.NodeID, resp PartialResponse) PartialResponse {
		if peer == 3 {
			resp.Node = 2
		}
		return resp
	}

	result, err := c.coord.Sign(ctx, c.recoverRequest(t))
	require.NoError(t, err)
	assert.Equal(t, interfaces.SessionFinalized, result.Status)
	assert.NotContains(t, result.Participants, interfaces.NodeID(3))

	digest := mpckeys.MessageDigest(result.Payload)
	require.NoError(t, mpckeys.VerifySignature(result.Signature, result.RecoveryKey, digest))
}

func TestPartialOutageFallsBackToSpareNode(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()

	_, err := c.coord.Sign(ctx, c.addMethodRequest(t))
	require.NoError(t, err)

	// Node 3 commits but cannot deliver its partial. The committed spare
	// node 4 takes its slot on the retry.
	c.transport.SetPartialDown(3, true)

	result, err := c.coord.Sign(ctx, c.recoverRequest(t))
	require.NoError(t, err)
	assert.Equal(t, interfaces.SessionFinalized, result.Status)
	assert.Equal(t, []interfaces.NodeID{1, 2, 4}, result.Participants)

	digest := mpckeys.MessageDigest(result.Payload)
	require.NoError(t, mpckeys.VerifySignature(result.Signature, result.RecoveryKey, digest))

	// With a second partial outage no quorum remains; that is a retryable
	// timeout, not a hard abort.
	c.transport.SetPartialDown(4, true)
	result, err = c.coord.Sign(ctx, c.recoverRequest(t))
	assert.ErrorIs(t, err, interfaces.ErrQuorumTimeout)
	assert.Equal(t, interfaces.SessionTimedOut, result.Status)
}

func TestRecoverUnregisteredPairFails(t *testing.T) {
	c := newCluster(t)

	_, err := c.coord.Sign(context.Background(), c.recoverRequest(t))
	assert.ErrorIs(t, err, interfaces.ErrMethodNotFound)
}

func TestRejectedTokenNeverReachesSigning(t *testing.T) {
	c := newCluster(t)

	req := c.addMethodRequest(t)
	req.AccessToken = "forgedToken"
	result, err := c.coord.Sign(context.Background(), req)
	assert.ErrorIs(t, err, interfaces.ErrInvalidToken)
	assert.Equal(t, interfaces.SessionAborted, result.Status)
}

func TestParticipantCommitIdempotent(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()

	req := CommitRequest{Session: "sess-1", Attempt: 0, Request: c.addMethodRequest(t)}
	p := c.nodes[2].participant

	first, err := p.HandleCommit(ctx, req)
	require.NoError(t, err)
	second, err := p.HandleCommit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Commitment, second.Commitment)

	// A new attempt gets a fresh nonce.
	req.Attempt = 1
	third, err := p.HandleCommit(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.Commitment, third.Commitment)
}

func TestParticipantRefusesForeignDigest(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	p := c.nodes[2].participant

	commitReq := CommitRequest{Session: "sess-2", Attempt: 0, Request: c.addMethodRequest(t)}
	resp, err := p.HandleCommit(ctx, commitReq)
	require.NoError(t, err)

	var foreign [32]byte
	foreign[0] = 0xff
	_, err = p.HandlePartial(ctx, PartialRequest{
		Session:     "sess-2",
		Attempt:     0,
		Digest:      foreign,
		Signers:     []interfaces.NodeID{1, 2, 3},
		Commitments: map[interfaces.NodeID][]byte{2: resp.Commitment},
	})
	assert.ErrorIs(t, err, interfaces.ErrConflictingPartial)
}

func TestParticipantUnknownSession(t *testing.T) {
	c := newCluster(t)

	_, err := c.nodes[2].participant.HandlePartial(context.Background(), PartialRequest{Session: "never-seen"})
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	msg := AbortNotice{Session: "sess-3", Reason: "test"}
	env, err := SealEnvelope(5, MsgAbort, msg, priv)
	require.NoError(t, err)

	var decoded AbortNotice
	require.NoError(t, env.Open(pub, &decoded))
	assert.Equal(t, msg, decoded)

	// A tampered payload fails verification.
	env.Payload = append(env.Payload, 0x00)
	assert.ErrorIs(t, env.Open(pub, &decoded), interfaces.ErrInvalidSignature)

	// A different sender's key fails verification.
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	env, err = SealEnvelope(5, MsgAbort, msg, priv)
	require.NoError(t, err)
	assert.ErrorIs(t, env.Open(otherPub, &decoded), interfaces.ErrInvalidSignature)
}
