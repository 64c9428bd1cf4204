package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quorumkey/recovery-backend/interfaces"
	"github.com/quorumkey/recovery-backend/mpckeys"
)

const (
	// DefaultSessionTimeout bounds a single signing attempt.
	DefaultSessionTimeout = 30 * time.Second
	// DefaultMaxAttempts bounds how often a session retries with a fresh
	// nonce after excluding a misbehaving signer.
	DefaultMaxAttempts = 3
)

// Recorder receives session lifecycle events. The metrics package provides
// the Prometheus implementation; a nil Recorder disables recording.
type Recorder interface {
	SessionStarted(intent string)
	SessionFinished(intent, status string)
	VerificationFailed(intent string)
}

// Config wires a Coordinator.
type Config struct {
	Verifier  *RequestVerifier
	Transport PeerTransport
	Group     *mpckeys.GroupParams
	// Peers lists every other node in the group.
	Peers          []interfaces.NodeID
	SessionTimeout time.Duration
	MaxAttempts    uint32
	Recorder       Recorder
	Log            *slog.Logger
}

// Coordinator drives signing sessions from the initiating node's side. The
// session walks Collecting -> QuorumReached -> Finalized, with TimedOut when
// the quorum never forms and Aborted when misbehavior exhausts the attempt
// budget. The coordinator itself always contributes as one of the signers.
type Coordinator struct {
	verifier    *RequestVerifier
	signer      interfaces.ShareSigner
	transport   PeerTransport
	group       *mpckeys.GroupParams
	peers       []interfaces.NodeID
	timeout     time.Duration
	maxAttempts uint32
	recorder    Recorder
	log         *slog.Logger
}

// Result is a finished session.
type Result struct {
	Session      string
	Status       interfaces.SessionStatus
	Identity     interfaces.Identity
	Signature    interfaces.Signature
	RecoveryKey  interfaces.PublicKey
	Payload      []byte
	Participants []interfaces.NodeID

	// Replayed marks an add_method request that matched an existing
	// registration. No signing ran and Signature is zero.
	Replayed bool
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Verifier == nil || cfg.Transport == nil || cfg.Group == nil {
		return nil, fmt.Errorf("coordinator requires a verifier, a transport and group parameters")
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	return &Coordinator{
		verifier:    cfg.Verifier,
		signer:      cfg.Verifier.Signer,
		transport:   cfg.Transport,
		group:       cfg.Group,
		peers:       cfg.Peers,
		timeout:     cfg.SessionTimeout,
		maxAttempts: cfg.MaxAttempts,
		recorder:    cfg.Recorder,
		log:         cfg.Log,
	}, nil
}

// Sign runs a complete signing session for the request and returns the
// finalized signature. On failure the returned Result still carries the
// terminal session status.
func (c *Coordinator) Sign(ctx context.Context, req Request) (*Result, error) {
	session := uuid.New().String()
	intent := req.Intent.String()
	c.recorder.SessionStarted(intent)
	log := c.log.With(slog.String("session", session), slog.String("intent", intent))

	verified, err := c.verifier.Verify(ctx, req, session)
	if err != nil {
		c.recorder.VerificationFailed(intent)
		c.recorder.SessionFinished(intent, interfaces.SessionAborted.String())
		return &Result{Session: session, Status: interfaces.SessionAborted}, err
	}

	result := &Result{
		Session:     session,
		Status:      interfaces.SessionCollecting,
		Identity:    verified.Identity,
		RecoveryKey: verified.RecoveryKey,
		Payload:     verified.Payload,
	}
	defer func() {
		c.recorder.SessionFinished(intent, result.Status.String())
	}()

	if verified.Replayed {
		result.Status = interfaces.SessionFinalized
		result.Replayed = true
		log.Info("recovery method already registered, skipping signing",
			slog.String("account", req.Account.String()))
		return result, nil
	}

	commitReq := CommitRequest{Session: session, Request: req}
	excluded := make(map[interfaces.NodeID]error)

	for attempt := uint32(0); attempt < c.maxAttempts; attempt++ {
		if c.group.N()-len(excluded) < c.group.Threshold() {
			// Nodes excluded for unreachability may come back; report that
			// as a retryable timeout rather than a hard abort.
			unreachable := false
			for _, cause := range excluded {
				if errors.Is(cause, interfaces.ErrNodeUnreachable) {
					unreachable = true
					break
				}
			}
			if unreachable {
				result.Status = interfaces.SessionTimedOut
				c.abortPeers(session, "not enough reachable signers remain")
				return result, fmt.Errorf("%w: excluded signers leave no quorum", interfaces.ErrQuorumTimeout)
			}
			result.Status = interfaces.SessionAborted
			c.abortPeers(session, "not enough honest signers remain")
			return result, fmt.Errorf("%w: excluded signers leave no quorum", interfaces.ErrConflictingPartial)
		}

		commitReq.Attempt = attempt
		sig, signers, retry, err := c.runAttempt(ctx, log, commitReq, verified, excluded)
		switch {
		case err == nil:
			result.Status = interfaces.SessionFinalized
			result.Signature = sig
			result.Participants = signers
			log.Info("session finalized",
				slog.String("account", commitReq.Request.Account.String()),
				slog.Uint64("attempt", uint64(attempt)))
			return result, nil
		case !retry:
			if errors.Is(err, interfaces.ErrQuorumTimeout) {
				result.Status = interfaces.SessionTimedOut
			} else {
				result.Status = interfaces.SessionAborted
			}
			c.abortPeers(session, err.Error())
			return result, err
		default:
			log.Warn("signing attempt failed, retrying with fresh nonces", "err", err,
				slog.Uint64("attempt", uint64(attempt)))
		}
	}

	result.Status = interfaces.SessionAborted
	c.abortPeers(session, "attempt budget exhausted")
	return result, fmt.Errorf("%w: attempt budget exhausted", interfaces.ErrConflictingPartial)
}

// runAttempt performs one commit-then-sign round. It returns retry=true when
// a misbehaving or unreachable signer was excluded and the session should
// try again with fresh nonces, and retry=false when the quorum never formed.
func (c *Coordinator) runAttempt(
	ctx context.Context,
	log *slog.Logger,
	commitReq CommitRequest,
	verified *VerifiedRequest,
	excluded map[interfaces.NodeID]error,
) (interfaces.Signature, []interfaces.NodeID, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Collecting: gather nonce commitments, own one first.
	ownCommitment, err := c.signer.Commit(commitReq.Session, commitReq.Attempt)
	if err != nil {
		return interfaces.Signature{}, nil, false, fmt.Errorf("own commitment: %w", err)
	}
	commitments := map[interfaces.NodeID][]byte{c.signer.NodeID(): ownCommitment}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(attemptCtx)
	for _, peer := range c.peers {
		if _, ok := excluded[peer]; ok {
			continue
		}
		peer := peer
		g.Go(func() error {
			resp, err := c.transport.Commit(gctx, peer, commitReq)
			if err != nil {
				log.Warn("peer did not commit", slog.Uint64("peer", uint64(peer)), "err", err)
				return nil // unreachable peers just shrink the candidate set
			}
			if resp.Node != peer {
				// A response claiming another node's ID could overwrite an
				// honest commitment. Drop it; the peer just fails to commit.
				log.Warn("peer answered with a foreign node id",
					slog.Uint64("peer", uint64(peer)), slog.Uint64("claimed", uint64(resp.Node)))
				return nil
			}
			mu.Lock()
			commitments[peer] = resp.Commitment
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	threshold := c.group.Threshold()
	if len(commitments) < threshold {
		return interfaces.Signature{}, nil, false,
			fmt.Errorf("%w: %d of %d required commitments", interfaces.ErrQuorumTimeout, len(commitments), threshold)
	}

	// QuorumReached: fix the signer set to the lowest-ID committed nodes
	// and request partials over the verified digest.
	signers := lowestIDs(commitments, threshold)
	signerCommitments := make(map[interfaces.NodeID][]byte, threshold)
	for _, id := range signers {
		signerCommitments[id] = commitments[id]
	}

	partialReq := PartialRequest{
		Session:     commitReq.Session,
		Attempt:     commitReq.Attempt,
		Digest:      verified.Digest,
		Signers:     signers,
		Commitments: signerCommitments,
	}

	partials, badSigner, err := c.collectPartials(attemptCtx, log, partialReq, commitReq.Request.Account, verified)
	if err != nil {
		if badSigner != 0 {
			excluded[badSigner] = err
			return interfaces.Signature{}, nil, true, err
		}
		return interfaces.Signature{}, nil, false, err
	}

	groupCommitment, err := mpckeys.CombineCommitments(signerCommitments)
	if err != nil {
		return interfaces.Signature{}, nil, false, err
	}
	sig, err := mpckeys.CombinePartials(groupCommitment, partials)
	if err != nil {
		return interfaces.Signature{}, nil, false, err
	}
	if err := mpckeys.VerifySignature(sig, verified.RecoveryKey, verified.Digest); err != nil {
		return interfaces.Signature{}, nil, false, fmt.Errorf("combined signature rejected: %w", err)
	}
	return sig, signers, false, nil
}

// collectPartials gathers and verifies each signer's partial. Every partial
// is checked against the signer's derived public share before it is allowed
// into the combination, so a single bad partial is attributable: the
// offending node is returned for exclusion instead of poisoning the result.
func (c *Coordinator) collectPartials(
	ctx context.Context,
	log *slog.Logger,
	req PartialRequest,
	account interfaces.AccountID,
	verified *VerifiedRequest,
) (map[interfaces.NodeID][]byte, interfaces.NodeID, error) {
	groupCommitment, err := mpckeys.CombineCommitments(req.Commitments)
	if err != nil {
		return nil, 0, err
	}
	challenge := mpckeys.Challenge(groupCommitment, verified.RecoveryKey.Data, req.Digest)

	partials := make(map[interfaces.NodeID][]byte, len(req.Signers))
	var firstBad interfaces.NodeID
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, signer := range req.Signers {
		signer := signer
		g.Go(func() error {
			var partial []byte
			if signer == c.signer.NodeID() {
				own, err := c.signer.SignPartial(req.Session, req.Attempt, req.Digest,
					req.Signers, req.Commitments, account, verified.Identity)
				if err != nil {
					return fmt.Errorf("own partial: %w", err)
				}
				partial = own
			} else {
				resp, err := c.transport.Partial(gctx, signer, req)
				if err != nil {
					// A node that committed but cannot deliver its partial is
					// excluded like a misbehaving one: a spare committed node
					// can take its slot on the next attempt.
					mu.Lock()
					if firstBad == 0 {
						firstBad = signer
					}
					mu.Unlock()
					return fmt.Errorf("partial from node %d: %w", signer, err)
				}
				if resp.Node != signer {
					log.Warn("peer answered with a foreign node id",
						slog.Uint64("peer", uint64(signer)), slog.Uint64("claimed", uint64(resp.Node)))
					mu.Lock()
					if firstBad == 0 {
						firstBad = signer
					}
					mu.Unlock()
					return fmt.Errorf("%w: node %d answered as node %d", interfaces.ErrConflictingPartial, signer, resp.Node)
				}
				partial = resp.Partial
			}

			if err := c.verifyPartial(signer, partial, req, &challenge, account, verified); err != nil {
				log.Warn("rejecting invalid partial", slog.Uint64("peer", uint64(signer)), "err", err)
				mu.Lock()
				if firstBad == 0 {
					firstBad = signer
				}
				mu.Unlock()
				return fmt.Errorf("%w: node %d", interfaces.ErrConflictingPartial, signer)
			}

			mu.Lock()
			partials[signer] = partial
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, firstBad, err
	}
	return partials, 0, nil
}

func (c *Coordinator) verifyPartial(
	signer interfaces.NodeID,
	partial []byte,
	req PartialRequest,
	challenge *secp256k1.ModNScalar,
	account interfaces.AccountID,
	verified *VerifiedRequest,
) error {
	publicShare, err := c.group.DerivedPublicShare(signer, account, verified.Identity)
	if err != nil {
		return err
	}
	lambda, err := mpckeys.LagrangeCoefficient(signer, req.Signers)
	if err != nil {
		return err
	}
	return mpckeys.VerifyPartial(partial, req.Commitments[signer], publicShare, challenge, &lambda)
}

// abortPeers tells every peer to drop the session. Best effort: peers also
// expire the state on their own.
func (c *Coordinator) abortPeers(session, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	notice := AbortNotice{Session: session, Reason: reason}
	for _, peer := range c.peers {
		if err := c.transport.Abort(ctx, peer, notice); err != nil {
			c.log.Debug("abort notice not delivered", slog.Uint64("peer", uint64(peer)), "err", err)
		}
	}
}

// lowestIDs returns the threshold lowest node IDs with commitments. Keeping
// the choice deterministic makes session transcripts reproducible.
func lowestIDs(commitments map[interfaces.NodeID][]byte, threshold int) []interfaces.NodeID {
	ids := make([]interfaces.NodeID, 0, len(commitments))
	for id := range commitments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids[:threshold]
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted(string)          {}
func (nopRecorder) SessionFinished(string, string) {}
func (nopRecorder) VerificationFailed(string)      {}
