package coordinator

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quorumkey/recovery-backend/interfaces"
)

// DefaultSessionTTL bounds how long a participant keeps state for a session
// the coordinator never finished or aborted.
const DefaultSessionTTL = 10 * time.Minute

type participantSession struct {
	verified  *VerifiedRequest
	account   interfaces.AccountID
	expiresAt time.Time
}

// Participant is the peer side of a signing session. It verifies forwarded
// requests from scratch, hands out nonce commitments, and signs partials
// only over the digest it computed itself.
type Participant struct {
	verifier *RequestVerifier
	signer   interfaces.ShareSigner
	log      *slog.Logger

	ttl      time.Duration
	mu       sync.Mutex
	sessions map[string]*participantSession
}

func NewParticipant(verifier *RequestVerifier, ttl time.Duration, log *slog.Logger) *Participant {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Participant{
		verifier: verifier,
		signer:   verifier.Signer,
		log:      log,
		ttl:      ttl,
		sessions: make(map[string]*participantSession),
	}
}

// HandleCommit verifies the forwarded request (once per session) and returns
// this node's nonce commitment for the attempt. Repeating a commit for the
// same attempt returns the same commitment.
func (p *Participant) HandleCommit(ctx context.Context, req CommitRequest) (CommitResponse, error) {
	sess, err := p.sessionFor(ctx, req)
	if err != nil {
		return CommitResponse{}, err
	}

	commitment, err := p.signer.Commit(req.Session, req.Attempt)
	if err != nil {
		return CommitResponse{}, err
	}

	p.log.Debug("committed to signing session",
		slog.String("session", req.Session),
		slog.Uint64("attempt", uint64(req.Attempt)),
		slog.String("account", sess.account.String()))
	return CommitResponse{Node: p.signer.NodeID(), Commitment: commitment}, nil
}

// HandlePartial signs this node's partial for an attempt it previously
// committed to. The coordinator's digest must match the one this node
// derived during its own verification, otherwise the request is refused.
func (p *Participant) HandlePartial(ctx context.Context, req PartialRequest) (PartialResponse, error) {
	p.mu.Lock()
	sess, ok := p.sessions[req.Session]
	p.mu.Unlock()
	if !ok {
		return PartialResponse{}, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, req.Session)
	}

	if subtle.ConstantTimeCompare(req.Digest[:], sess.verified.Digest[:]) != 1 {
		return PartialResponse{}, fmt.Errorf("%w: coordinator digest diverges from locally verified request", interfaces.ErrConflictingPartial)
	}

	partial, err := p.signer.SignPartial(req.Session, req.Attempt, sess.verified.Digest,
		req.Signers, req.Commitments, sess.account, sess.verified.Identity)
	if err != nil {
		return PartialResponse{}, err
	}

	return PartialResponse{Node: p.signer.NodeID(), Partial: partial}, nil
}

// HandleAbort discards session state. Unknown sessions are ignored.
func (p *Participant) HandleAbort(_ context.Context, notice AbortNotice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[notice.Session]; ok {
		delete(p.sessions, notice.Session)
		p.log.Debug("session aborted by coordinator",
			slog.String("session", notice.Session),
			slog.String("reason", notice.Reason))
	}
}

// sessionFor returns the cached session state, verifying the request first
// if this is the first time the session is seen. Later attempts within a
// session reuse the original verification, so retries do not trip replay
// protection or consume extra provider quota.
func (p *Participant) sessionFor(ctx context.Context, req CommitRequest) (*participantSession, error) {
	p.mu.Lock()
	p.sweepLocked()
	if sess, ok := p.sessions[req.Session]; ok {
		p.mu.Unlock()
		return sess, nil
	}
	p.mu.Unlock()

	// Verification happens outside the lock: it does network I/O against
	// the identity provider and the chain.
	verified, err := p.verifier.Verify(ctx, req.Request, req.Session)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[req.Session]; ok {
		return sess, nil
	}
	sess := &participantSession{
		verified:  verified,
		account:   req.Request.Account,
		expiresAt: time.Now().Add(p.ttl),
	}
	p.sessions[req.Session] = sess
	return sess, nil
}

func (p *Participant) sweepLocked() {
	now := time.Now()
	for id, sess := range p.sessions {
		if now.After(sess.expiresAt) {
			delete(p.sessions, id)
		}
	}
}
