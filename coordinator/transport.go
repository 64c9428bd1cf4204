package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/quorumkey/recovery-backend/interfaces"
)

// PeerTransport delivers session messages to a specific peer. The production
// implementation speaks signed CBOR envelopes over HTTP; tests wire
// participants together in-process.
type PeerTransport interface {
	Commit(ctx context.Context, peer interfaces.NodeID, req CommitRequest) (CommitResponse, error)
	Partial(ctx context.Context, peer interfaces.NodeID, req PartialRequest) (PartialResponse, error)
	Abort(ctx context.Context, peer interfaces.NodeID, notice AbortNotice) error
}

// LocalTransport connects participants directly without a network, for tests
// and single-process development clusters. Peers can be taken down to
// simulate outages, and responses can be intercepted to simulate Byzantine
// behavior.
type LocalTransport struct {
	mutex        sync.RWMutex
	participants map[interfaces.NodeID]*Participant
	down         map[interfaces.NodeID]bool
	downPartial  map[interfaces.NodeID]bool

	// InterceptCommit and InterceptPartial, when set, may rewrite a peer's
	// response before it reaches the coordinator.
	InterceptCommit  func(peer interfaces.NodeID, resp CommitResponse) CommitResponse
	InterceptPartial func(peer interfaces.NodeID, resp PartialResponse) PartialResponse
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		participants: make(map[interfaces.NodeID]*Participant),
		down:         make(map[interfaces.NodeID]bool),
		downPartial:  make(map[interfaces.NodeID]bool),
	}
}

func (t *LocalTransport) AddPeer(id interfaces.NodeID, p *Participant) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.participants[id] = p
}

// SetDown marks a peer unreachable.
func (t *LocalTransport) SetDown(id interfaces.NodeID, down bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.down[id] = down
}

// SetPartialDown makes a peer unreachable for partial requests only, so it
// still commits but then drops out of the session.
func (t *LocalTransport) SetPartialDown(id interfaces.NodeID, down bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.downPartial[id] = down
}

func (t *LocalTransport) peer(id interfaces.NodeID) (*Participant, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.down[id] {
		return nil, fmt.Errorf("%w: node %d is down", interfaces.ErrNodeUnreachable, id)
	}
	p, ok := t.participants[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown node %d", interfaces.ErrNodeUnreachable, id)
	}
	return p, nil
}

func (t *LocalTransport) Commit(ctx context.Context, peer interfaces.NodeID, req CommitRequest) (CommitResponse, error) {
	p, err := t.peer(peer)
	if err != nil {
		return CommitResponse{}, err
	}
	resp, err := p.HandleCommit(ctx, req)
	if err != nil {
		return CommitResponse{}, err
	}

	t.mutex.RLock()
	intercept := t.InterceptCommit
	t.mutex.RUnlock()
	if intercept != nil {
		resp = intercept(peer, resp)
	}
	return resp, nil
}

func (t *LocalTransport) Partial(ctx context.Context, peer interfaces.NodeID, req PartialRequest) (PartialResponse, error) {
	p, err := t.peer(peer)
	if err != nil {
		return PartialResponse{}, err
	}

	t.mutex.RLock()
	partialDown := t.downPartial[peer]
	t.mutex.RUnlock()
	if partialDown {
		return PartialResponse{}, fmt.Errorf("%w: node %d is down", interfaces.ErrNodeUnreachable, peer)
	}

	resp, err := p.HandlePartial(ctx, req)
	if err != nil {
		return PartialResponse{}, err
	}

	t.mutex.RLock()
	intercept := t.InterceptPartial
	t.mutex.RUnlock()
	if intercept != nil {
		resp = intercept(peer, resp)
	}
	return resp, nil
}

func (t *LocalTransport) Abort(ctx context.Context, peer interfaces.NodeID, notice AbortNotice) error {
	p, err := t.peer(peer)
	if err != nil {
		return err
	}
	p.HandleAbort(ctx, notice)
	return nil
}
