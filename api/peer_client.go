package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/quorumkey/recovery-backend/coordinator"
	"github.com/quorumkey/recovery-backend/interfaces"
)

// HTTPPeerTransport implements coordinator.PeerTransport over the peer API.
// Requests are signed with this node's transport key; responses must verify
// against the peer's published key. Transient transport failures are retried
// briefly, which is safe because commits are idempotent per attempt and
// partial signing either succeeds once or fails permanently.
type HTTPPeerTransport struct {
	Directory  *PeerDirectory
	Self       interfaces.NodeID
	PrivateKey ed25519.PrivateKey
	HTTPClient *http.Client
	MaxRetries uint64
	Log        *slog.Logger
}

func NewHTTPPeerTransport(directory *PeerDirectory, self interfaces.NodeID, priv ed25519.PrivateKey, log *slog.Logger) *HTTPPeerTransport {
	return &HTTPPeerTransport{
		Directory:  directory,
		Self:       self,
		PrivateKey: priv,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		MaxRetries: 2,
		Log:        log,
	}
}

func (t *HTTPPeerTransport) Commit(ctx context.Context, peer interfaces.NodeID, req coordinator.CommitRequest) (coordinator.CommitResponse, error) {
	var resp coordinator.CommitResponse
	err := t.roundTrip(ctx, peer, "/peer/v1/commit", coordinator.MsgCommit, req, &resp)
	return resp, err
}

func (t *HTTPPeerTransport) Partial(ctx context.Context, peer interfaces.NodeID, req coordinator.PartialRequest) (coordinator.PartialResponse, error) {
	var resp coordinator.PartialResponse
	err := t.roundTrip(ctx, peer, "/peer/v1/partial", coordinator.MsgPartial, req, &resp)
	return resp, err
}

func (t *HTTPPeerTransport) Abort(ctx context.Context, peer interfaces.NodeID, notice coordinator.AbortNotice) error {
	return t.roundTrip(ctx, peer, "/peer/v1/abort", coordinator.MsgAbort, notice, nil)
}

func (t *HTTPPeerTransport) roundTrip(ctx context.Context, peer interfaces.NodeID, path string, msgType uint8, msg, result any) error {
	info, err := t.Directory.lookup(peer)
	if err != nil {
		return err
	}

	env, err := coordinator.SealEnvelope(t.Self, msgType, msg, t.PrivateKey)
	if err != nil {
		return err
	}
	body, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("could not encode peer envelope: %w", err)
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, info.URL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("could not initialize request: %w", err))
		}
		req.Header.Set("Content-Type", contentTypeCBOR)

		resp, err := t.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: node %d: %v", interfaces.ErrNodeUnreachable, peer, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return fmt.Errorf("could not read peer response: %w", err)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("node %d returned %d: %s", peer, resp.StatusCode, string(respBody))
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("node %d rejected request: %d %s", peer, resp.StatusCode, string(respBody)))
		}
		if result == nil {
			return nil
		}

		var respEnv coordinator.Envelope
		if err := cbor.Unmarshal(respBody, &respEnv); err != nil {
			return backoff.Permanent(fmt.Errorf("could not parse peer response envelope: %w", err))
		}
		if respEnv.Sender != peer {
			return backoff.Permanent(fmt.Errorf("%w: response claims sender %d, expected %d", interfaces.ErrInvalidSignature, respEnv.Sender, peer))
		}
		if err := respEnv.Open(info.PublicKey, result); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), t.MaxRetries), ctx)
	return backoff.Retry(operation, bo)
}
