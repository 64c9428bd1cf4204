package api

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/fxamacker/cbor/v2"

	"github.com/quorumkey/recovery-backend/coordinator"
	"github.com/quorumkey/recovery-backend/interfaces"
)

const contentTypeCBOR = "application/cbor"

// PeerDirectory maps node IDs to their transport identity and endpoint.
type PeerDirectory struct {
	Peers map[interfaces.NodeID]PeerInfo
}

type PeerInfo struct {
	URL       string
	PublicKey ed25519.PublicKey
}

func (d *PeerDirectory) lookup(id interfaces.NodeID) (PeerInfo, error) {
	info, ok := d.Peers[id]
	if !ok {
		return PeerInfo{}, fmt.Errorf("%w: unknown node %d", interfaces.ErrNodeUnreachable, id)
	}
	return info, nil
}

// PeerHandler serves the node-to-node session endpoints. Every request and
// response is a CBOR envelope signed with the sender's static transport key.
type PeerHandler struct {
	participant *coordinator.Participant
	directory   *PeerDirectory
	self        interfaces.NodeID
	priv        ed25519.PrivateKey
	log         *slog.Logger
}

func NewPeerHandler(participant *coordinator.Participant, directory *PeerDirectory, self interfaces.NodeID, priv ed25519.PrivateKey, log *slog.Logger) *PeerHandler {
	return &PeerHandler{
		participant: participant,
		directory:   directory,
		self:        self,
		priv:        priv,
		log:         log,
	}
}

// openRequest reads, authenticates and decodes an incoming peer envelope.
func (h *PeerHandler) openRequest(r *http.Request, wantType uint8, msg any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("could not read peer request: %w", err)
	}
	var env coordinator.Envelope
	if err := cbor.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("could not parse peer envelope: %w", err)
	}
	if env.Type != wantType {
		return fmt.Errorf("unexpected peer message type %d", env.Type)
	}
	sender, err := h.directory.lookup(env.Sender)
	if err != nil {
		return err
	}
	return env.Open(sender.PublicKey, msg)
}

func (h *PeerHandler) writeResponse(w http.ResponseWriter, msgType uint8, msg any) {
	env, err := coordinator.SealEnvelope(h.self, msgType, msg, h.priv)
	if err != nil {
		h.log.Error("failed to seal peer response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	data, err := cbor.Marshal(env)
	if err != nil {
		h.log.Error("failed to encode peer response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeCBOR)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.log.Error("failed to write peer response", "err", err)
	}
}

func (h *PeerHandler) writePeerError(w http.ResponseWriter, err error) {
	reqErr := requestErrorFor(err)
	h.log.Info("peer request rejected", "err", err, slog.String("code", reqErr.Code))
	http.Error(w, reqErr.Code, reqErr.StatusCode)
}

// HandleCommit serves POST /peer/v1/commit.
func (h *PeerHandler) HandleCommit(w http.ResponseWriter, r *http.Request) {
	var req coordinator.CommitRequest
	if err := h.openRequest(r, coordinator.MsgCommit, &req); err != nil {
		h.writePeerError(w, err)
		return
	}
	resp, err := h.participant.HandleCommit(r.Context(), req)
	if err != nil {
		h.writePeerError(w, err)
		return
	}
	h.writeResponse(w, coordinator.MsgCommit, resp)
}

// HandlePartial serves POST /peer/v1/partial.
func (h *PeerHandler) HandlePartial(w http.ResponseWriter, r *http.Request) {
	var req coordinator.PartialRequest
	if err := h.openRequest(r, coordinator.MsgPartial, &req); err != nil {
		h.writePeerError(w, err)
		return
	}
	resp, err := h.participant.HandlePartial(r.Context(), req)
	if err != nil {
		h.writePeerError(w, err)
		return
	}
	h.writeResponse(w, coordinator.MsgPartial, resp)
}

// HandleAbort serves POST /peer/v1/abort.
func (h *PeerHandler) HandleAbort(w http.ResponseWriter, r *http.Request) {
	var notice coordinator.AbortNotice
	if err := h.openRequest(r, coordinator.MsgAbort, &notice); err != nil {
		h.writePeerError(w, err)
		return
	}
	h.participant.HandleAbort(r.Context(), notice)
	w.WriteHeader(http.StatusOK)
}
