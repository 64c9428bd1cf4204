package api

import (
	"crypto/ed25519"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quorumkey/recovery-backend/interfaces"
	"github.com/quorumkey/recovery-backend/kms"
)

// UnlockShareRequest carries one administrator's unlock-key share. The share
// and its ed25519 signature are base64 via encoding/json's []byte handling;
// the admin key uses the ed25519:<base58> string form.
type UnlockShareRequest struct {
	Share     []byte `json:"share"`
	Signature []byte `json:"signature"`
	AdminKey  string `json:"admin_key"`
}

type UnlockShareResponse struct {
	Received int  `json:"received"`
	Required int  `json:"required"`
	Unlocked bool `json:"unlocked"`
}

// AdminHandler serves the unlock endpoint for nodes started with a sealed
// share file.
type AdminHandler struct {
	unlock *kms.ShamirUnlock
	kms    *kms.NodeKMS
	log    *slog.Logger
}

func NewAdminHandler(unlock *kms.ShamirUnlock, nodeKMS *kms.NodeKMS, log *slog.Logger) *AdminHandler {
	return &AdminHandler{unlock: unlock, kms: nodeKMS, log: log}
}

func (h *AdminHandler) HandleUnlockShare(w http.ResponseWriter, r *http.Request) {
	var req UnlockShareRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, &RequestError{StatusCode: http.StatusBadRequest, Code: "bad_request", Err: err})
		return
	}

	adminPub, err := interfaces.NewPublicKeyFromString(req.AdminKey)
	if err != nil {
		writeError(w, h.log, &RequestError{StatusCode: http.StatusBadRequest, Code: "bad_admin_key", Err: err})
		return
	}
	if adminPub.Curve != interfaces.KeyCurveEd25519 {
		writeError(w, h.log, &RequestError{StatusCode: http.StatusBadRequest, Code: "bad_admin_key", Err: errors.New("admin key must be ed25519")})
		return
	}

	if err := h.unlock.SubmitShare(req.Share, req.Signature, ed25519.PublicKey(adminPub.Data)); err != nil {
		h.log.Warn("unlock share rejected", "err", err)
		writeError(w, h.log, &RequestError{StatusCode: http.StatusForbidden, Code: "share_rejected", Err: err})
		return
	}

	received, required := h.unlock.Progress()
	unlocked := h.kms.IsUnlocked()
	if unlocked {
		h.log.Info("node share unsealed", "node", h.kms.NodeID())
	}
	writeJSON(w, h.log, http.StatusOK, UnlockShareResponse{
		Received: received,
		Required: required,
		Unlocked: unlocked,
	})
}
