// Package api exposes a recovery node over HTTP: the public user endpoints,
// the signed peer-to-peer session endpoints, and the admin share-unlock
// endpoint, each on the node's single listener, plus Prometheus metrics on a
// dedicated one.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/quorumkey/recovery-backend/coordinator"
	"github.com/quorumkey/recovery-backend/interfaces"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// RequestError provides structured error information for HTTP responses.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Code is the stable, machine-readable error code in the response body.
	Code string

	// Err is the underlying error.
	Err error
}

func (e *RequestError) Error() string { return e.Err.Error() }

func (e *RequestError) Unwrap() error { return e.Err }

// requestErrorFor maps the error taxonomy onto HTTP responses. Unknown
// errors become opaque 500s so internals never leak to callers.
func requestErrorFor(err error) *RequestError {
	for _, m := range []struct {
		sentinel error
		status   int
		code     string
	}{
		{interfaces.ErrInvalidToken, http.StatusUnauthorized, "invalid_token"},
		{interfaces.ErrProviderUnreachable, http.StatusServiceUnavailable, "provider_unreachable"},
		{interfaces.ErrUnauthorizedKey, http.StatusForbidden, "unauthorized_key"},
		{interfaces.ErrInvalidSignature, http.StatusForbidden, "invalid_signature"},
		{interfaces.ErrReplayedRequest, http.StatusConflict, "replayed_request"},
		{interfaces.ErrAlreadyExists, http.StatusConflict, "already_exists"},
		{interfaces.ErrMethodNotFound, http.StatusNotFound, "method_not_found"},
		{interfaces.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
		{interfaces.ErrNodeUnreachable, http.StatusForbidden, "unknown_node"},
		{interfaces.ErrQuorumTimeout, http.StatusGatewayTimeout, "quorum_timeout"},
		{interfaces.ErrConflictingPartial, http.StatusBadGateway, "signing_aborted"},
		{interfaces.ErrKMSLocked, http.StatusServiceUnavailable, "kms_locked"},
	} {
		if errors.Is(err, m.sentinel) {
			return &RequestError{StatusCode: m.status, Code: m.code, Err: err}
		}
	}
	return &RequestError{StatusCode: http.StatusInternalServerError, Code: "internal", Err: err}
}

// AddMethodRequest is the body of POST /api/v1/recovery_methods.
type AddMethodRequest struct {
	AccountID        string `json:"account_id"`
	AccessToken      string `json:"access_token"`
	SigningKey       string `json:"signing_key"`
	BindingSignature []byte `json:"binding_signature"`
	Nonce            []byte `json:"nonce"`
	Timestamp        int64  `json:"timestamp"`
}

// AddMethodResponse reports the registered recovery key. TxID is set when
// the node submits the key addition to the chain itself.
type AddMethodResponse struct {
	RecoveryPublicKey string `json:"recovery_public_key"`
	Session           string `json:"session"`
	TxID              string `json:"tx_id,omitempty"`
}

// RecoverRequest is the body of POST /api/v1/recover.
type RecoverRequest struct {
	AccountID    string `json:"account_id"`
	AccessToken  string `json:"access_token"`
	NewPublicKey string `json:"new_public_key"`
}

// RecoverResponse carries the quorum signature authorizing the key addition.
type RecoverResponse struct {
	Status            string               `json:"status"`
	Signature         interfaces.Signature `json:"signature"`
	RecoveryPublicKey string               `json:"recovery_public_key"`
	Payload           []byte               `json:"payload"`
	Session           string               `json:"session"`
	TxID              string               `json:"tx_id,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler processes the public recovery API.
type Handler struct {
	coordinator *coordinator.Coordinator

	// submitter, when set, broadcasts finalized key additions to the chain.
	// Left nil, callers receive the signature and submit themselves.
	submitter interfaces.ChainSubmitter

	log *slog.Logger
}

func NewHandler(coord *coordinator.Coordinator, submitter interfaces.ChainSubmitter, log *slog.Logger) *Handler {
	return &Handler{
		coordinator: coord,
		submitter:   submitter,
		log:         log,
	}
}

// HandleAddMethod registers an OAuth identity as a recovery method for an
// account. Responds 201 when the quorum added a new method and 200 when an
// identical registration already existed.
func (h *Handler) HandleAddMethod(w http.ResponseWriter, r *http.Request) {
	var body AddMethodRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, h.log, &RequestError{StatusCode: http.StatusBadRequest, Code: "bad_request", Err: err})
		return
	}
	account, err := interfaces.NewAccountID(body.AccountID)
	if err != nil {
		writeError(w, h.log, &RequestError{StatusCode: http.StatusBadRequest, Code: "bad_request", Err: err})
		return
	}

	result, err := h.coordinator.Sign(r.Context(), coordinator.Request{
		Intent:      coordinator.IntentAddMethod,
		Account:     account,
		AccessToken: body.AccessToken,
		Proof: interfaces.BindingProof{
			AccessToken: body.AccessToken,
			SigningKey:  body.SigningKey,
			Signature:   body.BindingSignature,
			Nonce:       body.Nonce,
			Timestamp:   body.Timestamp,
		},
	})
	if err != nil {
		writeError(w, h.log, requestErrorFor(err))
		return
	}

	resp := AddMethodResponse{
		RecoveryPublicKey: result.RecoveryKey.String(),
		Session:           result.Session,
	}
	// A replay of an existing registration produced no new signature, so
	// there is nothing to submit either.
	if h.submitter != nil && !result.Replayed {
		txID, err := h.submitter.SubmitAddKey(r.Context(), account, result.Payload, result.Signature)
		if err != nil {
			writeError(w, h.log, requestErrorFor(fmt.Errorf("submitting key addition: %w", err)))
			return
		}
		resp.TxID = txID
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, h.log, status, resp)
}

// HandleRecover runs a recovery session and returns the quorum signature
// authorizing the replacement key.
func (h *Handler) HandleRecover(w http.ResponseWriter, r *http.Request) {
	var body RecoverRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, h.log, &RequestError{StatusCode: http.StatusBadRequest, Code: "bad_request", Err: err})
		return
	}
	account, err := interfaces.NewAccountID(body.AccountID)
	if err != nil {
		writeError(w, h.log, &RequestError{StatusCode: http.StatusBadRequest, Code: "bad_request", Err: err})
		return
	}

	result, err := h.coordinator.Sign(r.Context(), coordinator.Request{
		Intent:      coordinator.IntentRecover,
		Account:     account,
		AccessToken: body.AccessToken,
		NewKey:      body.NewPublicKey,
	})
	if err != nil {
		writeError(w, h.log, requestErrorFor(err))
		return
	}

	resp := RecoverResponse{
		Status:            result.Status.String(),
		Signature:         result.Signature,
		RecoveryPublicKey: result.RecoveryKey.String(),
		Payload:           result.Payload,
		Session:           result.Session,
	}
	if h.submitter != nil {
		txID, err := h.submitter.SubmitAddKey(r.Context(), account, result.Payload, result.Signature)
		if err != nil {
			writeError(w, h.log, requestErrorFor(fmt.Errorf("submitting key addition: %w", err)))
			return
		}
		resp.TxID = txID
	}
	writeJSON(w, h.log, http.StatusOK, resp)
}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("could not read request body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("could not parse request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, log *slog.Logger, reqErr *RequestError) {
	if reqErr.StatusCode >= 500 {
		log.Error("request failed", "err", reqErr.Err, slog.String("code", reqErr.Code))
	} else {
		log.Info("request rejected", "err", reqErr.Err, slog.String("code", reqErr.Code))
	}
	writeJSON(w, log, reqErr.StatusCode, errorResponse{Code: reqErr.Code, Message: reqErr.Err.Error()})
}
