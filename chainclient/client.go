// Package chainclient talks to the target chain over JSON-RPC 2.0. The node
// needs two things from the chain: the current access-key list of an account
// (to check binding proofs against) and a way to submit the finalized
// key-addition transaction.
package chainclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/quorumkey/recovery-backend/interfaces"
)

const defaultTimeout = 15 * time.Second

// Client implements interfaces.ChainReader and interfaces.ChainSubmitter
// against a single RPC endpoint. Transient transport failures are retried
// with exponential backoff; RPC-level errors are not.
type Client struct {
	URL        string
	HTTPClient *http.Client
	MaxRetries uint64
	Log        *slog.Logger
}

func New(url string, log *slog.Logger) *Client {
	return &Client{
		URL:        url,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
		MaxRetries: 3,
		Log:        log,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("could not encode rpc request: %w", err)
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("could not initialize request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("could not reach chain rpc: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("could not read rpc response: %w", err)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("chain rpc returned %d: %s", resp.StatusCode, string(respBody))
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("chain rpc returned %d: %s", resp.StatusCode, string(respBody)))
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			return backoff.Permanent(fmt.Errorf("could not parse rpc response: %w", err))
		}
		if rpcResp.Error != nil {
			return backoff.Permanent(fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message))
		}
		if result != nil {
			if err := json.Unmarshal(rpcResp.Result, result); err != nil {
				return backoff.Permanent(fmt.Errorf("could not parse rpc result: %w", err))
			}
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.MaxRetries), ctx)
	return backoff.Retry(operation, bo)
}

type accessKeyList struct {
	Keys []struct {
		PublicKey string `json:"public_key"`
	} `json:"keys"`
}

// AccessKeys returns every public key currently authorized on the account.
// Keys with encodings this module does not understand are skipped rather
// than failing the whole query.
func (c *Client) AccessKeys(ctx context.Context, account interfaces.AccountID) ([]interfaces.PublicKey, error) {
	var list accessKeyList
	err := c.call(ctx, "query", map[string]any{
		"request_type": "view_access_key_list",
		"finality":     "final",
		"account_id":   account.String(),
	}, &list)
	if err != nil {
		return nil, fmt.Errorf("view_access_key_list for %s: %w", account, err)
	}

	keys := make([]interfaces.PublicKey, 0, len(list.Keys))
	for _, k := range list.Keys {
		parsed, err := interfaces.NewPublicKeyFromString(k.PublicKey)
		if err != nil {
			c.Log.Warn("skipping unparseable access key", "account", account, "key", k.PublicKey, "err", err)
			continue
		}
		keys = append(keys, parsed)
	}
	return keys, nil
}

type broadcastResult struct {
	TransactionHash string `json:"transaction_hash"`
}

// SubmitAddKey broadcasts a signed key-addition payload and waits for the
// transaction hash.
func (c *Client) SubmitAddKey(ctx context.Context, account interfaces.AccountID, payload []byte, sig interfaces.Signature) (string, error) {
	var result broadcastResult
	err := c.call(ctx, "broadcast_tx_commit", map[string]any{
		"account_id":     account.String(),
		"signed_payload": base64.StdEncoding.EncodeToString(payload),
		"signature": map[string]string{
			"r": hex.EncodeToString(sig.R),
			"z": hex.EncodeToString(sig.Z),
		},
	}, &result)
	if err != nil {
		return "", fmt.Errorf("broadcast_tx_commit for %s: %w", account, err)
	}
	if result.TransactionHash == "" {
		return "", fmt.Errorf("chain rpc accepted transaction but returned no hash")
	}

	c.Log.Info("key addition submitted", "account", account, "tx", result.TransactionHash)
	return result.TransactionHash, nil
}
