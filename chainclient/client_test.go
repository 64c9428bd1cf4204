package chainclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumkey/recovery-backend/interfaces"
)

func rpcServer(t *testing.T, handler func(method string, params json.RawMessage) (any, *rpcError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestAccessKeys(t *testing.T) {
	ed25519Key := interfaces.KeyCurveEd25519 + ":" + base58.Encode(make([]byte, 32))

	srv := rpcServer(t, func(method string, params json.RawMessage) (any, *rpcError) {
		assert.Equal(t, "query", method)

		var p map[string]string
		require.NoError(t, json.Unmarshal(params, &p))
		assert.Equal(t, "view_access_key_list", p["request_type"])
		assert.Equal(t, "alice.near", p["account_id"])

		return map[string]any{"keys": []map[string]string{
			{"public_key": ed25519Key},
			{"public_key": "unsupported:zzz"}, // skipped, not fatal
		}}, nil
	})
	defer srv.Close()

	c := New(srv.URL, slog.Default())
	keys, err := c.AccessKeys(context.Background(), "alice.near")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, ed25519Key, keys[0].String())
}

func TestAccessKeysRPCError(t *testing.T) {
	srv := rpcServer(t, func(string, json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -32000, Message: "account does not exist"}
	})
	defer srv.Close()

	c := New(srv.URL, slog.Default())
	_, err := c.AccessKeys(context.Background(), "ghost.near")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account does not exist")
}

func TestCallRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		var req struct {
			ID string `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"result": map[string]any{"keys": []any{}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, slog.Default())
	keys, err := c.AccessKeys(context.Background(), "alice.near")
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSubmitAddKey(t *testing.T) {
	srv := rpcServer(t, func(method string, params json.RawMessage) (any, *rpcError) {
		assert.Equal(t, "broadcast_tx_commit", method)
		return map[string]string{"transaction_hash": "6zgh2u9"}, nil
	})
	defer srv.Close()

	c := New(srv.URL, slog.Default())
	txID, err := c.SubmitAddKey(context.Background(), "alice.near", []byte{0x01}, interfaces.Signature{R: make([]byte, 33), Z: make([]byte, 32)})
	require.NoError(t, err)
	assert.Equal(t, "6zgh2u9", txID)
}

func TestMockChain(t *testing.T) {
	key := interfaces.PublicKey{Curve: interfaces.KeyCurveEd25519, Data: make([]byte, 32)}
	m := NewMockChain()
	m.AddAccount("alice.near", key)

	keys, err := m.AccessKeys(context.Background(), "alice.near")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	_, err = m.AccessKeys(context.Background(), "ghost.near")
	assert.Error(t, err)

	txID, err := m.SubmitAddKey(context.Background(), "alice.near", []byte{0x01}, interfaces.Signature{})
	require.NoError(t, err)
	assert.NotEmpty(t, txID)
	require.Len(t, m.Submissions, 1)
	assert.Equal(t, txID, m.Submissions[0].TxID)
}
