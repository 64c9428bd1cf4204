package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/quorumkey/recovery-backend/interfaces"
)

// VaultStore persists registry rows in a HashiCorp Vault KV v2 mount.
// Row bytes are base64-encoded into the secret payload since Vault stores
// JSON values.
type VaultStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultStore creates a Vault-backed registry store. An empty token falls
// back to the VAULT_TOKEN environment variable via the SDK's defaults.
func NewVaultStore(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

func (s *VaultStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	path := s.rowPath(key)

	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrRowNotFound
	}

	// KV v2 wraps the payload in a "data" map.
	inner, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response")
	}
	encoded, ok := inner["row"].(string)
	if !ok {
		return nil, fmt.Errorf("row key not found in Vault data")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode Vault row payload: %w", err)
	}

	s.log.Debug("fetched registry row from Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

func (s *VaultStore) Put(ctx context.Context, key string, data []byte) error {
	path := s.rowPath(key)

	_, err := s.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			"row": base64.StdEncoding.EncodeToString(data),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write to Vault: %w", err)
	}

	s.log.Debug("stored registry row in Vault", slog.String("path", path), slog.Int("size", len(data)))
	return nil
}

func (s *VaultStore) Delete(ctx context.Context, key string) error {
	// KV v2 metadata delete removes all versions of the secret.
	path := fmt.Sprintf("%s/metadata/%s/%s", s.mountPath, s.dataPath, key)
	if _, err := s.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("failed to delete from Vault: %w", err)
	}
	return nil
}

func (s *VaultStore) LocationURI() string { return s.locationURI }

func (s *VaultStore) rowPath(key string) string {
	return fmt.Sprintf("%s/data/%s/%s", s.mountPath, s.dataPath, key)
}
