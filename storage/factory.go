// Package storage provides the persistence backends beneath the recovery
// method registry. Backends are created from location URIs so deployments
// can switch between local files, S3 and Vault without code changes; tests
// use the in-memory backend.
package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/quorumkey/recovery-backend/interfaces"
)

// Factory creates registry store backends from URI strings.
type Factory struct {
	log *slog.Logger
}

func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// BackendFor creates a registry store from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - memory:// - In-memory storage, lost on restart (tests, development)
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - HashiCorp Vault KV v2 secrets engine
func (f *Factory) BackendFor(locationURI string) (interfaces.RegistryStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return f.createFileStore(u)
	case "s3":
		return f.createS3Store(u)
	case "vault":
		return f.createVaultStore(u)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// createFileStore creates a filesystem store.
// URI format: file:///var/lib/recovery-node/registry
func (f *Factory) createFileStore(u *url.URL) (interfaces.RegistryStore, error) {
	f.log.Debug("creating file store", slog.String("uri", u.String()))

	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %s", interfaces.ErrInvalidLocationURI, u.String())
	}

	return NewFileStore(path, f.log)
}

// createS3Store creates an S3 or S3-compatible store.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix/?region=us-west-2&endpoint=custom.s3.com
func (f *Factory) createS3Store(u *url.URL) (interfaces.RegistryStore, error) {
	f.log.Debug("creating s3 store", slog.String("uri", u.Redacted()))

	bucket := u.Host
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 URI is missing a bucket", interfaces.ErrInvalidLocationURI)
	}
	prefix := strings.TrimPrefix(u.Path, "/")

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := query.Get("endpoint")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	} else {
		f.log.Debug("no s3 credentials in URI, relying on the SDK credential chain")
	}

	return NewS3Store(bucket, prefix, region, endpoint, accessKey, secretKey, f.log)
}

// createVaultStore creates a HashiCorp Vault KV v2 store.
// URI format: vault://vault.example.com:8200/secret/recovery?token=...&tls=true
// If no token is given the VAULT_TOKEN environment variable is used.
func (f *Factory) createVaultStore(u *url.URL) (interfaces.RegistryStore, error) {
	f.log.Debug("creating vault store", slog.String("uri", u.Redacted()))

	if u.Host == "" {
		return nil, fmt.Errorf("%w: vault URI is missing a host", interfaces.ErrInvalidLocationURI)
	}

	query := u.Query()
	scheme := "https"
	if query.Get("tls") == "false" {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, u.Host)

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: vault URI path must be /<mount>/<data-path>", interfaces.ErrInvalidLocationURI)
	}

	return NewVaultStore(address, parts[0], parts[1], query.Get("token"), f.log)
}
