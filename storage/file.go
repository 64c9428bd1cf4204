package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/quorumkey/recovery-backend/interfaces"
)

// FileStore persists registry rows as one file per key under a base
// directory. Keys are hex digests, so they are safe as file names.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.rowPath(key))
	if os.IsNotExist(err) {
		return nil, interfaces.ErrRowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read row file: %w", err)
	}
	return data, nil
}

// Put writes through a temp file and renames, so a crash mid-write never
// leaves a truncated row behind.
func (s *FileStore) Put(_ context.Context, key string, data []byte) error {
	target := s.rowPath(key)

	tmp, err := os.CreateTemp(s.baseDir, ".row-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write row file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod row file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close row file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to move row file into place: %w", err)
	}

	s.log.Debug("stored registry row", slog.String("key", key), slog.Int("size", len(data)))
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.rowPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete row file: %w", err)
	}
	return nil
}

func (s *FileStore) LocationURI() string { return s.locationURI }

func (s *FileStore) rowPath(key string) string {
	return filepath.Join(s.baseDir, key)
}
