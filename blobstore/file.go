package blobstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/enclaved-org/enclaved/interfaces"
)

// FileStore implements an archive backend on the local filesystem.
// Envelopes are sharded into subdirectories by the first two characters
// of their id to keep directory listings manageable.
type FileStore struct {
	baseDir string
	log     *slog.Logger
}

// NewFileStore creates a file archive rooted at baseDir, creating the
// directory if it does not exist.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &FileStore{baseDir: baseDir, log: log}, nil
}

func (s *FileStore) pathFor(id string) string {
	shard := "xx"
	if len(id) >= 2 {
		shard = id[:2]
	}
	return filepath.Join(s.baseDir, shard, id+".json")
}

// Put stores the serialized envelope under its id.
func (s *FileStore) Put(ctx context.Context, id string, data []byte) error {
	path := s.pathFor(id)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}

	s.log.Debug("Archived envelope to file",
		slog.String("id", id),
		slog.Int("size", len(data)))

	return nil
}

// Get retrieves a previously archived envelope by id.
func (s *FileStore) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if os.IsNotExist(err) {
		return nil, interfaces.ErrArchiveNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope: %w", err)
	}
	return data, nil
}

// Available checks that the base directory still exists.
func (s *FileStore) Available(ctx context.Context) bool {
	_, err := os.Stat(s.baseDir)
	if err != nil {
		s.log.Debug("File archive unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a short identifier for logging.
func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}
