package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pavel-fokin/files-relay/internal/files"
)

// Storage implements files.Registry as a single snapshot file that is
// rewritten wholesale on every Replace.
type Storage struct {
	path  string
	codec Codec
}

// NewStorage creates a snapshot storage at path
func NewStorage(path string, codec Codec) *Storage {
	if codec == nil {
		codec = JSON
	}
	return &Storage{
		path:  path,
		codec: codec,
	}
}

// Path returns the snapshot file location.
func (s *Storage) Path() string {
	return s.path
}

// Load reads the snapshot. A missing file is an empty registry.
func (s *Storage) Load(ctx context.Context) ([]files.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []files.Record{}, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(data) == 0 {
		return []files.Record{}, nil
	}

	var records []files.Record
	if err := s.codec.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", s.path, err)
	}
	if records == nil {
		records = []files.Record{}
	}
	return records, nil
}

// Replace atomically swaps the snapshot: the new content is written to a
// temporary file in the same directory, synced and renamed over the old one.
func (s *Storage) Replace(ctx context.Context, records []files.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if records == nil {
		records = []files.Record{}
	}

	data, err := s.codec.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to rename snapshot to %s: %w", s.path, err)
	}

	success = true
	return nil
}
