// Package infra implements infrastructure concerns (storage, watch, transport).
package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/deskguard/agent/internal/domain"
)

// JSONStore implements domain.DocumentStore with one JSON file per
// document under a data directory. Reads of absent or corrupt documents
// fall back to the caller's default; writes are atomic (temp + rename).
type JSONStore struct {
	dir    string
	logger *zap.Logger
}

// NewJSONStore creates a document store rooted at dir.
func NewJSONStore(dir string, logger *zap.Logger) *JSONStore {
	return &JSONStore{dir: dir, logger: logger}
}

// Load reads the named document into v. Returns false when the document
// is absent or corrupt; corruption is logged, never propagated.
func (s *JSONStore) Load(name string, v any) bool {
	data, err := os.ReadFile(s.docPath(name))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read document, using default",
				zap.String("document", name),
				zap.Error(err))
		}
		return false
	}

	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("corrupt document, using default",
			zap.String("document", name),
			zap.Error(err))
		return false
	}

	return true
}

// Save replaces the named document atomically (write temp + rename).
func (s *JSONStore) Save(name string, v any) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal document %s: %w", name, err)
	}

	path := s.docPath(name)

	// Write to temp file first (unique per process to avoid race)
	tmpPath := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	// Atomic rename
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) // Clean up on failure
		return err
	}
	return nil
}

func (s *JSONStore) docPath(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Ensure JSONStore implements domain.DocumentStore.
var _ domain.DocumentStore = (*JSONStore)(nil)
