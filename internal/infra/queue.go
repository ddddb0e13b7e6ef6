package infra

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/deskguard/agent/internal/domain"
)

// FileQueue implements domain.ReportQueue as a newline-delimited JSON
// file. Enqueue appends a single line; flush passes rewrite the whole
// file. Expected queue sizes are small, so whole-file rewrites are fine.
type FileQueue struct {
	path   string
	logger *zap.Logger
}

// NewFileQueue creates a queue backed by the given file path.
func NewFileQueue(path string, logger *zap.Logger) *FileQueue {
	return &FileQueue{path: path, logger: logger}
}

// Load returns all queued reports. Corrupt lines are logged and skipped.
func (q *FileQueue) Load() ([]domain.QueuedReport, error) {
	f, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var reports []domain.QueuedReport
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r domain.QueuedReport
		if err := json.Unmarshal(line, &r); err != nil {
			q.logger.Warn("skipping corrupt queue entry", zap.Error(err))
			continue
		}
		reports = append(reports, r)
	}
	if err := scanner.Err(); err != nil {
		return reports, err
	}
	return reports, nil
}

// Append adds one report to the end of the queue file.
func (q *FileQueue) Append(r domain.QueuedReport) error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0700); err != nil {
		return err
	}

	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}

// Save rewrites the whole queue file atomically. A drained queue is
// written as an empty file, not deleted.
func (q *FileQueue) Save(reports []domain.QueuedReport) error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0700); err != nil {
		return err
	}

	var buf []byte
	for _, r := range reports {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", q.path, os.Getpid())
	if err := os.WriteFile(tmpPath, buf, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, q.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Ensure FileQueue implements domain.ReportQueue.
var _ domain.ReportQueue = (*FileQueue)(nil)
