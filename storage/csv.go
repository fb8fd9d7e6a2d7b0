package storage

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/eddielth/risk-stream/logger"
	"github.com/eddielth/risk-stream/telemetry"
)

// CSVFile is the local append-only output file. It is the authoritative
// durable record of every flushed batch.
type CSVFile struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewCSVFile opens (or creates) the output file at path
func NewCSVFile(path string) (*CSVFile, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create dir %s failed: %w", dir, err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s failed: %w", path, err)
	}

	logger.Info("init csv output file: %s", path)
	return &CSVFile{path: path, file: file}, nil
}

// Path returns the file location
func (f *CSVFile) Path() string {
	return f.path
}

// Append writes batch as rows, preceded by the header when the file is
// empty. The rows land with a single write followed by fsync; on failure
// the file is truncated back so a retried batch is never duplicated.
func (f *CSVFile) Append(batch []telemetry.ScoredRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return fmt.Errorf("append to %s: file closed", f.path)
	}

	info, err := f.file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s failed: %w", f.path, err)
	}
	size := info.Size()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if size == 0 {
		if err := w.Write(telemetry.Header()); err != nil {
			return fmt.Errorf("encode header failed: %w", err)
		}
	}
	for _, rec := range batch {
		if err := w.Write(rec.Row()); err != nil {
			return fmt.Errorf("encode row failed: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode rows failed: %w", err)
	}

	if _, err := f.file.Write(buf.Bytes()); err != nil {
		f.rollback(size)
		return fmt.Errorf("write %s failed: %w", f.path, err)
	}
	if err := f.file.Sync(); err != nil {
		f.rollback(size)
		return fmt.Errorf("sync %s failed: %w", f.path, err)
	}

	logger.Debug("appended %d rows to %s", len(batch), f.path)
	return nil
}

func (f *CSVFile) rollback(size int64) {
	if err := f.file.Truncate(size); err != nil {
		logger.Error("failed to roll back %s to %d bytes: %v", f.path, size, err)
	}
}

// Snapshot returns the full current content of the file
func (f *CSVFile) Snapshot() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read %s failed: %w", f.path, err)
	}
	return data, nil
}

// Close releases the file handle
func (f *CSVFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
