package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/eddielth/risk-stream/logger"
	"github.com/eddielth/risk-stream/metrics"
	"github.com/eddielth/risk-stream/telemetry"
)

// Persistence stages
const (
	StageLocal  = "local"
	StageRemote = "remote"
	StageMirror = "mirror"
)

// PersistenceError reports a failed flush stage
type PersistenceError struct {
	Stage string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist batch (%s): %v", e.Stage, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// LocalWriter is the authoritative append-only destination
type LocalWriter interface {
	Append(batch []telemetry.ScoredRecord) error
	Snapshot() ([]byte, error)
}

// Flusher persists completed batches
type Flusher struct {
	local         LocalWriter
	remote        ObjectStore
	mirrors       *Manager
	metrics       *metrics.Metrics
	uploadTimeout time.Duration
	now           func() time.Time
}

// FlusherOption customizes a Flusher
type FlusherOption func(*Flusher)

// WithObjectStore uploads a snapshot of the local file after every flush
func WithObjectStore(store ObjectStore, timeout time.Duration) FlusherOption {
	return func(f *Flusher) {
		f.remote = store
		f.uploadTimeout = timeout
	}
}

// WithMirrors copies every batch to secondary backends
func WithMirrors(m *Manager) FlusherOption {
	return func(f *Flusher) { f.mirrors = m }
}

// WithMetrics records flush outcomes
func WithMetrics(m *metrics.Metrics) FlusherOption {
	return func(f *Flusher) { f.metrics = m }
}

// WithClock overrides the time source used for object names
func WithClock(now func() time.Time) FlusherOption {
	return func(f *Flusher) { f.now = now }
}

// NewFlusher creates a flusher writing to local
func NewFlusher(local LocalWriter, opts ...FlusherOption) *Flusher {
	f := &Flusher{
		local: local,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Flush persists batch. Only a local write failure is returned; upload and
// mirror failures are logged because the local file already holds the rows.
// Flush does not retain batch after returning.
func (f *Flusher) Flush(ctx context.Context, batch []telemetry.ScoredRecord) error {
	start := time.Now()

	if err := f.local.Append(batch); err != nil {
		f.metrics.FlushFailed(StageLocal)
		return &PersistenceError{Stage: StageLocal, Err: err}
	}

	if f.remote != nil {
		if err := f.upload(ctx); err != nil {
			f.metrics.FlushFailed(StageRemote)
			logger.Error("%v", err)
		}
	}

	if f.mirrors != nil && f.mirrors.Len() > 0 {
		if err := f.mirrors.Store(ctx, batch); err != nil {
			f.metrics.FlushFailed(StageMirror)
		}
	}

	f.metrics.Flushed(len(batch), time.Since(start))
	logger.Info("flushed batch of %d records in %v", len(batch), time.Since(start))
	return nil
}

func (f *Flusher) upload(ctx context.Context) error {
	data, err := f.local.Snapshot()
	if err != nil {
		return &PersistenceError{Stage: StageRemote, Err: err}
	}

	if f.uploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.uploadTimeout)
		defer cancel()
	}

	name := ObjectName(f.now())
	if err := f.remote.Put(ctx, name, bytes.NewReader(data), int64(len(data))); err != nil {
		return &PersistenceError{Stage: StageRemote, Err: err}
	}

	logger.Info("uploaded snapshot %s (%d bytes)", name, len(data))
	return nil
}
