package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eddielth/risk-stream/logger"
	"github.com/eddielth/risk-stream/telemetry"
)

// Backend is a secondary destination for flushed batches
type Backend interface {
	// Name identifies the backend in logs
	Name() string
	// Store writes one batch
	Store(ctx context.Context, batch []telemetry.ScoredRecord) error
	// Close releases the backend connection
	Close() error
}

// Manager fans a batch out to every mirror backend
type Manager struct {
	backends []Backend
	mutex    sync.RWMutex
}

// NewManager creates a new storage manager
func NewManager(backends ...Backend) *Manager {
	return &Manager{
		backends: backends,
	}
}

// Store writes batch to every backend. A failing backend does not stop
// the others; all failures are returned joined.
func (m *Manager) Store(ctx context.Context, batch []telemetry.ScoredRecord) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var errs []error
	for _, backend := range m.backends {
		if err := backend.Store(ctx, batch); err != nil {
			logger.Error("failed to mirror batch to %s: %v", backend.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of configured backends
func (m *Manager) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.backends)
}

// Close closes all backends
func (m *Manager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, backend := range m.backends {
		if err := backend.Close(); err != nil {
			logger.Error("failed to close %s: %v", backend.Name(), err)
		}
	}
}

// AddBackend adds a new backend
func (m *Manager) AddBackend(backend Backend) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.backends = append(m.backends, backend)
}
