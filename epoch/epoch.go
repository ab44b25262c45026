// Package epoch implements epoch-based reclamation for resources that
// readers may still hold after they become obsolete: flushed
// memtables, superseded version snapshots, and SSTable or WAL files
// replaced by flush and compaction.
//
// Readers enter an epoch before touching shared state and exit when
// done. A resource retired at epoch E may be reclaimed once no reader
// remains in any epoch <= E. Cleanup is deferred, never blocking the
// writer that retires the resource.
package epoch

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// CleanupFunc releases a retired resource. It runs at most once.
type CleanupFunc func() error

type retiredResource struct {
	id        string
	retiredAt uint64
	cleanup   CleanupFunc
}

// Manager tracks reader epochs and retired resources for one engine
// instance.
type Manager struct {
	current atomic.Uint64

	mu      sync.Mutex
	active  map[uint64]int
	retired []retiredResource
	logger  *slog.Logger
}

// NewManager creates a manager starting at epoch 1.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		active: make(map[uint64]int),
		logger: logger,
	}
	m.current.Store(1)
	return m
}

// Enter registers the caller as a reader in the current epoch and
// returns that epoch. Every Enter must be paired with an Exit.
func (m *Manager) Enter() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.current.Load()
	m.active[e]++
	return e
}

// Exit deregisters a reader that entered at epoch e.
func (m *Manager) Exit(e uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.active[e] - 1
	if n <= 0 {
		delete(m.active, e)
	} else {
		m.active[e] = n
	}
}

// Current returns the current epoch.
func (m *Manager) Current() uint64 {
	return m.current.Load()
}

// Advance moves to the next epoch. Called after a structural change
// (memtable rotation, version swap) so subsequent readers land in a
// fresh epoch and retired resources from before the change can age
// out.
func (m *Manager) Advance() uint64 {
	return m.current.Add(1)
}

// Retire schedules cleanup of a resource that became obsolete in the
// current epoch. The cleanup runs during a later TryCleanup, once no
// reader could still observe the resource.
func (m *Manager) Retire(id string, cleanup CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retired = append(m.retired, retiredResource{
		id:        id,
		retiredAt: m.current.Load(),
		cleanup:   cleanup,
	})
}

// oldestActiveLocked returns the oldest epoch with a registered
// reader, or the current epoch plus one when no readers are active.
func (m *Manager) oldestActiveLocked() uint64 {
	oldest := m.current.Load() + 1
	for e := range m.active {
		if e < oldest {
			oldest = e
		}
	}
	return oldest
}

// TryCleanup reclaims every retired resource no active reader can
// still reference. Returns the number of resources cleaned.
func (m *Manager) TryCleanup() int {
	m.mu.Lock()
	oldest := m.oldestActiveLocked()
	var ready []retiredResource
	var remaining []retiredResource
	for _, r := range m.retired {
		if r.retiredAt < oldest {
			ready = append(ready, r)
		} else {
			remaining = append(remaining, r)
		}
	}
	m.retired = remaining
	m.mu.Unlock()

	for _, r := range ready {
		if err := r.cleanup(); err != nil {
			m.logger.Warn("epoch cleanup failed", "resource", r.id, "error", err)
		}
	}
	return len(ready)
}

// CleanupAll reclaims every retired resource regardless of reader
// state. Only safe during shutdown when no readers remain.
func (m *Manager) CleanupAll() int {
	m.mu.Lock()
	ready := m.retired
	m.retired = nil
	m.mu.Unlock()

	for _, r := range ready {
		if err := r.cleanup(); err != nil {
			m.logger.Warn("epoch cleanup failed", "resource", r.id, "error", err)
		}
	}
	return len(ready)
}

// ActiveReaders returns the number of readers currently inside an
// epoch. Used by engine stats and tests.
func (m *Manager) ActiveReaders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.active {
		n += c
	}
	return n
}

// PendingResources returns how many retired resources await cleanup.
func (m *Manager) PendingResources() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.retired)
}
