// Package store persists learned arm parameters so a restart can resume
// from the last snapshot instead of pure cold start. Persistence is
// optional: a missing or empty store degrades gracefully to priors.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/arbiterlab/arbiter/internal/bandit"
)

// Snapshot wraps the exported arm states with provenance.
type Snapshot struct {
	SavedAt time.Time               `json:"saved_at"`
	Arms    map[string]bandit.State `json:"arms"`
}

// Store persists and recovers arm-state snapshots.
type Store interface {
	// Load returns the latest snapshot, or nil when none exists.
	Load(ctx context.Context) (*Snapshot, error)

	// Save replaces the stored snapshot. Last writer wins.
	Save(ctx context.Context, snap *Snapshot) error

	Close() error
}

// MemoryStore holds the snapshot in memory with an optional file mirror,
// used for single-node deployments and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	snap *Snapshot
	path string // optional file mirror
}

// NewMemoryStore creates a memory store. A non-empty path enables the file
// mirror, loaded eagerly if present.
func NewMemoryStore(path string) *MemoryStore {
	ms := &MemoryStore{path: path}
	if path != "" {
		ms.loadFile()
	}
	return ms
}

func (m *MemoryStore) Load(_ context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap == nil {
		return nil, nil
	}
	cp := *m.snap
	return &cp, nil
}

func (m *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()

	if m.path != "" {
		return m.saveFile()
	}
	return nil
}

func (m *MemoryStore) Close() error {
	if m.path != "" {
		return m.saveFile()
	}
	return nil
}

func (m *MemoryStore) loadFile() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse arm snapshot %s: %w", m.path, err)
	}
	m.mu.Lock()
	m.snap = &snap
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) saveFile() error {
	m.mu.RLock()
	snap := m.snap
	m.mu.RUnlock()
	if snap == nil {
		return nil
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0600)
}
