// Package store persists session snapshots so that a restarted or
// neighbouring instance can serve status and reports for a session.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ocx/proctor/internal/browser"
	"github.com/ocx/proctor/internal/integrity"
	"github.com/ocx/proctor/internal/presence"
)

// ErrNotFound is returned when no snapshot exists for a session.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is the persisted view of one session. Absent monitors are nil.
type Snapshot struct {
	SessionID     string           `json:"sessionId"`
	UserID        string           `json:"userId"`
	AssessmentID  string           `json:"assessmentId"`
	SecurityLevel string           `json:"securityLevel"`
	Completed     bool             `json:"completed"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	Browser       *browser.State   `json:"browser,omitempty"`
	Webcam        *presence.State  `json:"webcam,omitempty"`
	AI            *integrity.State `json:"ai,omitempty"`
	Report        json.RawMessage  `json:"report,omitempty"`
}

// SnapshotStore saves and loads session snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, sessionID string) (*Snapshot, error)
	Delete(ctx context.Context, sessionID string) error
	ListByAssessment(ctx context.Context, assessmentID string) ([]string, error)
}

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

// MemoryStore keeps snapshots in process. Saved snapshots are stored as
// JSON so that callers never share state with the store.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string][]byte
	index map[string]map[string]struct{} // assessment -> session ids
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string][]byte),
		index: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.SessionID] = data
	ids, ok := m.index[snap.AssessmentID]
	if !ok {
		ids = make(map[string]struct{})
		m.index[snap.AssessmentID] = ids
	}
	ids[snap.SessionID] = struct{}{}
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	m.mu.RLock()
	data, ok := m.snaps[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, sessionID)
	for _, ids := range m.index {
		delete(ids, sessionID)
	}
	return nil
}

func (m *MemoryStore) ListByAssessment(ctx context.Context, assessmentID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.index[assessmentID]))
	for id := range m.index[assessmentID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
