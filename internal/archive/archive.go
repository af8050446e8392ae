// Package archive keeps the final report of every completed session. The
// in-memory backend serves development; production deployments pick
// Postgres, Supabase or Spanner.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no report is archived for a session.
var ErrNotFound = errors.New("report not archived")

// Record is one archived final report.
type Record struct {
	SessionID    string          `json:"session_id"`
	UserID       string          `json:"user_id"`
	AssessmentID string          `json:"assessment_id"`
	RiskLevel    string          `json:"risk_level"`
	Reason       string          `json:"reason"`
	CompletedAt  time.Time       `json:"completed_at"`
	Report       json.RawMessage `json:"report"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	AssessmentID string
	RiskLevel    string
	Limit        int
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 100
	}
	return f.Limit
}

// Archive stores final reports. Put keeps the first record written for a
// session so that repeated completion cannot rewrite history.
type Archive interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, sessionID string) (*Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
	Close() error
}

// ============================================================================
// IN-MEMORY ARCHIVE
// ============================================================================

type MemoryArchive struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{records: make(map[string]Record)}
}

func (m *MemoryArchive) Put(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.SessionID]; ok {
		return nil
	}
	rec.Report = append(json.RawMessage(nil), rec.Report...)
	m.records[rec.SessionID] = rec
	return nil
}

func (m *MemoryArchive) Get(ctx context.Context, sessionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// List returns matching records, newest first.
func (m *MemoryArchive) List(ctx context.Context, f Filter) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if f.AssessmentID != "" && rec.AssessmentID != f.AssessmentID {
			continue
		}
		if f.RiskLevel != "" && rec.RiskLevel != f.RiskLevel {
			continue
		}
		out = append(out, rec)
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *MemoryArchive) Close() error { return nil }
