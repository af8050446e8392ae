package archive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	supabase "github.com/supabase-community/supabase-go"
)

// SupabaseArchive stores reports in a Supabase table with the same columns
// as the Postgres schema.
type SupabaseArchive struct {
	client *supabase.Client
	table  string
	logger *log.Logger
}

// NewSupabaseArchive creates a client for the given project.
func NewSupabaseArchive(url, serviceKey, table string) (*SupabaseArchive, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("supabase url and service key must be set")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	if table == "" {
		table = "proctor_reports"
	}
	return &SupabaseArchive{
		client: client,
		table:  table,
		logger: log.New(log.Writer(), "[ARCHIVE-SUPABASE] ", log.LstdFlags),
	}, nil
}

func (s *SupabaseArchive) Put(ctx context.Context, rec Record) error {
	if _, err := s.Get(ctx, rec.SessionID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	var result []Record
	_, err := s.client.From(s.table).
		Insert(rec, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	s.logger.Printf("Archived report for session %s", rec.SessionID)
	return nil
}

func (s *SupabaseArchive) Get(ctx context.Context, sessionID string) (*Record, error) {
	var records []Record
	_, err := s.client.From(s.table).
		Select("*", "", false).
		Eq("session_id", sessionID).
		ExecuteTo(&records)
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return &records[0], nil
}

func (s *SupabaseArchive) List(ctx context.Context, f Filter) ([]Record, error) {
	query := s.client.From(s.table).Select("*", "", false)
	if f.AssessmentID != "" {
		query = query.Eq("assessment_id", f.AssessmentID)
	}
	if f.RiskLevel != "" {
		query = query.Eq("risk_level", f.RiskLevel)
	}
	query = query.Order("completed_at", nil).Limit(f.limit(), "")

	var records []Record
	if _, err := query.ExecuteTo(&records); err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	sortNewestFirst(records)
	return records, nil
}

// Close is a no-op; the Supabase client holds no connections.
func (s *SupabaseArchive) Close() error { return nil }

func sortNewestFirst(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CompletedAt.Equal(records[j].CompletedAt) {
			return records[i].SessionID < records[j].SessionID
		}
		return records[i].CompletedAt.After(records[j].CompletedAt)
	})
}
