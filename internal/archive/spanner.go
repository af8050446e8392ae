package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
)

// Expected DDL:
//
//	CREATE TABLE ProctorReports (
//	  SessionID    STRING(64) NOT NULL,
//	  UserID       STRING(256) NOT NULL,
//	  AssessmentID STRING(256) NOT NULL,
//	  RiskLevel    STRING(16) NOT NULL,
//	  Reason       STRING(MAX) NOT NULL,
//	  CompletedAt  TIMESTAMP NOT NULL,
//	  Report       STRING(MAX) NOT NULL,
//	) PRIMARY KEY (SessionID)
const spannerTable = "ProctorReports"

var spannerColumns = []string{"SessionID", "UserID", "AssessmentID", "RiskLevel", "Reason", "CompletedAt", "Report"}

// SpannerArchive stores reports in Cloud Spanner.
type SpannerArchive struct {
	client *spanner.Client
	logger *log.Logger
}

// NewSpannerArchive connects to projects/{project}/instances/{instance}/databases/{db}.
func NewSpannerArchive(ctx context.Context, project, instance, db, credentialsFile string) (*SpannerArchive, error) {
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, db)

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := spanner.NewClient(ctx, dbPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}
	return &SpannerArchive{
		client: client,
		logger: log.New(log.Writer(), "[ARCHIVE-SPANNER] ", log.LstdFlags),
	}, nil
}

func (s *SpannerArchive) Put(ctx context.Context, rec Record) error {
	m := spanner.Insert(spannerTable, spannerColumns, []interface{}{
		rec.SessionID, rec.UserID, rec.AssessmentID, rec.RiskLevel, rec.Reason, rec.CompletedAt, string(rec.Report),
	})
	_, err := s.client.Apply(ctx, []*spanner.Mutation{m})
	if spanner.ErrCode(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	s.logger.Printf("Archived report for session %s", rec.SessionID)
	return nil
}

func decodeSpannerRow(row *spanner.Row) (Record, error) {
	var (
		rec         Record
		completedAt time.Time
		report      string
	)
	if err := row.Columns(&rec.SessionID, &rec.UserID, &rec.AssessmentID, &rec.RiskLevel, &rec.Reason, &completedAt, &report); err != nil {
		return rec, err
	}
	rec.CompletedAt = completedAt
	rec.Report = json.RawMessage(report)
	return rec, nil
}

func (s *SpannerArchive) Get(ctx context.Context, sessionID string) (*Record, error) {
	row, err := s.client.Single().ReadRow(ctx, spannerTable, spanner.Key{sessionID}, spannerColumns)
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read report: %w", err)
	}
	rec, err := decodeSpannerRow(row)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// spannerStatement builds the filtered query with named parameters.
func spannerStatement(f Filter) spanner.Statement {
	stmt := spanner.Statement{
		SQL:    `SELECT SessionID, UserID, AssessmentID, RiskLevel, Reason, CompletedAt, Report FROM ProctorReports WHERE TRUE`,
		Params: map[string]interface{}{"limit": int64(f.limit())},
	}
	if f.AssessmentID != "" {
		stmt.SQL += ` AND AssessmentID = @assessment`
		stmt.Params["assessment"] = f.AssessmentID
	}
	if f.RiskLevel != "" {
		stmt.SQL += ` AND RiskLevel = @risk`
		stmt.Params["risk"] = f.RiskLevel
	}
	stmt.SQL += ` ORDER BY CompletedAt DESC, SessionID LIMIT @limit`
	return stmt
}

func (s *SpannerArchive) List(ctx context.Context, f Filter) ([]Record, error) {
	iter := s.client.Single().Query(ctx, spannerStatement(f))
	defer iter.Stop()

	var out []Record
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list reports: %w", err)
		}
		rec, err := decodeSpannerRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SpannerArchive) Close() error {
	s.client.Close()
	return nil
}
