package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS proctor_reports (
	session_id    TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	assessment_id TEXT NOT NULL,
	risk_level    TEXT NOT NULL,
	reason        TEXT NOT NULL,
	completed_at  TIMESTAMPTZ NOT NULL,
	report        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS proctor_reports_assessment_idx ON proctor_reports (assessment_id, completed_at DESC);`

// PostgresArchive stores reports in a proctor_reports table.
type PostgresArchive struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresArchive connects, verifies the connection and ensures the schema.
func NewPostgresArchive(ctx context.Context, dbURL string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PostgresArchive{db: db, logger: log.New(log.Writer(), "[ARCHIVE-PG] ", log.LstdFlags)}, nil
}

func (p *PostgresArchive) Put(ctx context.Context, rec Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO proctor_reports (session_id, user_id, assessment_id, risk_level, reason, completed_at, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO NOTHING`,
		rec.SessionID, rec.UserID, rec.AssessmentID, rec.RiskLevel, rec.Reason, rec.CompletedAt, string(rec.Report))
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	p.logger.Printf("Archived report for session %s", rec.SessionID)
	return nil
}

const selectColumns = `session_id, user_id, assessment_id, risk_level, reason, completed_at, report`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var (
		rec    Record
		report []byte
	)
	err := row.Scan(&rec.SessionID, &rec.UserID, &rec.AssessmentID, &rec.RiskLevel, &rec.Reason, &rec.CompletedAt, &report)
	rec.Report = report
	return rec, err
}

func (p *PostgresArchive) Get(ctx context.Context, sessionID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM proctor_reports WHERE session_id = $1`, sessionID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select report: %w", err)
	}
	return &rec, nil
}

// listQuery builds the filtered SELECT with positional arguments.
func listQuery(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.AssessmentID != "" {
		args = append(args, f.AssessmentID)
		where = append(where, fmt.Sprintf("assessment_id = $%d", len(args)))
	}
	if f.RiskLevel != "" {
		args = append(args, f.RiskLevel)
		where = append(where, fmt.Sprintf("risk_level = $%d", len(args)))
	}
	q := `SELECT ` + selectColumns + ` FROM proctor_reports`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.limit())
	q += fmt.Sprintf(" ORDER BY completed_at DESC, session_id LIMIT $%d", len(args))
	return q, args
}

func (p *PostgresArchive) List(ctx context.Context, f Filter) ([]Record, error) {
	q, args := listQuery(f)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresArchive) Close() error {
	return p.db.Close()
}
