package archive

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/proctor/internal/config"
)

func record(id, assessment, risk string, at time.Time) Record {
	return Record{
		SessionID:    id,
		UserID:       "user-" + id,
		AssessmentID: assessment,
		RiskLevel:    risk,
		Reason:       "completed",
		CompletedAt:  at,
		Report:       json.RawMessage(`{"sessionId":"` + id + `"}`),
	}
}

func TestMemoryArchive_PutKeepsFirstRecord(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryArchive()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, a.Put(ctx, record("s1", "exam-1", "low", at)))
	second := record("s1", "exam-1", "critical", at.Add(time.Hour))
	require.NoError(t, a.Put(ctx, second))

	got, err := a.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "low", got.RiskLevel)
	assert.JSONEq(t, `{"sessionId":"s1"}`, string(got.Report))

	_, err = a.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryArchive_ListFiltersNewestFirst(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryArchive()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, a.Put(ctx, record("s1", "exam-1", "low", base)))
	require.NoError(t, a.Put(ctx, record("s2", "exam-1", "high", base.Add(time.Minute))))
	require.NoError(t, a.Put(ctx, record("s3", "exam-2", "high", base.Add(2*time.Minute))))

	all, err := a.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"s3", "s2", "s1"}, []string{all[0].SessionID, all[1].SessionID, all[2].SessionID})

	exam1, err := a.List(ctx, Filter{AssessmentID: "exam-1"})
	require.NoError(t, err)
	assert.Len(t, exam1, 2)

	high, err := a.List(ctx, Filter{RiskLevel: "high", Limit: 1})
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, "s3", high[0].SessionID)
}

func TestFilterLimit(t *testing.T) {
	assert.Equal(t, 100, Filter{}.limit())
	assert.Equal(t, 100, Filter{Limit: 10000}.limit())
	assert.Equal(t, 25, Filter{Limit: 25}.limit())
}

func TestPostgresListQuery(t *testing.T) {
	q, args := listQuery(Filter{})
	assert.Contains(t, q, "ORDER BY completed_at DESC, session_id LIMIT $1")
	assert.NotContains(t, q, "WHERE")
	assert.Equal(t, []any{100}, args)

	q, args = listQuery(Filter{AssessmentID: "exam-1", RiskLevel: "high", Limit: 5})
	assert.Contains(t, q, "WHERE assessment_id = $1 AND risk_level = $2")
	assert.Contains(t, q, "LIMIT $3")
	assert.Equal(t, []any{"exam-1", "high", 5}, args)
}

func TestSpannerStatement(t *testing.T) {
	stmt := spannerStatement(Filter{RiskLevel: "critical"})
	assert.Contains(t, stmt.SQL, "AND RiskLevel = @risk")
	assert.NotContains(t, stmt.SQL, "@assessment")
	assert.Equal(t, "critical", stmt.Params["risk"])
	assert.Equal(t, int64(100), stmt.Params["limit"])
}

func TestNewFromConfig(t *testing.T) {
	ctx := context.Background()

	a, err := NewFromConfig(ctx, config.StorageConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryArchive{}, a)

	_, err = NewFromConfig(ctx, config.StorageConfig{ArchiveBackend: "postgres"})
	assert.Error(t, err)

	_, err = NewFromConfig(ctx, config.StorageConfig{ArchiveBackend: "spanner"})
	assert.Error(t, err)

	_, err = NewFromConfig(ctx, config.StorageConfig{ArchiveBackend: "supabase"})
	assert.Error(t, err)

	_, err = NewFromConfig(ctx, config.StorageConfig{ArchiveBackend: "sqlite"})
	assert.Error(t, err)
}
