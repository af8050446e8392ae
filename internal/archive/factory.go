package archive

import (
	"context"
	"fmt"

	"github.com/ocx/proctor/internal/config"
)

// NewFromConfig creates the archive selected by storage.archive_backend.
func NewFromConfig(ctx context.Context, cfg config.StorageConfig) (Archive, error) {
	switch cfg.ArchiveBackend {
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres archive requires storage.postgres_url")
		}
		return NewPostgresArchive(ctx, cfg.PostgresURL)

	case "supabase":
		return NewSupabaseArchive(cfg.Supabase.URL, cfg.Supabase.ServiceKey, cfg.Supabase.Table)

	case "spanner":
		sp := cfg.Spanner
		if sp.Project == "" || sp.Instance == "" || sp.Database == "" {
			return nil, fmt.Errorf("spanner configuration incomplete")
		}
		return NewSpannerArchive(ctx, sp.Project, sp.Instance, sp.Database, sp.CredentialsFile)

	case "memory", "":
		return NewMemoryArchive(), nil

	default:
		return nil, fmt.Errorf("unknown archive backend: %s", cfg.ArchiveBackend)
	}
}

var (
	_ Archive = (*MemoryArchive)(nil)
	_ Archive = (*PostgresArchive)(nil)
	_ Archive = (*SupabaseArchive)(nil)
	_ Archive = (*SpannerArchive)(nil)
)
