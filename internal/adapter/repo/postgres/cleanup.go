package postgres

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/harbor-runner/internal/domain"
)

// CleanupService prunes finished jobs past the retention window. Attempt and
// episode rows ride along through ON DELETE CASCADE.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a cleanup service with the given retention.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes completed and failed jobs older than the retention
// window. Queued and running rows are never touched.
func (s *CleanupService) CleanupOldData(ctx domain.Context) error {
	tracer := otel.Tracer("repo.cleanup")
	ctx, span := tracer.Start(ctx, "cleanup.CleanupOldData")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "DELETE"),
		attribute.String("db.sql.table", "jobs"),
	)
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)
	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM jobs WHERE status IN ('completed','failed') AND updated_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.old_data: %w", err)
	}
	slog.Info("retention cleanup completed",
		slog.Int64("deleted_jobs", tag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs one cleanup immediately and then one per tick until the
// context is done.
func (s *CleanupService) RunPeriodic(ctx domain.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
