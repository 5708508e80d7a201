package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/harbor-runner/internal/domain"
)

// EpisodeRepo persists parsed trajectory episodes.
type EpisodeRepo struct{ Pool PgxPool }

// NewEpisodeRepo constructs an EpisodeRepo with the given pool.
func NewEpisodeRepo(p PgxPool) *EpisodeRepo { return &EpisodeRepo{Pool: p} }

// Create inserts a new episode and returns its id (generates one if empty).
// Callers insert in index order; the unique (attempt_id, idx) constraint
// catches duplicates.
func (r *EpisodeRepo) Create(ctx domain.Context, e domain.Episode) (string, error) {
	tracer := otel.Tracer("repo.episodes")
	ctx, span := tracer.Start(ctx, "episodes.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "episodes"),
	)
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO episodes (id, attempt_id, idx, state_analysis, explanation, commands, duration_ms, metadata, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, id, e.AttemptID, e.Index, e.StateAnalysis, e.Explanation,
		e.Commands, e.DurationMs, e.Metadata, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=episode.create: %w", err)
	}
	return id, nil
}
