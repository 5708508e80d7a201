package postgres

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/harbor-runner/internal/config"
	"github.com/fairyhunter13/harbor-runner/internal/domain"
)

// AttemptRepo persists attempt rows. Reward summaries and metadata ride in
// jsonb columns; pgx marshals the maps directly.
type AttemptRepo struct{ Pool PgxPool }

// NewAttemptRepo constructs an AttemptRepo with the given pool.
func NewAttemptRepo(p PgxPool) *AttemptRepo { return &AttemptRepo{Pool: p} }

// Create inserts a new attempt and returns its id (generates one if empty).
func (r *AttemptRepo) Create(ctx domain.Context, a domain.Attempt) (string, error) {
	tracer := otel.Tracer("repo.attempts")
	ctx, span := tracer.Start(ctx, "attempts.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "attempts"),
	)
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	started := a.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	q := `INSERT INTO attempts (id, job_id, idx, status, tests_passed, tests_total, started_at, finished_at, reward_summary, log_path, metadata)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.Pool.Exec(ctx, q, id, a.JobID, a.Index, a.Status, a.TestsPassed, a.TestsTotal,
		started, a.FinishedAt, a.RewardSummary, a.LogPath, a.Metadata)
	if err != nil {
		return "", fmt.Errorf("op=attempt.create: %w", err)
	}
	return id, nil
}

// Update writes the terminal fields of an attempt by id.
func (r *AttemptRepo) Update(ctx domain.Context, a domain.Attempt) error {
	tracer := otel.Tracer("repo.attempts")
	ctx, span := tracer.Start(ctx, "attempts.Update")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "attempts"),
	)
	q := `UPDATE attempts SET status=$2, tests_passed=$3, tests_total=$4, finished_at=$5, reward_summary=$6, log_path=$7, metadata=$8 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, a.ID, a.Status, a.TestsPassed, a.TestsTotal,
		a.FinishedAt, a.RewardSummary, a.LogPath, a.Metadata)
	if err != nil {
		return fmt.Errorf("op=attempt.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=attempt.update: %w", domain.ErrNotFound)
	}
	return nil
}

// ListByJob returns a job's attempts ordered by index. Retries transient
// pool errors; the cancel epilogue depends on this read succeeding.
func (r *AttemptRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.Attempt, error) {
	tracer := otel.Tracer("repo.attempts")
	ctx, span := tracer.Start(ctx, "attempts.ListByJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "attempts"),
	)
	q := `SELECT id, job_id, idx, status, tests_passed, tests_total, started_at, finished_at, reward_summary, COALESCE(log_path,''), metadata
	      FROM attempts WHERE job_id=$1 ORDER BY idx ASC`
	var attempts []domain.Attempt
	op := func() error {
		rows, err := r.Pool.Query(ctx, q, jobID)
		if err != nil {
			return err
		}
		defer rows.Close()
		attempts = attempts[:0]
		for rows.Next() {
			var a domain.Attempt
			if err := rows.Scan(&a.ID, &a.JobID, &a.Index, &a.Status, &a.TestsPassed, &a.TestsTotal,
				&a.StartedAt, &a.FinishedAt, &a.RewardSummary, &a.LogPath, &a.Metadata); err != nil {
				return err
			}
			attempts = append(attempts, a)
		}
		return rows.Err()
	}
	if err := backoff.Retry(op, config.TransientBackoff(ctx)); err != nil {
		return nil, fmt.Errorf("op=attempt.list_by_job: %w", err)
	}
	return attempts, nil
}
