package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/harbor-runner/internal/config"
	"github.com/fairyhunter13/harbor-runner/internal/domain"
)

//go:generate mockery --config=.mockery-pgx.yml

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// JobRepo loads and transitions job rows. The worker never inserts jobs;
// the API process owns creation.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, task_name, status, runs_requested, runs_completed, zip_location, owner_id, COALESCE(error_message,''), created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.TaskName, &j.Status, &j.RunsRequested, &j.RunsCompleted,
		&j.ZipLocation, &j.OwnerID, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// Get loads a job by id. Reads retry on transient pool errors; the canceler
// and poller call this continuously and must ride out reconnects.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	var j domain.Job
	op := func() error {
		var err error
		j, err = scanJob(r.Pool.QueryRow(ctx, q, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return backoff.Permanent(domain.ErrNotFound)
		}
		return err
	}
	if err := backoff.Retry(op, config.TransientBackoff(ctx)); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// ListQueued returns queued jobs oldest-first, the admission order the fair
// scheduler expects.
func (r *JobRepo) ListQueued(ctx domain.Context) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListQueued")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status='queued' ORDER BY created_at ASC`
	var jobs []domain.Job
	op := func() error {
		rows, err := r.Pool.Query(ctx, q)
		if err != nil {
			return err
		}
		defer rows.Close()
		jobs = jobs[:0]
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	}
	if err := backoff.Retry(op, config.TransientBackoff(ctx)); err != nil {
		return nil, fmt.Errorf("op=job.list_queued: %w", err)
	}
	return jobs, nil
}

// UpdateStatus updates a job's status and optional error message.
func (r *JobRepo) UpdateStatus(ctx domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `UPDATE jobs SET status=$2, error_message=$3, updated_at=$4 WHERE id=$1`
	// Map nil errMsg to empty string to satisfy NOT NULL constraint
	errVal := ""
	if errMsg != nil {
		errVal = *errMsg
	}
	tag, err := r.Pool.Exec(ctx, q, id, status, errVal, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.update_status: %w", domain.ErrNotFound)
	}
	return nil
}

// RequeueStale flips running jobs whose rows went untouched for olderThan
// back to queued so a live worker can pick them up. Every finished attempt
// bumps updated_at, so only jobs whose worker died go stale.
func (r *JobRepo) RequeueStale(ctx domain.Context, olderThan time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequeueStale")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `UPDATE jobs SET status='queued', error_message='', updated_at=$2 WHERE status='running' AND updated_at < $1`
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := r.Pool.Exec(ctx, q, cutoff, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=job.requeue_stale: %w", err)
	}
	span.SetAttributes(attribute.Int64("jobs.requeued", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// IncrementProgress adds one run to the job's completed counter inside the
// database. LEAST keeps runs_completed within runs_requested even if a
// recovery path double-fires.
func (r *JobRepo) IncrementProgress(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.IncrementProgress")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `UPDATE jobs SET runs_completed = LEAST(runs_completed + 1, runs_requested), updated_at=$2 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.increment_progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.increment_progress: %w", domain.ErrNotFound)
	}
	return nil
}
