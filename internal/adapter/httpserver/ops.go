package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/harbor-runner/internal/config"
	"github.com/fairyhunter13/harbor-runner/internal/domain"
	"github.com/fairyhunter13/harbor-runner/internal/worker"
)

// QueueStatus is the scheduler-side view the ops endpoints report.
type QueueStatus interface {
	SystemStatus() worker.SystemStatus
	UserStatus(userID string) worker.UserStatus
}

// JobCanceler stops a job supervised by this process.
type JobCanceler interface {
	CancelJob(ctx context.Context, jobID string) error
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Queue    QueueStatus
	Canceler JobCanceler

	DBCheck     func(ctx context.Context) error
	BucketCheck func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
}

// QueueStatusHandler reports running/queued counts and per-user breakdowns.
func (s *Server) QueueStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Queue.SystemStatus())
	}
}

// UserQueueHandler reports one owner's active/queued usage against their
// bounds.
func (s *Server) UserQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		writeJSON(w, http.StatusOK, s.Queue.UserStatus(id))
	}
}

// CancelJobHandler terminates a job this worker supervises. Jobs running
// elsewhere (or already finished) report 404; the store-level cancel
// sentinel is the cross-worker path.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, domain.ErrInvalidArgument)
			return
		}
		if err := s.Canceler.CancelJob(r.Context(), id); err != nil {
			LoggerFrom(r).Warn("cancel request not served",
				slog.String("job_id", id), slog.Any("error", err))
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"jobId":  id,
			"status": "cancelling",
		})
	}
}

// ReadyzHandler probes the worker's hard dependencies: Postgres, the S3
// bucket, and Redis when the launch limiter is enabled.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	probe := func(ctx context.Context, name string, fn func(ctx context.Context) error, out *[]check) {
		if fn == nil {
			return
		}
		if err := fn(ctx); err != nil {
			*out = append(*out, check{Name: name, OK: false, Details: err.Error()})
			return
		}
		*out = append(*out, check{Name: name, OK: true})
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		probe(ctx, "db", s.DBCheck, &checks)
		probe(ctx, "bucket", s.BucketCheck, &checks)
		probe(ctx, "redis", s.RedisCheck, &checks)

		status := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, status, map[string]any{"checks": checks})
	}
}
