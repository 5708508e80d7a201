package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/harbor-runner/internal/domain"
)

// Stores bundles the persistence ports every driver needs.
type Stores struct {
	Users    domain.UserRepository
	Jobs     domain.JobRepository
	Attempts domain.AttemptRepository
	Episodes domain.EpisodeRepository
	Objects  domain.ObjectStore
}

// Worker ties the poller and scheduler into one lifecycle: run until the
// context ends, stop admitting, then drain in-flight jobs.
type Worker struct {
	sched           *Scheduler
	poller          *Poller
	shutdownTimeout time.Duration
}

func New(sched *Scheduler, poller *Poller, shutdownTimeout time.Duration) *Worker {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Worker{sched: sched, poller: poller, shutdownTimeout: shutdownTimeout}
}

// Run blocks until ctx ends, then drains. Jobs run on a context detached
// from ctx so a shutdown signal stops admission without killing agents that
// can still finish inside the drain window.
func (w *Worker) Run(ctx context.Context) error {
	jobCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()
	w.sched.Start(jobCtx)

	w.poller.Run(ctx)

	w.sched.Close()
	slog.Info("draining in-flight jobs", slog.Duration("timeout", w.shutdownTimeout))
	if w.sched.Drain(w.shutdownTimeout) {
		slog.Info("all jobs drained")
		return nil
	}
	// Rows left running here are picked up by the next worker; that is the
	// at-least-once contract.
	slog.Warn("drain timed out, abandoning in-flight jobs")
	stopJobs()
	_ = w.sched.Drain(5 * time.Second)
	return nil
}
