package worker

import (
	"log/slog"
	"time"

	"github.com/fairyhunter13/harbor-runner/internal/domain"
)

// heartbeatEvery is how many polls pass between liveness log lines.
const heartbeatEvery = 10

// Poller feeds the scheduler from the store: every interval it lists queued
// jobs oldest-first and submits the ones worth submitting. Per-iteration
// errors are logged and swallowed; the loop itself never dies.
type Poller struct {
	jobs     domain.JobRepository
	sched    *Scheduler
	interval time.Duration
}

func NewPoller(jobs domain.JobRepository, sched *Scheduler, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{jobs: jobs, sched: sched, interval: interval}
}

// Run blocks until the context ends.
func (p *Poller) Run(ctx domain.Context) {
	slog.Info("poller started", slog.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	polls := 1
	for {
		select {
		case <-ctx.Done():
			slog.Info("poller stopping")
			return
		case <-ticker.C:
			p.poll(ctx)
			polls++
			if polls%heartbeatEvery == 0 {
				st := p.sched.SystemStatus()
				slog.Info("worker heartbeat",
					slog.Int("polls", polls),
					slog.Int("running", st.Running),
					slog.Int("queued", st.Queued),
				)
			}
		}
	}
}

func (p *Poller) poll(ctx domain.Context) {
	queued, err := p.jobs.ListQueued(ctx)
	if err != nil {
		slog.Warn("queued job listing failed", slog.Any("error", err))
		return
	}
	for _, job := range queued {
		if p.sched.Knows(job.ID) {
			continue
		}
		if st := p.sched.UserStatus(job.OwnerID); st.Queued >= st.MaxQueued {
			slog.Debug("owner queue full, job deferred",
				slog.String("job_id", job.ID), slog.String("owner", job.OwnerID))
			continue
		}
		switch p.sched.Enqueue(job) {
		case DecisionStarted:
			slog.Info("job admitted",
				slog.String("job_id", job.ID), slog.String("owner", job.OwnerID))
		case DecisionQueued:
			slog.Info("job queued",
				slog.String("job_id", job.ID), slog.String("owner", job.OwnerID))
		case DecisionRejected:
			slog.Warn("job rejected by scheduler",
				slog.String("job_id", job.ID), slog.String("owner", job.OwnerID))
		}
	}
}
