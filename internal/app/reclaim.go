package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// staleJobStore is the single store call the reclaimer needs.
type staleJobStore interface {
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// StaleJobReclaimer requeues running jobs whose rows have gone untouched for
// longer than maxAge. Attempt completions bump updated_at, so a row only goes
// stale when the worker driving it died. Cancelled jobs never come back; the
// cancel path writes failed long before a row could age out.
type StaleJobReclaimer struct {
	jobs     staleJobStore
	maxAge   time.Duration
	interval time.Duration
}

// NewStaleJobReclaimer returns nil when jobs is nil or maxAge is zero;
// Run on a nil reclaimer is a no-op.
func NewStaleJobReclaimer(jobs staleJobStore, maxAge, interval time.Duration) *StaleJobReclaimer {
	if jobs == nil || maxAge <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StaleJobReclaimer{jobs: jobs, maxAge: maxAge, interval: interval}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *StaleJobReclaimer) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stale job reclaimer stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StaleJobReclaimer) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.reclaimer")
	ctx, span := tracer.Start(ctx, "StaleJobReclaimer.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("jobs.max_age_seconds", s.maxAge.Seconds()))

	n, err := s.jobs.RequeueStale(ctx, s.maxAge)
	if err != nil {
		span.RecordError(err)
		slog.Error("stale job sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int64("jobs.requeued", n))
	if n > 0 {
		slog.Warn("requeued stale jobs", slog.Int64("count", n), slog.Duration("max_age", s.maxAge))
	}
}
