package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/harbor-runner/internal/adapter/harbor"
	"github.com/fairyhunter13/harbor-runner/internal/domain"
)

// CancelOracle is the checkpoint query every driver consults.
type CancelOracle interface {
	IsCancelled(ctx domain.Context, jobID string) bool
}

// Canceler reconciles the two cancellation sources: the in-memory registry
// flag and the job row in the store. A separate API process cancels a job
// purely by writing the row; this worker converges on it within one poll.
type Canceler struct {
	jobs       domain.JobRepository
	attempts   domain.AttemptRepository
	registry   *Registry
	containers domain.ContainerRuntime
	grace      time.Duration

	// signal seams, swapped in tests
	term func(pid int) error
	kill func(pid int) error
}

func NewCanceler(jobs domain.JobRepository, attempts domain.AttemptRepository, reg *Registry, containers domain.ContainerRuntime) *Canceler {
	return &Canceler{
		jobs:       jobs,
		attempts:   attempts,
		registry:   reg,
		containers: containers,
		grace:      2 * time.Second,
		term:       harbor.TerminateGroup,
		kill:       harbor.KillGroup,
	}
}

// IsCancelled reports whether the job should stop. A missing row counts as
// cancelled. A row carrying the cancel sentinel additionally flips the
// in-memory flag, signals every live process group, and schedules container
// cleanup. Store errors report false: cancellation is re-observed later
// rather than guessed now.
func (c *Canceler) IsCancelled(ctx domain.Context, jobID string) bool {
	if c.registry.IsCancelled(jobID) {
		return true
	}
	job, err := c.jobs.Get(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return true
	}
	if err != nil {
		slog.Warn("cancellation check failed, assuming alive",
			slog.String("job_id", jobID), slog.Any("error", err))
		return false
	}
	if !job.CancelRequested() {
		return false
	}
	c.registry.MarkCancelled(jobID)
	if rj, ok := c.registry.Get(jobID); ok {
		for _, p := range rj.Processes {
			_ = c.term(p.Pid)
		}
		go c.cleanupContainers(context.WithoutCancel(ctx), jobID, rj.TaskName)
	}
	slog.Info("cancellation observed from store", slog.String("job_id", jobID))
	return true
}

// CancelJob is the in-process cancel entry point used by the ops endpoint.
// It signals every process group, escalates to a force-kill after the grace
// period, removes the task's containers, and fails the still-registered
// attempt rows. Unsupervised jobs report ErrNotFound.
func (c *Canceler) CancelJob(ctx domain.Context, jobID string) error {
	rj, ok := c.registry.Get(jobID)
	if !ok {
		return fmt.Errorf("op=worker.cancel_job: job %s not supervised here: %w", jobID, domain.ErrNotFound)
	}
	c.registry.MarkCancelled(jobID)
	slog.Info("cancelling job",
		slog.String("job_id", jobID),
		slog.Int("processes", len(rj.Processes)),
		slog.Int("attempts", len(rj.AttemptIDs)),
	)

	for _, p := range rj.Processes {
		_ = c.term(p.Pid)
	}
	if len(rj.Processes) > 0 {
		time.Sleep(c.grace)
		// The runner deregisters each process after reaping it, so whatever
		// is still listed survived the terminate signal.
		if left, ok := c.registry.Get(jobID); ok {
			for _, p := range left.Processes {
				_ = c.kill(p.Pid)
			}
		}
	}

	c.cleanupContainers(ctx, jobID, rj.TaskName)
	c.failRegisteredAttempts(ctx, jobID, rj.AttemptIDs)
	return nil
}

// cleanupContainers removes containers named <taskName>__*, but only while
// the registry still shows the job: that double-check keeps this worker from
// killing a sibling worker's containers for the same task.
func (c *Canceler) cleanupContainers(ctx domain.Context, jobID, taskName string) {
	if c.containers == nil || taskName == "" {
		return
	}
	if _, ok := c.registry.Get(jobID); !ok {
		return
	}
	prefix := taskName + "__"
	found, err := c.containers.ListByPrefix(ctx, prefix)
	if err != nil {
		slog.Warn("container listing failed", slog.String("prefix", prefix), slog.Any("error", err))
		return
	}
	for _, ct := range found {
		if err := c.containers.ForceRemove(ctx, ct.ID); err != nil {
			slog.Warn("container removal failed",
				slog.String("container", ct.Name), slog.Any("error", err))
			continue
		}
		slog.Info("container removed", slog.String("container", ct.Name), slog.String("job_id", jobID))
	}
}

// failRegisteredAttempts demotes the un-finalized attempt rows to failed,
// preserving whatever test data they already carry.
func (c *Canceler) failRegisteredAttempts(ctx domain.Context, jobID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	registered := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		registered[id] = struct{}{}
	}
	atts, err := c.attempts.ListByJob(ctx, jobID)
	if err != nil {
		slog.Error("attempt listing failed during cancel", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	now := time.Now().UTC()
	for _, a := range atts {
		if _, ok := registered[a.ID]; !ok {
			continue
		}
		if a.Status == domain.AttemptFailed {
			continue
		}
		a.Status = domain.AttemptFailed
		if a.FinishedAt == nil {
			fin := now
			a.FinishedAt = &fin
		}
		if err := c.attempts.Update(ctx, a); err != nil {
			slog.Warn("attempt not failed during cancel",
				slog.String("attempt_id", a.ID), slog.Any("error", err))
		}
	}
}
