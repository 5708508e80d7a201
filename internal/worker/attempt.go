package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/fairyhunter13/harbor-runner/internal/adapter/harbor"
	"github.com/fairyhunter13/harbor-runner/internal/adapter/observability"
	"github.com/fairyhunter13/harbor-runner/internal/config"
	"github.com/fairyhunter13/harbor-runner/internal/domain"
	"github.com/fairyhunter13/harbor-runner/pkg/textx"
)

// LaunchLimiter optionally gates attempt launches per model. Errors are
// treated as permission: the limiter degrades open.
type LaunchLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// AttemptDriver runs one agent attempt end to end: row creation, agent
// supervision, artifact parsing, episode persistence, upload, finalization.
type AttemptDriver struct {
	stores   Stores
	runner   domain.AgentRunner
	registry *Registry
	oracle   CancelOracle
	limiter  LaunchLimiter

	agent   string
	model   string
	timeout time.Duration
	stagger time.Duration
}

func NewAttemptDriver(stores Stores, runner domain.AgentRunner, reg *Registry, oracle CancelOracle, limiter LaunchLimiter, cfg config.Config) *AttemptDriver {
	return &AttemptDriver{
		stores:   stores,
		runner:   runner,
		registry: reg,
		oracle:   oracle,
		limiter:  limiter,
		agent:    cfg.HarborAgent,
		model:    cfg.HarborModel,
		timeout:  cfg.HarborTimeout(),
		stagger:  500 * time.Millisecond,
	}
}

// attemptKeyPrefix is the object-store home of one attempt's artifacts.
func attemptKeyPrefix(jobID string, index int) string {
	return path.Join("results", jobID, fmt.Sprintf("attempt-%d", index))
}

// Run executes attempt `index` of the job. The semaphore bounds how many
// attempts of this job run at once; failures never propagate to siblings.
func (d *AttemptDriver) Run(ctx domain.Context, job domain.Job, index int, taskRoot, attemptDir string, sem chan struct{}) {
	log := slog.With(slog.String("job_id", job.ID), slog.Int("attempt", index))

	if d.oracle.IsCancelled(ctx, job.ID) {
		log.Info("attempt skipped, job cancelled")
		return
	}
	// Stagger launches so N attempts do not hit the model API in the same
	// instant.
	if !sleepCtx(ctx, time.Duration(index)*d.stagger) {
		return
	}
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-sem }()

	if d.limiter != nil && !d.waitForLaunchSlot(ctx, job.ID, log) {
		return
	}

	att := domain.Attempt{
		JobID:     job.ID,
		Index:     index,
		Status:    domain.AttemptRunning,
		StartedAt: time.Now().UTC(),
	}
	id, err := d.stores.Attempts.Create(ctx, att)
	if err != nil {
		log.Error("attempt row not created", slog.Any("error", err))
		return
	}
	att.ID = id
	d.registry.AddAttempt(job.ID, id)
	defer d.registry.RemoveAttempt(job.ID, id)
	observability.StartAttempt()
	started := time.Now()

	if d.oracle.IsCancelled(ctx, job.ID) {
		d.finalizeCancelled(ctx, &att, started, log)
		return
	}

	outputDir := filepath.Join(attemptDir, "output")
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		d.recoverAttempt(ctx, job, &att, index, outputDir, started, fmt.Errorf("op=worker.attempt: output dir: %w", err), log)
		return
	}
	keyPrefix := attemptKeyPrefix(job.ID, index)
	cmd := domain.AgentCommand{
		JobID:        job.ID,
		AttemptIndex: index,
		Args:         harbor.BuildArgs(taskRoot, d.agent, d.model, outputDir),
		Timeout:      d.timeout,
		LogDir:       filepath.Join(attemptDir, "logs"),
		LogKeyPrefix: path.Join(keyPrefix, "logs"),
		Cancelled:    func() bool { return d.oracle.IsCancelled(ctx, job.ID) },
	}

	res, runErr := d.runner.Run(ctx, cmd)
	if runErr != nil {
		d.recoverAttempt(ctx, job, &att, index, outputDir, started, runErr, log)
		return
	}

	// Some providers surface throttling inside an exit-0 run; such an
	// attempt produced nothing real and must not advance the job counter.
	if domain.OutputRateLimited(res.Stdout) || domain.OutputRateLimited(res.Stderr) {
		tc, _ := domain.FailureRateLimit.SyntheticTestCase()
		att.TestsPassed, att.TestsTotal = 0, 1
		att.Metadata = failureMetadata(domain.FailureRateLimit, "provider rate limit detected in agent output", []domain.TestCase{tc})
		d.writeFailed(ctx, &att, log)
		observability.FailAttempt(string(domain.FailureRateLimit))
		observability.FinishAttempt("failed", time.Since(started).Seconds())
		log.Warn("attempt rate limited by provider")
		return
	}

	trial, perr := harbor.ParseTrial(outputDir)
	if perr != nil {
		d.recoverAttempt(ctx, job, &att, index, outputDir, started, perr, log)
		return
	}
	att.TestsPassed = trial.TestsPassed
	att.TestsTotal = trial.TestsTotal
	att.RewardSummary = trial.Rewards
	if len(trial.TestCases) > 0 {
		att.Metadata = map[string]any{"testCases": trial.TestCases}
	}
	// Zero discovered tests means the suite never ran; that is a failure,
	// not a neutral result.
	status := domain.AttemptFailed
	if trial.TestsTotal > 0 && trial.TestsPassed == trial.TestsTotal {
		status = domain.AttemptSuccess
	}

	d.persistEpisodes(ctx, att.ID, trial.Episodes, log)

	if d.oracle.IsCancelled(ctx, job.ID) {
		d.finalizeCancelled(ctx, &att, started, log)
		return
	}

	if _, err := d.stores.Objects.PutDirectory(ctx, trial.TrialDir, keyPrefix); err != nil {
		// The row must say why logPath is missing; the artifacts stay on
		// disk until the work dir is removed.
		log.Warn("trial upload failed", slog.Any("error", err))
		if att.Metadata == nil {
			att.Metadata = map[string]any{}
		}
		att.Metadata["uploadError"] = textx.Truncate(err.Error(), 2000)
	} else {
		att.LogPath = d.stores.Objects.URIFor(keyPrefix)
	}

	if d.oracle.IsCancelled(ctx, job.ID) {
		d.finalizeCancelled(ctx, &att, started, log)
		return
	}

	att.Status = status
	fin := time.Now().UTC()
	att.FinishedAt = &fin
	if err := d.stores.Attempts.Update(ctx, att); err != nil {
		log.Error("attempt finalization failed", slog.Any("error", err))
	}
	if err := d.stores.Jobs.IncrementProgress(ctx, job.ID); err != nil {
		log.Error("progress increment failed", slog.Any("error", err))
	}
	observability.FinishAttempt(string(status), time.Since(started).Seconds())
	log.Info("attempt finished",
		slog.String("status", string(status)),
		slog.Int("passed", att.TestsPassed),
		slog.Int("total", att.TestsTotal),
	)
}

// recoverAttempt is the catch path: salvage whatever artifacts exist, upload
// them, classify the failure, and finalize. Progress still advances unless
// the failure was a cancellation.
func (d *AttemptDriver) recoverAttempt(ctx domain.Context, job domain.Job, att *domain.Attempt, index int, outputDir string, started time.Time, cause error, log *slog.Logger) {
	// Finalization must land even while the worker is being torn down.
	ctx = context.WithoutCancel(ctx)
	class := domain.ClassifyFailure(cause)
	log.Warn("attempt entering recovery",
		slog.String("class", string(class)), slog.Any("error", cause))

	keyPrefix := attemptKeyPrefix(job.ID, index)
	trial, uploaded := harbor.RecoverTrial(ctx, outputDir, d.stores.Objects, keyPrefix)

	att.TestsPassed = trial.TestsPassed
	att.TestsTotal = trial.TestsTotal
	att.RewardSummary = trial.Rewards
	cases := trial.TestCases
	if att.TestsTotal == 0 {
		if tc, ok := class.SyntheticTestCase(); ok {
			cases = append(cases, tc)
			att.TestsPassed, att.TestsTotal = 0, 1
		}
	}

	eps := trial.Episodes
	if len(eps) == 0 {
		eps = []domain.Episode{harbor.DiagnosticEpisode("attempt failed before producing artifacts (" + string(class) + ")")}
	}
	d.persistEpisodes(ctx, att.ID, eps, log)

	if uploaded {
		att.LogPath = d.stores.Objects.URIFor(keyPrefix)
	}
	att.Metadata = failureMetadata(class, textx.Truncate(cause.Error(), 2000), cases)
	d.writeFailed(ctx, att, log)

	if class != domain.FailureCancelled {
		if err := d.stores.Jobs.IncrementProgress(ctx, job.ID); err != nil {
			log.Error("progress increment failed", slog.Any("error", err))
		}
	}
	observability.FailAttempt(string(class))
	observability.FinishAttempt("failed", time.Since(started).Seconds())
}

// finalizeCancelled closes the attempt row after a cancellation checkpoint
// fired. The progress counter never advances on this path.
func (d *AttemptDriver) finalizeCancelled(ctx domain.Context, att *domain.Attempt, started time.Time, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	md := att.Metadata
	if md == nil {
		md = map[string]any{}
	}
	md["failureClass"] = string(domain.FailureCancelled)
	att.Metadata = md
	d.writeFailed(ctx, att, log)
	observability.FailAttempt(string(domain.FailureCancelled))
	observability.FinishAttempt("failed", time.Since(started).Seconds())
	log.Info("attempt cancelled")
}

// writeFailed stamps the row failed with a finish time.
func (d *AttemptDriver) writeFailed(ctx domain.Context, att *domain.Attempt, log *slog.Logger) {
	att.Status = domain.AttemptFailed
	if att.FinishedAt == nil {
		fin := time.Now().UTC()
		att.FinishedAt = &fin
	}
	if err := d.stores.Attempts.Update(ctx, *att); err != nil {
		log.Error("attempt finalization failed", slog.Any("error", err))
	}
}

// persistEpisodes writes episodes with contiguous indices; a failed insert
// abandons the tail rather than leaving a hole in the sequence.
func (d *AttemptDriver) persistEpisodes(ctx domain.Context, attemptID string, eps []domain.Episode, log *slog.Logger) {
	for i := range eps {
		ep := eps[i]
		ep.AttemptID = attemptID
		ep.Index = i
		if _, err := d.stores.Episodes.Create(ctx, ep); err != nil {
			log.Warn("episode not persisted", slog.Int("episode", i), slog.Any("error", err))
			return
		}
	}
}

// waitForLaunchSlot blocks until the per-model limiter grants a launch, the
// job is cancelled, or the context ends. Limiter errors grant passage.
func (d *AttemptDriver) waitForLaunchSlot(ctx domain.Context, jobID string, log *slog.Logger) bool {
	key := d.model
	if key == "" {
		key = d.agent
	}
	for {
		ok, err := d.limiter.Allow(ctx, key)
		if err != nil {
			log.Warn("launch limiter unavailable, proceeding", slog.Any("error", err))
			return true
		}
		if ok {
			return true
		}
		if d.oracle.IsCancelled(ctx, jobID) {
			return false
		}
		if !sleepCtx(ctx, time.Second) {
			return false
		}
	}
}

func failureMetadata(class domain.FailureClass, msg string, cases []domain.TestCase) map[string]any {
	md := map[string]any{
		"failureClass": string(class),
		"error":        msg,
	}
	if len(cases) > 0 {
		md["testCases"] = cases
	}
	return md
}

// sleepCtx sleeps for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
