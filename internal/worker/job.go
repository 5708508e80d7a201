package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pelletier/go-toml/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/harbor-runner/internal/adapter/objstore"
	"github.com/fairyhunter13/harbor-runner/internal/adapter/observability"
	"github.com/fairyhunter13/harbor-runner/internal/config"
	"github.com/fairyhunter13/harbor-runner/internal/domain"
	"github.com/fairyhunter13/harbor-runner/pkg/textx"
	"github.com/fairyhunter13/harbor-runner/pkg/zipx"
)

const taskManifest = "task.toml"

// JobDriver takes an admitted job from queued to a terminal status: fetch
// and unpack the task archive, prebuild its image, fan out attempts under
// the per-job semaphore, and reconcile the outcome.
type JobDriver struct {
	stores     Stores
	containers domain.ContainerRuntime
	registry   *Registry
	oracle     CancelOracle
	attempts   *AttemptDriver
	policy     config.ModelPolicy

	workRoot   string
	model      string
	attemptCap int
}

func NewJobDriver(stores Stores, containers domain.ContainerRuntime, reg *Registry, oracle CancelOracle, attempts *AttemptDriver, policy config.ModelPolicy, cfg config.Config) *JobDriver {
	return &JobDriver{
		stores:     stores,
		containers: containers,
		registry:   reg,
		oracle:     oracle,
		attempts:   attempts,
		policy:     policy,
		workRoot:   cfg.WorkRoot,
		model:      cfg.HarborModel,
		attemptCap: cfg.MaxConcurrentAttemptsPerJob,
	}
}

// Run drives the job to a terminal row. Every outcome, including
// cancellation, is written to the store, with one exception: when shutdown
// cuts the job loose mid-flight the row is left running for the next
// worker to reclaim.
func (d *JobDriver) Run(ctx domain.Context, job domain.Job) {
	tracer := otel.Tracer("worker.job")
	ctx, span := tracer.Start(ctx, "job.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.task", job.TaskName),
		attribute.Int("job.runs_requested", job.RunsRequested),
	)
	log := slog.With(
		slog.String("job_id", job.ID),
		slog.String("task", job.TaskName),
		slog.String("owner", job.OwnerID),
	)
	log.Info("job starting", slog.Int("runs_requested", job.RunsRequested))

	d.registry.Register(job.ID, job.TaskName)
	workDir := filepath.Join(d.workRoot, "job-"+job.ID)
	defer func() {
		d.registry.Unregister(job.ID)
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn("work dir not removed", slog.Any("error", err))
		}
	}()

	status := "failed"
	defer func() { observability.FinishJob(status) }()

	err := d.run(ctx, job, workDir, log)
	if ctx.Err() != nil && !d.oracle.IsCancelled(ctx, job.ID) {
		// Shutdown cut the run short. No terminal status: the row stays
		// running so the next worker re-admits it; only a job this worker
		// saw through to the end may reach a terminal row.
		status = "abandoned"
		log.Warn("job abandoned at shutdown")
		return
	}
	switch {
	case err == nil:
		if uerr := d.stores.Jobs.UpdateStatus(context.WithoutCancel(ctx), job.ID, domain.JobCompleted, nil); uerr != nil {
			log.Error("job completion not recorded", slog.Any("error", uerr))
			return
		}
		status = "completed"
		log.Info("job completed")
	case errors.Is(err, domain.ErrCancelled):
		d.cancelEpilogue(ctx, job, log)
	default:
		d.failJob(ctx, job, err, log)
	}
}

func (d *JobDriver) run(ctx domain.Context, job domain.Job, workDir string, log *slog.Logger) error {
	if err := d.stores.Jobs.UpdateStatus(ctx, job.ID, domain.JobRunning, nil); err != nil {
		// Keep going: the row converges on the next terminal write.
		log.Warn("running status not recorded", slog.Any("error", err))
	}
	if d.oracle.IsCancelled(ctx, job.ID) {
		return domain.ErrCancelled
	}

	if err := os.RemoveAll(workDir); err != nil {
		return fmt.Errorf("op=worker.job: stale work dir: %w", err)
	}
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return fmt.Errorf("op=worker.job: work dir: %w", err)
	}

	taskRoot, err := d.fetchTask(ctx, job, workDir)
	if err != nil {
		return err
	}
	d.prebuildImage(ctx, job, taskRoot, log)

	limit := d.policy.AttemptConcurrency(d.model, d.attemptCap)
	sem := make(chan struct{}, limit)
	log.Info("launching attempts",
		slog.Int("runs", job.RunsRequested), slog.Int("concurrency", limit))

	// Every attempt finishes on its own; one failing never stops siblings.
	var wg sync.WaitGroup
	for i := 0; i < job.RunsRequested; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			attemptDir := filepath.Join(workDir, "attempts", fmt.Sprintf("attempt-%d", idx))
			d.attempts.Run(ctx, job, idx, taskRoot, attemptDir, sem)
		}(i)
	}
	wg.Wait()

	if d.oracle.IsCancelled(ctx, job.ID) {
		return domain.ErrCancelled
	}
	return nil
}

// fetchTask downloads the job's archive, verifies it is a zip, extracts it
// under workDir and locates the task root.
func (d *JobDriver) fetchTask(ctx domain.Context, job domain.Job, workDir string) (string, error) {
	key, err := objstore.ExtractKey(job.ZipLocation)
	if err != nil {
		return "", fmt.Errorf("op=worker.job: zip location: %w", err)
	}
	data, err := d.stores.Objects.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("op=worker.job: task archive %s: %w", key, err)
	}
	if !mimetype.Detect(data).Is("application/zip") {
		return "", fmt.Errorf("op=worker.job: object %s is not a zip archive: %w", key, domain.ErrInvalidArgument)
	}

	zipPath := filepath.Join(workDir, "task.zip")
	if err := os.WriteFile(zipPath, data, 0o640); err != nil {
		return "", fmt.Errorf("op=worker.job: write archive: %w", err)
	}
	extractDir := filepath.Join(workDir, "task")
	if err := zipx.Extract(zipPath, extractDir); err != nil {
		return "", fmt.Errorf("op=worker.job: extract archive: %w", err)
	}
	_ = os.Remove(zipPath)

	return locateTaskRoot(extractDir)
}

// locateTaskRoot finds the directory holding task.toml: the extraction base
// itself, or its first direct subdirectory that carries one.
func locateTaskRoot(dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, taskManifest)); err == nil {
		return dir, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("op=worker.job: read extracted archive: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(filepath.Join(candidate, taskManifest)); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("op=worker.job: no %s found in archive: %w", taskManifest, domain.ErrInvalidArgument)
}

// prebuildImage builds the task's container image once so the attempts can
// share it, and records the tag in task.toml. Entirely best-effort: the
// agent builds on demand when this fails.
func (d *JobDriver) prebuildImage(ctx domain.Context, job domain.Job, taskRoot string, log *slog.Logger) {
	if d.containers == nil {
		return
	}
	dockerfile := filepath.Join(taskRoot, "environment", "Dockerfile")
	if _, err := os.Stat(dockerfile); err != nil {
		dockerfile = filepath.Join(taskRoot, "Dockerfile")
		if _, err := os.Stat(dockerfile); err != nil {
			log.Debug("no dockerfile in task, agent builds on demand")
			return
		}
	}
	tag := imageTag(job.TaskName)
	if err := d.containers.Build(ctx, dockerfile, tag, taskRoot); err != nil {
		log.Warn("image prebuild failed, agent builds on demand", slog.Any("error", err))
		return
	}
	if err := setTaskImage(filepath.Join(taskRoot, taskManifest), tag); err != nil {
		log.Warn("task manifest rewrite failed", slog.Any("error", err))
		return
	}
	log.Info("task image prebuilt", slog.String("tag", tag))
}

func imageTag(taskName string) string {
	return "hb__" + textx.SanitizeTaskName(taskName) + ":latest"
}

// setTaskImage records the prebuilt image under [environment] in the task
// manifest so every attempt reuses it instead of rebuilding.
func setTaskImage(manifestPath, image string) error {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("op=worker.job: read manifest: %w", err)
	}
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("op=worker.job: parse manifest: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	env, _ := doc["environment"].(map[string]any)
	if env == nil {
		env = map[string]any{}
	}
	env["docker_image"] = image
	doc["environment"] = env
	out, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("op=worker.job: encode manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, out, 0o640); err != nil {
		return fmt.Errorf("op=worker.job: write manifest: %w", err)
	}
	return nil
}

// cancelEpilogue reconciles rows after a cancelled run: every attempt that
// is not already failed is demoted, covering both rows orphaned mid-run and
// a success finalized in the race window after the last cancel check.
func (d *JobDriver) cancelEpilogue(ctx domain.Context, job domain.Job, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	atts, err := d.stores.Attempts.ListByJob(ctx, job.ID)
	if err != nil {
		log.Error("cancel sweep listing failed", slog.Any("error", err))
	} else {
		now := time.Now().UTC()
		for _, a := range atts {
			if a.Status == domain.AttemptFailed {
				continue
			}
			demoted := a.Status == domain.AttemptSuccess
			a.Status = domain.AttemptFailed
			if a.FinishedAt == nil {
				fin := now
				a.FinishedAt = &fin
			}
			if err := d.stores.Attempts.Update(ctx, a); err != nil {
				log.Warn("attempt not demoted", slog.String("attempt_id", a.ID), slog.Any("error", err))
				continue
			}
			if demoted {
				log.Info("raced success demoted to failed", slog.String("attempt_id", a.ID))
			}
		}
	}
	msg := "Job cancelled by user"
	if err := d.stores.Jobs.UpdateStatus(ctx, job.ID, domain.JobFailed, &msg); err != nil {
		log.Error("cancelled status not recorded", slog.Any("error", err))
	}
	log.Info("job cancelled")
}

func (d *JobDriver) failJob(ctx domain.Context, job domain.Job, cause error, log *slog.Logger) {
	if d.oracle.IsCancelled(ctx, job.ID) {
		d.cancelEpilogue(ctx, job, log)
		return
	}
	msg := textx.Truncate(cause.Error(), 2000)
	if err := d.stores.Jobs.UpdateStatus(context.WithoutCancel(ctx), job.ID, domain.JobFailed, &msg); err != nil {
		log.Error("failed status not recorded", slog.Any("error", err))
	}
	log.Error("job failed", slog.Any("error", cause))
}
