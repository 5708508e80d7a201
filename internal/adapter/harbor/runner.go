// Package harbor spawns and supervises the external agent binary and turns
// the artifact tree it leaves behind into normalized attempt results.
package harbor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/harbor-runner/internal/adapter/observability"
	"github.com/fairyhunter13/harbor-runner/internal/config"
	"github.com/fairyhunter13/harbor-runner/internal/domain"
	"github.com/fairyhunter13/harbor-runner/pkg/textx"
)

const (
	apiKeyEnv      = "HARBOR_API_KEY"
	mirroredKeyEnv = "ANTHROPIC_API_KEY"

	// termGrace is how long the group gets after SIGTERM before SIGKILL.
	termGrace = 2 * time.Second

	stdoutLogName = "harbor-stdout.log"
	stderrLogName = "harbor-stderr.log"
)

// ProcessTable receives live process handles so the canceler can signal
// them. Implemented by the worker registry.
type ProcessTable interface {
	AddProcess(jobID string, proc *os.Process)
	RemoveProcess(jobID string, pid int)
}

// Runner implements domain.AgentRunner by spawning the agent binary in its
// own process group and streaming its logs to the object store while it runs.
type Runner struct {
	store          domain.ObjectStore
	procs          ProcessTable
	apiKey         string
	uploadInterval time.Duration
	cancelPoll     time.Duration
	lookup         func(name string) (string, error)
}

// NewRunner wires a Runner from configuration.
func NewRunner(store domain.ObjectStore, procs ProcessTable, cfg config.Config) *Runner {
	return &Runner{
		store:          store,
		procs:          procs,
		apiKey:         cfg.HarborAPIKey,
		uploadInterval: cfg.LogUploadInterval,
		cancelPoll:     cfg.CancelPollInterval,
		lookup:         LookupBinary,
	}
}

// BuildArgs assembles the agent CLI invocation for one attempt.
func BuildArgs(taskRoot, agent, model, outputDir string) []string {
	args := []string{"run", "--path", taskRoot, "--agent", agent}
	if model != "" {
		args = append(args, "--model", model, "--ak", "reasoning_effort=medium")
	}
	return append(args, "--env", "docker", "--jobs-dir", outputDir, "--n-concurrent", "1")
}

// Run executes one agent attempt to completion, enforcing the timeout and
// the cancel callback against the whole process group.
func (r *Runner) Run(ctx domain.Context, cmd domain.AgentCommand) (domain.AgentResult, error) {
	tracer := otel.Tracer("harbor.runner")
	ctx, span := tracer.Start(ctx, "harbor.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", cmd.JobID),
		attribute.Int("attempt.index", cmd.AttemptIndex),
	)

	bin, err := r.lookup(BinaryName)
	if err != nil {
		return domain.AgentResult{}, err
	}

	if err := os.MkdirAll(cmd.LogDir, 0o750); err != nil {
		return domain.AgentResult{}, fmt.Errorf("op=harbor.run: %w", err)
	}
	stdoutPath := filepath.Join(cmd.LogDir, stdoutLogName)
	stderrPath := filepath.Join(cmd.LogDir, stderrLogName)
	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return domain.AgentResult{}, fmt.Errorf("op=harbor.run: %w", err)
	}
	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		_ = stdoutFile.Close()
		return domain.AgentResult{}, fmt.Errorf("op=harbor.run: %w", err)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	proc := exec.Command(bin, cmd.Args...)
	configureProcessGroup(proc)
	proc.Env = buildEnv(os.Environ(), r.apiKey)
	proc.Stdout = io.MultiWriter(stdoutFile, &stdoutBuf)
	proc.Stderr = io.MultiWriter(stderrFile, &stderrBuf)

	if err := proc.Start(); err != nil {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		return domain.AgentResult{}, fmt.Errorf("op=harbor.run: start %s: %w", bin, err)
	}
	pid := proc.Process.Pid
	if r.procs != nil {
		r.procs.AddProcess(cmd.JobID, proc.Process)
		defer r.procs.RemoveProcess(cmd.JobID, pid)
	}
	observability.AgentStarted()
	defer observability.AgentExited()
	slog.Info("agent started",
		slog.String("job_id", cmd.JobID),
		slog.Int("attempt", cmd.AttemptIndex),
		slog.Int("pid", pid),
	)

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	cancelPoll := r.cancelPoll
	if cancelPoll <= 0 {
		cancelPoll = 2 * time.Second
	}
	uploadInterval := r.uploadInterval
	if uploadInterval <= 0 {
		uploadInterval = 30 * time.Second
	}

	uploadTick := time.NewTicker(uploadInterval)
	defer uploadTick.Stop()
	cancelTick := time.NewTicker(cancelPoll)
	defer cancelTick.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cancelled, timedOut bool
	var waitErr error
supervise:
	for {
		select {
		case waitErr = <-done:
			break supervise
		case <-uploadTick.C:
			r.uploadLogs(ctx, cmd.LogKeyPrefix, stdoutPath, stderrPath)
		case <-cancelTick.C:
			if cmd.Cancelled != nil && cmd.Cancelled() {
				cancelled = true
				waitErr = r.stopGroup(pid, done)
				break supervise
			}
		case <-timer.C:
			timedOut = true
			waitErr = r.stopGroup(pid, done)
			break supervise
		case <-ctx.Done():
			cancelled = true
			waitErr = r.stopGroup(pid, done)
			break supervise
		}
	}

	_ = stdoutFile.Close()
	_ = stderrFile.Close()
	// Upload survives a cancelled context; partial logs are the only
	// evidence a killed attempt leaves.
	r.uploadLogs(context.WithoutCancel(ctx), cmd.LogKeyPrefix, stdoutPath, stderrPath)

	res := domain.AgentResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
	switch {
	case cancelled:
		return res, fmt.Errorf("op=harbor.run: %w", domain.ErrCancelled)
	case timedOut:
		return res, fmt.Errorf("op=harbor.run: agent timed out after %s: %w", timeout, domain.ErrAttemptTimeout)
	}
	if waitErr != nil {
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			res.ExitCode = ee.ExitCode()
			if res.ExitCode < 0 {
				// Killed by a signal we did not send: someone cancelled us.
				return res, fmt.Errorf("op=harbor.run: %w", domain.ErrCancelled)
			}
			return res, fmt.Errorf("op=harbor.run: agent exited with code %d: %w: %s",
				res.ExitCode, domain.ErrExecution, textx.Tail(res.Stderr, 500))
		}
		return res, fmt.Errorf("op=harbor.run: %w", waitErr)
	}
	return res, nil
}

// stopGroup terminates the process group, escalating to SIGKILL after the
// grace period, and returns the child's wait result.
func (r *Runner) stopGroup(pid int, done <-chan error) error {
	_ = TerminateGroup(pid)
	select {
	case err := <-done:
		return err
	case <-time.After(termGrace):
		_ = KillGroup(pid)
		return <-done
	}
}

func (r *Runner) uploadLogs(ctx domain.Context, keyPrefix, stdoutPath, stderrPath string) {
	if r.store == nil || keyPrefix == "" {
		return
	}
	for _, p := range []string{stdoutPath, stderrPath} {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		key := path.Join(keyPrefix, filepath.Base(p))
		if _, err := r.store.Put(ctx, key, data, "text/plain; charset=utf-8"); err != nil {
			observability.LogUpload(false)
			slog.Warn("log upload failed", slog.String("key", key), slog.Any("error", err))
			continue
		}
		observability.LogUpload(true)
	}
}

// buildEnv inherits the parent environment, guarantees the agent API key is
// present, and mirrors it under the alternate name when only one is set.
func buildEnv(base []string, apiKey string) []string {
	vals := map[string]string{}
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i > 0 {
			vals[kv[:i]] = kv[i+1:]
		}
	}
	key := vals[apiKeyEnv]
	if key == "" && apiKey != "" {
		key = apiKey
		base = append(base, apiKeyEnv+"="+key)
	}
	if key != "" && vals[mirroredKeyEnv] == "" {
		base = append(base, mirroredKeyEnv+"="+key)
	}
	return base
}
