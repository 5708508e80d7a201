package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("S3_BUCKET", "harbor-dev")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 5000, cfg.PollIntervalMS)
	require.Equal(t, 5*time.Second, cfg.PollInterval())
	require.Equal(t, 10, cfg.MaxConcurrentAttemptsPerJob)
	require.Equal(t, 30*time.Minute, cfg.HarborTimeout())
	require.Equal(t, 4, cfg.MaxConcurrentJobs)
	require.Equal(t, 2, cfg.MaxActiveJobsPerUser)
	require.Equal(t, 20, cfg.MaxQueuedJobsPerUser)
	require.Equal(t, 9090, cfg.OpsPort)
	require.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	require.False(t, cfg.RateLimiterEnabled)
	require.True(t, cfg.IsDev())
	require.False(t, cfg.IsProd())
}

func Test_Load_MissingBucket(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	require.NoError(t, os.Unsetenv("S3_BUCKET"))

	_, err := Load()
	require.Error(t, err)
}

func Test_Load_RejectsTinyPollInterval(t *testing.T) {
	t.Setenv("S3_BUCKET", "harbor-dev")
	t.Setenv("WORKER_POLL_INTERVAL_MS", "10")

	_, err := Load()
	require.Error(t, err)
}

func Test_ModelPolicy_Defaults(t *testing.T) {
	p := DefaultModelPolicy()

	require.Equal(t, 10, p.AttemptConcurrency("anthropic/claude-sonnet", 10))
	require.Equal(t, 5, p.AttemptConcurrency("openai/gpt-oss-120b", 10))
	require.Equal(t, 5, p.AttemptConcurrency("x-ai/Grok-4", 10))
	// base below the rule stays untouched
	require.Equal(t, 3, p.AttemptConcurrency("openai/gpt-oss-120b", 3))
}

func Test_LoadModelPolicy_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	body := "models:\n  - substring: turbo\n    max_attempts: 2\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	p, err := LoadModelPolicy(path)
	require.NoError(t, err)
	require.Equal(t, 2, p.AttemptConcurrency("provider/model-turbo", 10))
	require.Equal(t, 10, p.AttemptConcurrency("provider/other", 10))

	// empty path falls back to the embedded defaults
	p, err = LoadModelPolicy("")
	require.NoError(t, err)
	require.Equal(t, 5, p.AttemptConcurrency("gpt-oss", 10))

	_, err = LoadModelPolicy(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
