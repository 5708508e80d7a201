package containers_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/harbor-runner/internal/adapter/containers"
)

type call struct {
	name string
	args []string
}

type scriptedRunner struct {
	calls []call
	// respond maps the first arg after "docker" to a canned response.
	respond func(args []string) (string, string, error)
}

func (s *scriptedRunner) run(_ context.Context, name string, args ...string) (string, string, error) {
	s.calls = append(s.calls, call{name: name, args: args})
	if s.respond != nil {
		return s.respond(args)
	}
	return "", "", nil
}

func TestCLI_Build(t *testing.T) {
	t.Run("passes dockerfile tag and context", func(t *testing.T) {
		r := &scriptedRunner{}
		cli := containers.NewCLIWithRunner(r.run)

		err := cli.Build(context.Background(), "/work/job-1/task/Dockerfile", "hb__regex-log-parser:latest", "/work/job-1/task")

		require.NoError(t, err)
		require.Len(t, r.calls, 1)
		assert.Equal(t, "docker", r.calls[0].name)
		assert.Equal(t, []string{
			"build", "-f", "/work/job-1/task/Dockerfile",
			"-t", "hb__regex-log-parser:latest", "/work/job-1/task",
		}, r.calls[0].args)
	})

	t.Run("failure carries stderr", func(t *testing.T) {
		r := &scriptedRunner{respond: func([]string) (string, string, error) {
			return "", "no space left on device", errors.New("exit status 1")
		}}
		cli := containers.NewCLIWithRunner(r.run)

		err := cli.Build(context.Background(), "Dockerfile", "t:latest", ".")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "op=containers.build")
		assert.Contains(t, err.Error(), "no space left on device")
	})
}

func TestCLI_ListByPrefix(t *testing.T) {
	r := &scriptedRunner{respond: func(args []string) (string, string, error) {
		require.Equal(t, []string{"ps", "-a", "--format", "{{.ID}} {{.Names}}"}, args)
		return strings.Join([]string{
			"abc123 hb__regex-log-parser-run0",
			"def456 unrelated-service",
			"0618ab hb__regex-log-parser-run1",
			"malformed",
			"",
		}, "\n"), "", nil
	}}
	cli := containers.NewCLIWithRunner(r.run)

	got, err := cli.ListByPrefix(context.Background(), "hb__")

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "abc123", got[0].ID)
	assert.Equal(t, "hb__regex-log-parser-run0", got[0].Name)
	assert.Equal(t, "0618ab", got[1].ID)
}

func TestCLI_ForceRemove(t *testing.T) {
	t.Run("single forced remove", func(t *testing.T) {
		r := &scriptedRunner{}
		cli := containers.NewCLIWithRunner(r.run)

		require.NoError(t, cli.ForceRemove(context.Background(), "abc123"))
		require.Len(t, r.calls, 1)
		assert.Equal(t, []string{"rm", "-f", "abc123"}, r.calls[0].args)
	})

	t.Run("falls back to kill then rm", func(t *testing.T) {
		r := &scriptedRunner{respond: func(args []string) (string, string, error) {
			if args[0] == "rm" && args[1] == "-f" {
				return "", "cannot remove running container", errors.New("exit status 1")
			}
			return "", "", nil
		}}
		cli := containers.NewCLIWithRunner(r.run)

		require.NoError(t, cli.ForceRemove(context.Background(), "abc123"))
		require.Len(t, r.calls, 3)
		assert.Equal(t, []string{"kill", "abc123"}, r.calls[1].args)
		assert.Equal(t, []string{"rm", "abc123"}, r.calls[2].args)
	})

	t.Run("both paths fail", func(t *testing.T) {
		r := &scriptedRunner{respond: func([]string) (string, string, error) {
			return "", "daemon unreachable", errors.New("exit status 1")
		}}
		cli := containers.NewCLIWithRunner(r.run)

		err := cli.ForceRemove(context.Background(), "abc123")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "op=containers.force_remove")
	})
}
