// Package containers shells out to the docker CLI for the few container
// operations the worker needs: prebuilding task images and sweeping leftover
// containers after a job winds down.
package containers

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/harbor-runner/internal/domain"
	"github.com/fairyhunter13/harbor-runner/pkg/textx"
)

// Runner executes one external command and returns its separated output.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)

// CLI implements domain.ContainerRuntime over the docker binary.
type CLI struct {
	run Runner
}

// NewCLI returns a CLI backed by os/exec.
func NewCLI() *CLI { return &CLI{run: execRunner} }

// NewCLIWithRunner substitutes the command runner, used by tests.
func NewCLIWithRunner(r Runner) *CLI { return &CLI{run: r} }

func execRunner(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Build runs docker build for the given dockerfile, tag and context dir.
// Failures carry the tail of stderr; image builds fail for reasons the exit
// code alone never explains.
func (c *CLI) Build(ctx domain.Context, dockerfile, tag, contextDir string) error {
	tracer := otel.Tracer("containers.docker")
	ctx, span := tracer.Start(ctx, "containers.Build")
	defer span.End()
	span.SetAttributes(attribute.String("docker.image_tag", tag))

	_, stderr, err := c.run(ctx, "docker", "build", "-f", dockerfile, "-t", tag, contextDir)
	if err != nil {
		return fmt.Errorf("op=containers.build: %w: %s", err, textx.Tail(stderr, 2000))
	}
	return nil
}

// ListByPrefix returns all containers (running or not) whose name starts
// with prefix.
func (c *CLI) ListByPrefix(ctx domain.Context, prefix string) ([]domain.Container, error) {
	stdout, stderr, err := c.run(ctx, "docker", "ps", "-a", "--format", "{{.ID}} {{.Names}}")
	if err != nil {
		return nil, fmt.Errorf("op=containers.list: %w: %s", err, textx.Tail(stderr, 500))
	}
	var out []domain.Container
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(fields[1], prefix) {
			out = append(out, domain.Container{ID: fields[0], Name: fields[1]})
		}
	}
	return out, nil
}

// ForceRemove removes a container, killing it first when a plain forced
// remove does not take.
func (c *CLI) ForceRemove(ctx domain.Context, id string) error {
	if _, _, err := c.run(ctx, "docker", "rm", "-f", id); err == nil {
		return nil
	}
	_, _, _ = c.run(ctx, "docker", "kill", id)
	if _, stderr, err := c.run(ctx, "docker", "rm", id); err != nil {
		return fmt.Errorf("op=containers.force_remove: %w: %s", err, textx.Tail(stderr, 500))
	}
	return nil
}
