package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// containerTask is the `kind=container` task shape: an image to run, the
// command to execute inside it, and environment variables, rendered
// against the step's scope before Execute sees them.
type containerTask struct {
	Image string            `json:"image"`
	Cmd   []string          `json:"cmd,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
	Pull  bool              `json:"pull,omitempty"`
}

type containerResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Container is the `kind=container` plugin: runs a short-lived container to
// completion and returns its exit code and captured output. Grounded on
// evalgo-org-eve/common/docker.go's ContainerRun — create, start, wait for
// WaitConditionNotRunning, read logs, remove — generalized from that
// package's fire-and-log helper into a pure (task) -> result function that
// always cleans the container up, win or lose, rather than leaving cleanup
// to an AutoRemove flag a caller might forget to set.
type Container struct {
	cli *client.Client
}

// NewContainer builds a Container plugin backed by cli, the process-wide
// Docker API client.
func NewContainer(cli *client.Client) *Container {
	return &Container{cli: cli}
}

func (c *Container) Kind() string { return "container" }

func (c *Container) Execute(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
	var t containerTask
	if err := json.Unmarshal(task, &t); err != nil {
		return nil, Fatal(fmt.Errorf("container: decode task: %w", err))
	}
	if t.Image == "" {
		return nil, Fatal(fmt.Errorf("container: image is required"))
	}

	if t.Pull {
		reader, err := c.cli.ImagePull(ctx, t.Image, image.PullOptions{})
		if err != nil {
			return nil, Retryable(fmt.Errorf("container: pull %s: %w", t.Image, err))
		}
		if _, err := io.Copy(io.Discard, reader); err != nil {
			_ = reader.Close()
			return nil, Retryable(fmt.Errorf("container: pull %s: %w", t.Image, err))
		}
		_ = reader.Close()
	}

	env := make([]string, 0, len(t.Env))
	for k, v := range t.Env {
		env = append(env, k+"="+v)
	}

	created, err := c.cli.ContainerCreate(ctx,
		&containertypes.Config{
			Image:        t.Image,
			Cmd:          t.Cmd,
			Env:          env,
			AttachStdout: true,
			AttachStderr: true,
		},
		&containertypes.HostConfig{},
		nil, nil, "")
	if err != nil {
		return nil, Retryable(fmt.Errorf("container: create: %w", err))
	}
	defer func() {
		_ = c.cli.ContainerRemove(context.Background(), created.ID, containertypes.RemoveOptions{Force: true})
	}()

	if err := c.cli.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		return nil, Retryable(fmt.Errorf("container: start %s: %w", created.ID, err))
	}

	statusCh, errCh := c.cli.ContainerWait(ctx, created.ID, containertypes.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return nil, Retryable(fmt.Errorf("container: wait %s: %w", created.ID, err))
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return nil, Retryable(fmt.Errorf("container: wait %s: %w", created.ID, ctx.Err()))
	}

	logs, err := c.cli.ContainerLogs(ctx, created.ID, containertypes.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, Retryable(fmt.Errorf("container: logs %s: %w", created.ID, err))
	}
	defer func() { _ = logs.Close() }()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, Retryable(fmt.Errorf("container: demux logs %s: %w", created.ID, err))
	}

	if exitCode != 0 {
		return nil, Fatal(fmt.Errorf("container: %s exited %d: %s", t.Image, exitCode, stderr.String()))
	}

	result, err := json.Marshal(containerResult{
		ExitCode: int(exitCode),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	})
	if err != nil {
		return nil, Fatal(fmt.Errorf("container: marshal result: %w", err))
	}
	return result, nil
}
