//go:build integration

package plugin

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDockerClient(t *testing.T) *client.Client {
	t.Helper()
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Skipf("docker: unavailable: %v", err)
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		t.Skipf("docker: daemon unreachable: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func TestContainer_ExecuteCapturesStdoutAndExitCode(t *testing.T) {
	cli := newDockerClient(t)
	c := NewContainer(cli)

	task, err := json.Marshal(containerTask{Image: "alpine:3.20", Cmd: []string{"echo", "-n", "hello"}, Pull: true})
	require.NoError(t, err)

	result, err := c.Execute(context.Background(), task)
	require.NoError(t, err)

	var got containerResult
	require.NoError(t, json.Unmarshal(result, &got))
	assert.Equal(t, 0, got.ExitCode)
	assert.Equal(t, "hello", got.Stdout)
}

func TestContainer_NonzeroExitIsFatal(t *testing.T) {
	cli := newDockerClient(t)
	c := NewContainer(cli)

	task, err := json.Marshal(containerTask{Image: "alpine:3.20", Cmd: []string{"sh", "-c", "exit 7"}})
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), task)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestContainer_MissingImageIsFatal(t *testing.T) {
	cli := newDockerClient(t)
	c := NewContainer(cli)

	task, err := json.Marshal(containerTask{})
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), task)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}
