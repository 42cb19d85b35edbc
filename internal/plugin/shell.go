package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

type shellTask struct {
	Script string            `json:"script"`
	Env    map[string]string `json:"env,omitempty"`
}

type execResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Shell is the `kind=shell` plugin: runs a rendered script under `sh -c`
// and returns its stdout/stderr/exit code. Context cancellation kills the
// subprocess, satisfying the worker's cooperative-cancellation contract
// (spec §4.7's "stop executing the plugin on its next cooperative
// checkpoint").
type Shell struct{}

func (Shell) Kind() string { return "shell" }

func (Shell) Execute(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
	var t shellTask
	if err := json.Unmarshal(task, &t); err != nil {
		return nil, Fatal(fmt.Errorf("shell: decode task: %w", err))
	}
	if t.Script == "" {
		return nil, Fatal(fmt.Errorf("shell: script is required"))
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", t.Script)
	for k, v := range t.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, Retryable(fmt.Errorf("shell: exec: %w", runErr))
		}
	}

	if exitCode != 0 {
		return nil, Fatal(fmt.Errorf("shell: exited %d: %s", exitCode, stderr.String()))
	}

	result, err := json.Marshal(execResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode})
	if err != nil {
		return nil, Fatal(fmt.Errorf("shell: marshal result: %w", err))
	}
	return result, nil
}
