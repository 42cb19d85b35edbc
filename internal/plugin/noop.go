package plugin

import (
	"context"
	"encoding/json"
)

// Noop is the `kind=noop` plugin: it does nothing and returns its task
// payload verbatim as the result. Useful for playbook scaffolding,
// control-flow-only steps, and the scenario suite's fixtures.
type Noop struct{}

func (Noop) Kind() string { return "noop" }

func (Noop) Execute(_ context.Context, task json.RawMessage) (json.RawMessage, error) {
	if len(task) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return task, nil
}

// Save is the `kind=save` plugin: it persists nothing itself (the worker
// never mutates shared server state — spec §4.7) but returns its task
// payload as the result. The broker records it as the step's last result,
// which the step's own `next` guards evaluate against; it is not merged
// into the render scope of the successor steps.
type Save struct{}

func (Save) Kind() string { return "save" }

func (Save) Execute(_ context.Context, task json.RawMessage) (json.RawMessage, error) {
	if len(task) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return task, nil
}
