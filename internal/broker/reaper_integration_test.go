//go:build integration

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl-sub018/internal/event"
)

const timeoutPlaybook = `{
	"start": "a",
	"steps": {
		"a": {"id": "a", "kind": "noop", "timeout": 1000000000, "next": [{"step": "b"}]},
		"b": {"id": "b", "kind": "end"}
	}
}`

func TestReaper_TimesOutOverrunStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	execID := h.gen.Next()
	h.seedExecution(t, execID, "p3", timeoutPlaybook)

	// Insert a step_started event that is already well past its 1s timeout.
	stepStartedID := h.gen.Next()
	_, err := h.pool.Exec(ctx, `
		INSERT INTO events (event_id, execution_id, event_type, node_id, created_at)
		VALUES ($1, $2, 'step_started', 'a', now() - interval '1 hour')`,
		stepStartedID, execID)
	require.NoError(t, err)

	reaper := NewReaper(h.broker, time.Second)
	require.NoError(t, reaper.Sweep(ctx))

	events, err := h.events.Stream(ctx, execID, 0)
	require.NoError(t, err)

	var sawTimeout bool
	for _, e := range events {
		if e.EventType == event.TypeActionError && e.NodeID == "a" && e.Error != nil && e.Error.Kind == "Timeout" {
			sawTimeout = true
		}
	}
	require.True(t, sawTimeout)
}

func TestReaper_LeavesFreshStepAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	execID := h.gen.Next()
	h.seedExecution(t, execID, "p4", timeoutPlaybook)

	_, err := h.events.Emit(ctx, &event.Envelope{ExecutionID: execID, EventType: event.TypeStepStarted, NodeID: "a"})
	require.NoError(t, err)

	reaper := NewReaper(h.broker, time.Hour)
	require.NoError(t, reaper.Sweep(ctx))

	events, err := h.events.Stream(ctx, execID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1) // only the step_started we seeded
}
