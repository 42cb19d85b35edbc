package eventlog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl-sub018/internal/event"
)

func TestMaterialize_LinearPlaybook(t *testing.T) {
	events := []*event.Envelope{
		{EventID: 1, ExecutionID: 100, EventType: event.TypeExecutionStarted},
		{EventID: 2, ExecutionID: 100, EventType: event.TypeStepStarted, NodeID: "hello"},
		{EventID: 3, ExecutionID: 100, EventType: event.TypeActionStarted, NodeID: "hello"},
		{EventID: 4, ExecutionID: 100, EventType: event.TypeActionCompleted, NodeID: "hello", Result: json.RawMessage(`{"msg":"world"}`)},
		{EventID: 5, ExecutionID: 100, EventType: event.TypeStepCompleted, NodeID: "hello"},
		{EventID: 6, ExecutionID: 100, EventType: event.TypeExecutionComplete},
	}

	snap := Materialize(events)
	require.NotNil(t, snap)
	assert.Equal(t, "complete", snap.Status)
	assert.Equal(t, int64(6), snap.LastEventID)

	step := snap.Steps["hello"]
	require.NotNil(t, step)
	assert.Equal(t, 1, step.Attempts)
	assert.JSONEq(t, `{"msg":"world"}`, string(step.LastResult))
	assert.Equal(t, "closed:succeeded", step.Status)
}

func TestMaterialize_IsDeterministicAcrossRuns(t *testing.T) {
	events := []*event.Envelope{
		{EventID: 1, ExecutionID: 1, EventType: event.TypeExecutionStarted},
		{EventID: 2, ExecutionID: 1, EventType: event.TypeStepStarted, NodeID: "s"},
	}

	first := Materialize(events)
	second := Materialize(events)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Steps["s"].Status, second.Steps["s"].Status)
}

func TestMaterialize_IteratorAggregationOrderedByIterationIndex(t *testing.T) {
	events := []*event.Envelope{
		{EventID: 1, ExecutionID: 1, EventType: event.TypeExecutionStarted},
		{EventID: 2, ExecutionID: 1, EventType: event.TypeStepStarted, NodeID: "each"},
		{EventID: 3, ExecutionID: 1, EventType: event.TypeLoopIteration, NodeID: "each",
			Iterator: &event.Iterator{LoopID: "each", IterationIndex: 0}},
		{EventID: 4, ExecutionID: 1, EventType: event.TypeLoopIteration, NodeID: "each",
			Iterator: &event.Iterator{LoopID: "each", IterationIndex: 1}},
		{EventID: 5, ExecutionID: 1, EventType: event.TypeLoopIteration, NodeID: "each",
			Iterator: &event.Iterator{LoopID: "each", IterationIndex: 2}},
		// item 2 finishes first, then item 0, then item 1 — arrival order scrambled.
		{EventID: 6, ExecutionID: 1, EventType: event.TypeActionCompleted, NodeID: "each",
			Iterator: &event.Iterator{LoopID: "each", IterationIndex: 2}, Result: json.RawMessage(`60`)},
		{EventID: 7, ExecutionID: 1, EventType: event.TypeActionCompleted, NodeID: "each",
			Iterator: &event.Iterator{LoopID: "each", IterationIndex: 0}, Result: json.RawMessage(`20`)},
		{EventID: 8, ExecutionID: 1, EventType: event.TypeActionCompleted, NodeID: "each",
			Iterator: &event.Iterator{LoopID: "each", IterationIndex: 1}, Result: json.RawMessage(`40`)},
		{EventID: 9, ExecutionID: 1, EventType: event.TypeLoopCompleted, NodeID: "each"},
	}

	snap := Materialize(events)
	frame := snap.Iterators["each"]
	require.NotNil(t, frame)
	require.Len(t, frame.Results, 3)
	assert.JSONEq(t, "20", string(frame.Results[0]))
	assert.JSONEq(t, "40", string(frame.Results[1]))
	assert.JSONEq(t, "60", string(frame.Results[2]))
	assert.Equal(t, 0, frame.Pending)
}
