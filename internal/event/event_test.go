package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_RequiresExecutionIDAndType(t *testing.T) {
	e := &Envelope{}
	require.Error(t, e.Validate())

	e = &Envelope{ExecutionID: 1}
	require.Error(t, e.Validate())

	e = &Envelope{ExecutionID: 1, EventType: TypeExecutionStarted}
	require.NoError(t, e.Validate())
}

func TestValidate_RejectsUnknownType(t *testing.T) {
	e := &Envelope{ExecutionID: 1, EventType: "bogus"}
	require.Error(t, e.Validate())
}

func TestValidate_StepStartedRequiresNodeID(t *testing.T) {
	e := &Envelope{ExecutionID: 1, EventType: TypeStepStarted}
	require.Error(t, e.Validate())

	e.NodeID = "hello"
	require.NoError(t, e.Validate())
}

func TestValidate_LoopIterationRequiresLoopID(t *testing.T) {
	e := &Envelope{ExecutionID: 1, EventType: TypeLoopIteration}
	require.Error(t, e.Validate())

	e.Iterator = &Iterator{LoopID: "each"}
	require.NoError(t, e.Validate())
}

func TestMarkerKey(t *testing.T) {
	e := &Envelope{ExecutionID: 7, EventType: TypeStepStarted, NodeID: "hello"}
	key, ok := e.MarkerKey()
	assert.True(t, ok)
	assert.Equal(t, "7:hello", key)

	e = &Envelope{ExecutionID: 7, EventType: TypeActionStarted}
	_, ok = e.MarkerKey()
	assert.False(t, ok)
}

func TestIsMarker(t *testing.T) {
	assert.True(t, IsMarker(TypeStepStarted))
	assert.True(t, IsMarker(TypeLoopIteration))
	assert.False(t, IsMarker(TypeActionStarted))
}
