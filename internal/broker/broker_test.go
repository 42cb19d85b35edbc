package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noetl/noetl-sub018/internal/event"
	"github.com/noetl/noetl-sub018/internal/eventlog"
	"github.com/noetl/noetl-sub018/internal/playbook"
)

func TestQueueNodeID(t *testing.T) {
	assert.Equal(t, "a", queueNodeID("a", nil))
	assert.Equal(t, "a:2", queueNodeID("a", &event.Iterator{LoopID: "a", IterationIndex: 2}))
}

func TestShouldRetry_NoRetryPolicy(t *testing.T) {
	b := &Broker{}
	step := playbook.Step{}
	snap := &eventlog.Snapshot{Steps: map[string]*eventlog.StepState{}}
	env := &event.Envelope{NodeID: "a", Error: &event.Error{Retryable: true}}
	assert.False(t, b.shouldRetry(step, snap, env))
}

func TestShouldRetry_RespectsRetryableFlagAndAttemptBudget(t *testing.T) {
	b := &Broker{}
	step := playbook.Step{Retry: &playbook.RetryPolicy{MaxAttempts: 2}}
	snap := &eventlog.Snapshot{Steps: map[string]*eventlog.StepState{
		"a": {NodeID: "a", Attempts: 1},
	}}

	assert.True(t, b.shouldRetry(step, snap, &event.Envelope{NodeID: "a", Error: &event.Error{Retryable: true}}))
	assert.False(t, b.shouldRetry(step, snap, &event.Envelope{NodeID: "a", Error: &event.Error{Retryable: false}}))

	snap.Steps["a"].Attempts = 2
	assert.False(t, b.shouldRetry(step, snap, &event.Envelope{NodeID: "a", Error: &event.Error{Retryable: true}}))
}

func TestMustMarshalError_NilIsNil(t *testing.T) {
	assert.Nil(t, mustMarshalError(nil))
	assert.JSONEq(t, `{"kind":"Timeout","message":"boom"}`, string(mustMarshalError(&event.Error{Kind: "Timeout", Message: "boom"})))
}
