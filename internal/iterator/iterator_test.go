package iterator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl-sub018/internal/playbook"
)

func testPlaybook() *playbook.Playbook {
	return &playbook.Playbook{
		Workload: json.RawMessage(`{"items": [1, 2, 3, 4, 5]}`),
		Steps:    map[string]playbook.Step{},
	}
}

func TestResolveItems_PlainSequential(t *testing.T) {
	pb := testPlaybook()
	step := playbook.Step{ID: "s", Loop: &playbook.Loop{Collection: "items", Mode: playbook.ModeSequential}}

	items, err := resolveItems(pb, step, nil)
	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.JSONEq(t, "1", string(items[0]))
	assert.JSONEq(t, "5", string(items[4]))
}

func TestResolveItems_ChunkedGroupsIntoBuckets(t *testing.T) {
	pb := testPlaybook()
	step := playbook.Step{ID: "s", Loop: &playbook.Loop{Collection: "items", Mode: playbook.ModeChunked, ChunkSize: 2}}

	chunks, err := resolveItems(pb, step, nil)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.JSONEq(t, "[1,2]", string(chunks[0]))
	assert.JSONEq(t, "[3,4]", string(chunks[1]))
	assert.JSONEq(t, "[5]", string(chunks[2]))
}

func TestAdmit_CapsAtConcurrency(t *testing.T) {
	e := New(nil, nil)
	items := []json.RawMessage{
		json.RawMessage("1"), json.RawMessage("2"), json.RawMessage("3"),
	}
	// admit with events=nil would panic on actual emission; this test only
	// exercises the capacity arithmetic boundary via a zero-capacity call.
	err := e.admit(nil, 0, "loop", items, 1, 0, 1)
	require.NoError(t, err) // concurrency 1 with one item in flight: zero capacity, nothing to emit
}
