package render

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_LinearSubstitution(t *testing.T) {
	scope := Scope{Workload: json.RawMessage(`{"name":"world"}`)}
	out, err := Render(json.RawMessage(`{"msg":"hello {{name}}"}`), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"hello world"}`, string(out))
}

func TestRender_ExactPlaceholderPreservesType(t *testing.T) {
	scope := Scope{Payload: json.RawMessage(`{"count":3}`)}
	out, err := Render(json.RawMessage(`{"n":"{{count}}"}`), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":3}`, string(out))
}

func TestRender_MissingPathUsesDefault(t *testing.T) {
	scope := Scope{}
	out, err := Render(json.RawMessage(`{"greeting":"{{name | default(\"anon\")}}"}`), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"greeting":"anon"}`, string(out))
}

func TestRender_PredecessorResultsExposedAsStepDotData(t *testing.T) {
	scope := Scope{
		PredecessorResults: map[string]json.RawMessage{
			"hello": json.RawMessage(`{"msg":"world"}`),
		},
	}
	out, err := Render(json.RawMessage(`{"echo":"{{hello.data.msg}}"}`), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"world"}`, string(out))
}

func TestRender_OverlayPrecedenceOverWorkload(t *testing.T) {
	scope := Scope{
		Workload:          json.RawMessage(`{"t":10}`),
		TransitionOverlay: json.RawMessage(`{"t":30}`),
	}
	out, err := Render(json.RawMessage(`{"t":"{{t}}"}`), scope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":30}`, string(out))
}

func TestEvaluateGuard_NumericComparison(t *testing.T) {
	scope, err := Scope{Workload: json.RawMessage(`{"t":30}`)}.Merge()
	require.NoError(t, err)

	ok, err := EvaluateGuard("{{t>=25}}", scope)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateGuard("{{t>=35}}", scope)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateGuard_BareTruthy(t *testing.T) {
	scope, err := Scope{Workload: json.RawMessage(`{"enabled":true}`)}.Merge()
	require.NoError(t, err)

	ok, err := EvaluateGuard("{{enabled}}", scope)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateGuard_MissingPathIsFalsy(t *testing.T) {
	scope, err := Scope{}.Merge()
	require.NoError(t, err)

	ok, err := EvaluateGuard("{{missing}}", scope)
	require.NoError(t, err)
	assert.False(t, ok)
}
