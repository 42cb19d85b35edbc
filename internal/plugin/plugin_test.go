package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPlugin struct {
	kind   string
	result json.RawMessage
	err    error
}

func (s stubPlugin) Kind() string { return s.kind }
func (s stubPlugin) Execute(context.Context, json.RawMessage) (json.RawMessage, error) {
	return s.result, s.err
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Retryable(errors.New("boom"))))
	assert.False(t, IsRetryable(Fatal(errors.New("boom"))))
	assert.True(t, IsRetryable(errors.New("unwrapped, unknown origin")))
	assert.False(t, IsRetryable(nil))
}

func TestIsRetryable_UnwrapsWrappedFailure(t *testing.T) {
	wrapped := fmt.Errorf("sql: query failed: %w", Retryable(errors.New("connection reset")))
	assert.True(t, IsRetryable(wrapped))

	wrapped = fmt.Errorf("sql: query failed: %w", Fatal(errors.New("no such table")))
	assert.False(t, IsRetryable(wrapped))
}

func TestRegistry_DispatchUnknownKind(t *testing.T) {
	r := NewRegistry(stubPlugin{kind: "noop"})
	_, err := r.Dispatch(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestRegistry_DispatchRoutesByKind(t *testing.T) {
	r := NewRegistry(
		stubPlugin{kind: "a", result: json.RawMessage(`"from-a"`)},
		stubPlugin{kind: "b", result: json.RawMessage(`"from-b"`)},
	)
	result, err := r.Dispatch(context.Background(), "b", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"from-b"`, string(result))
}

func TestNoop_EchoesTaskOrEmptyObject(t *testing.T) {
	n := Noop{}
	assert.Equal(t, "noop", n.Kind())

	result, err := n.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(result))

	result, err = n.Execute(context.Background(), json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(result))
}

func TestSave_EchoesTaskForTransitionOverlay(t *testing.T) {
	s := Save{}
	assert.Equal(t, "save", s.Kind())

	result, err := s.Execute(context.Background(), json.RawMessage(`{"count":3}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":3}`, string(result))
}
