package plugin

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPython_DefaultsInterpreter(t *testing.T) {
	p := NewPython("")
	assert.Equal(t, "python3", p.interpreter)
	assert.Equal(t, "python", p.Kind())
}

func TestPython_ExecuteReturnsPrintedJSON(t *testing.T) {
	p := NewPython("")
	task, err := json.Marshal(pythonTask{Code: "return {'ok': True}"})
	require.NoError(t, err)

	result, err := p.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok": true}`, string(result))
}

func TestPython_MissingCodeIsFatal(t *testing.T) {
	p := NewPython("")
	task, err := json.Marshal(pythonTask{})
	require.NoError(t, err)

	_, err = p.Execute(context.Background(), task)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestIndent_PrefixesEveryLine(t *testing.T) {
	got := indent("a = 1\nreturn a")
	assert.Equal(t, "    a = 1\n    return a\n", got)
}
