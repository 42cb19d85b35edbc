package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl-sub018/internal/apperr"
	"github.com/noetl/noetl-sub018/internal/ids"
)

func TestRegister_RejectsEmptyPath(t *testing.T) {
	gen, err := ids.NewGenerator(1)
	require.NoError(t, err)
	s := New(nil, gen)

	_, err = s.Register(context.Background(), KindPlaybook, "", []byte(`{}`), 0)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvalidResource))
}

func TestRegister_RejectsInvalidJSON(t *testing.T) {
	gen, err := ids.NewGenerator(1)
	require.NoError(t, err)
	s := New(nil, gen)

	_, err = s.Register(context.Background(), KindPlaybook, "examples/hello", []byte(`not json`), 0)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvalidResource))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, isUniqueViolation(assert.AnError))
}
