package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_MonotonicAndUnique(t *testing.T) {
	g, err := NewGenerator(7)
	require.NoError(t, err)

	seen := make(map[int64]bool, 10000)
	prev := int64(-1)
	for i := 0; i < 10000; i++ {
		id := g.Next()
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestNewGenerator_RejectsOutOfRangeNode(t *testing.T) {
	_, err := NewGenerator(-1)
	require.Error(t, err)

	_, err = NewGenerator(maxNode + 1)
	require.Error(t, err)
}

func TestTime_RoundTrips(t *testing.T) {
	g, err := NewGenerator(1)
	require.NoError(t, err)

	id := g.Next()
	tm := Time(id)
	assert.WithinDuration(t, time.Now(), tm, time.Second)
	assert.False(t, tm.IsZero())
}
