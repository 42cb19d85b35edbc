//go:build integration

package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/noetl/noetl-sub018/internal/event"
	"github.com/noetl/noetl-sub018/internal/ids"
	"github.com/noetl/noetl-sub018/internal/store"
)

// newTestPool starts a disposable Postgres container, applies migrations,
// and returns a connected pool. Grounded on the ambient stack's use of
// testcontainers-go/modules/postgres for integration coverage without a
// hand-maintained test database.
func newTestPool(t *testing.T) *store.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("noetl_test"),
		tcpostgres.WithUsername("noetl"),
		tcpostgres.WithPassword("noetl"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.Migrate(dsn))

	pool, err := store.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func TestStore_EmitIsIdempotentForStepStarted(t *testing.T) {
	pool := newTestPool(t)
	gen, err := ids.NewGenerator(1)
	require.NoError(t, err)
	s := New(pool, gen)

	ctx := context.Background()
	execID := gen.Next()

	_, err = pool.Exec(ctx, `INSERT INTO executions (execution_id, path, status) VALUES ($1, 'p', 'pending')`, execID)
	require.NoError(t, err)

	_, err = s.Emit(ctx, &event.Envelope{ExecutionID: execID, EventType: event.TypeExecutionStarted})
	require.NoError(t, err)

	id1, err := s.Emit(ctx, &event.Envelope{ExecutionID: execID, EventType: event.TypeStepStarted, NodeID: "hello"})
	require.NoError(t, err)

	id2, err := s.Emit(ctx, &event.Envelope{ExecutionID: execID, EventType: event.TypeStepStarted, NodeID: "hello"})
	require.NoError(t, err)

	require.Equal(t, id1, id2)

	events, err := s.Stream(ctx, execID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestStore_GetSnapshotRebuildsFromEvents(t *testing.T) {
	pool := newTestPool(t)
	gen, err := ids.NewGenerator(2)
	require.NoError(t, err)
	s := New(pool, gen)

	ctx := context.Background()
	execID := gen.Next()

	_, err = pool.Exec(ctx, `INSERT INTO executions (execution_id, path, status) VALUES ($1, 'p', 'pending')`, execID)
	require.NoError(t, err)

	_, err = s.Emit(ctx, &event.Envelope{ExecutionID: execID, EventType: event.TypeExecutionStarted})
	require.NoError(t, err)
	_, err = s.Emit(ctx, &event.Envelope{ExecutionID: execID, EventType: event.TypeStepStarted, NodeID: "hello"})
	require.NoError(t, err)
	_, err = s.Emit(ctx, &event.Envelope{ExecutionID: execID, EventType: event.TypeExecutionComplete})
	require.NoError(t, err)

	snap, err := s.GetSnapshot(ctx, execID)
	require.NoError(t, err)
	require.Equal(t, "complete", snap.Status)
}
