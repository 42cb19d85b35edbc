//go:build integration

package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/noetl/noetl-sub018/internal/store"
)

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

func seedExecution(t *testing.T, pool *store.Pool, executionID int64) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO executions (execution_id, path, status) VALUES ($1, 'p', 'pending')`, executionID)
	require.NoError(t, err)
}

func TestQueue_EnqueueIsIdempotentOnKey(t *testing.T) {
	pool := newTestPool(t)
	q := New(pool)
	ctx := context.Background()
	seedExecution(t, pool, 1)

	item := Item{Key: Key{ExecutionID: 1, NodeID: "hello"}, Action: json.RawMessage(`{"kind":"noop"}`)}
	require.NoError(t, q.Enqueue(ctx, item))
	require.NoError(t, q.Enqueue(ctx, item))

	n, err := q.Depth(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestQueue_LeaseHeartbeatComplete(t *testing.T) {
	pool := newTestPool(t)
	q := New(pool)
	ctx := context.Background()
	seedExecution(t, pool, 2)

	require.NoError(t, q.Enqueue(ctx, Item{Key: Key{ExecutionID: 2, NodeID: "a"}, Action: json.RawMessage(`{}`)}))

	items, err := q.Lease(ctx, "worker-1", 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 1, items[0].Attempts)

	require.NoError(t, q.Heartbeat(ctx, items[0].Key, "worker-1", 30*time.Second))
	require.NoError(t, q.Complete(ctx, items[0].Key, "worker-1"))

	n, err := q.Depth(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestQueue_FailMovesToDeadLetterAfterMaxAttempts(t *testing.T) {
	pool := newTestPool(t)
	q := New(pool)
	ctx := context.Background()
	seedExecution(t, pool, 3)

	require.NoError(t, q.Enqueue(ctx, Item{Key: Key{ExecutionID: 3, NodeID: "b"}, Action: json.RawMessage(`{}`), MaxAttempts: 1}))
	items, err := q.Lease(ctx, "worker-2", 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, q.Fail(ctx, items[0].Key, "worker-2", true, json.RawMessage(`{"message":"boom"}`), time.Second))

	var deadCount int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM queue_dead_letters WHERE execution_id = $1 AND node_id = $2`, int64(3), "b").Scan(&deadCount))
	require.Equal(t, 1, deadCount)
}

func TestQueue_SweepReturnsExpiredLeasesToReady(t *testing.T) {
	pool := newTestPool(t)
	q := New(pool)
	ctx := context.Background()
	seedExecution(t, pool, 4)

	require.NoError(t, q.Enqueue(ctx, Item{Key: Key{ExecutionID: 4, NodeID: "c"}, Action: json.RawMessage(`{}`)}))
	_, err := q.Lease(ctx, "worker-3", 10, -time.Second)
	require.NoError(t, err)

	swept, err := q.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), swept)
}
