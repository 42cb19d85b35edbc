//go:build integration

package plugin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
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

	pool, err := store.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestSQL_ExecuteReturnsRows(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `CREATE TABLE widgets (id int, name text)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO widgets VALUES (1, 'a'), (2, 'b')`)
	require.NoError(t, err)

	s := NewSQL(pool.Pool, "postgres")
	task, err := json.Marshal(sqlTask{Query: "SELECT id, name FROM widgets ORDER BY id"})
	require.NoError(t, err)

	result, err := s.Execute(ctx, task)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows":[{"id":1,"name":"a"},{"id":2,"name":"b"}],"row_count":2}`, string(result))
}

func TestSQL_ExecuteWithArgs(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `CREATE TABLE widgets (id int, name text)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO widgets VALUES (1, 'a'), (2, 'b')`)
	require.NoError(t, err)

	s := NewSQL(pool.Pool, "postgres")
	task, err := json.Marshal(sqlTask{Query: "SELECT id FROM widgets WHERE name = $1", Args: []any{"b"}})
	require.NoError(t, err)

	result, err := s.Execute(ctx, task)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows":[{"id":2}],"row_count":1}`, string(result))
}

func TestSQL_SyntaxErrorIsRetryable(t *testing.T) {
	pool := newTestPool(t)
	s := NewSQL(pool.Pool, "postgres")
	task, err := json.Marshal(sqlTask{Query: "SELECT this is not sql"})
	require.NoError(t, err)

	_, err = s.Execute(context.Background(), task)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}
