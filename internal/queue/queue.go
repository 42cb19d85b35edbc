// Package queue implements the Queue Service (spec §4.2): at-least-once job
// delivery to workers via a Postgres-backed lease.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/noetl/noetl-sub018/internal/apperr"
	"github.com/noetl/noetl-sub018/internal/store"
)

// Status is the closed set of states a queue item moves through.
type Status string

const (
	StatusReady  Status = "ready"
	StatusLeased Status = "leased"
	StatusDone   Status = "done"
	StatusDead   Status = "dead"
)

// Key identifies a queue item. Enqueue is idempotent on Key.
type Key struct {
	ExecutionID int64
	NodeID      string
}

// Item is one unit of work a worker can lease and execute.
type Item struct {
	Key
	CatalogID    string
	Action       json.RawMessage
	Context      json.RawMessage
	Priority     int
	Attempts     int
	MaxAttempts  int
	Status       Status
	LastWorkerID string
}

// Queue persists queue items in Postgres and hands them out under
// lease-based visibility timeouts, per spec §4.2.
type Queue struct {
	pool *store.Pool
}

// New builds a Queue backed by pool.
func New(pool *store.Pool) *Queue {
	return &Queue{pool: pool}
}

// Enqueue inserts item, idempotent on (execution_id, node_id): a second
// enqueue of the same key is a no-op and returns no error.
func (q *Queue) Enqueue(ctx context.Context, item Item) error {
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = 3
	}
	_, err := q.pool.Exec(ctx, `
		INSERT INTO queue_items (
			execution_id, node_id, catalog_id, action, context, priority,
			max_attempts, status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,'ready', now(), now())
		ON CONFLICT (execution_id, node_id) DO NOTHING`,
		item.ExecutionID, item.NodeID, nullableStr(item.CatalogID),
		item.Action, nullableJSON(item.Context), item.Priority, item.MaxAttempts)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "queue: enqueue", err)
	}
	return nil
}

// Lease atomically claims up to n ready items for workerID, marking them
// leased with lease_deadline = now + visibility and incrementing attempts.
// Grounded on the FOR UPDATE SKIP LOCKED claim pattern used to prevent
// double-delivery across concurrent workers.
func (q *Queue) Lease(ctx context.Context, workerID string, n int, visibility time.Duration) ([]*Item, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "queue: lease begin", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT execution_id, node_id, COALESCE(catalog_id,''), action, context,
		       priority, attempts, max_attempts, status, COALESCE(last_worker_id,'')
		FROM queue_items
		WHERE status = 'ready' AND (lease_deadline IS NULL OR lease_deadline <= now())
		ORDER BY priority DESC, created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, n)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "queue: lease claim", err)
	}

	var items []*Item
	for rows.Next() {
		it, scanErr := scanItem(rows)
		if scanErr != nil {
			rows.Close()
			return nil, apperr.Wrap(apperr.KindTransientStorage, "queue: scan claimed item", scanErr)
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "queue: lease rows", err)
	}

	deadline := time.Now().Add(visibility)
	for _, it := range items {
		if _, err := tx.Exec(ctx, `
			UPDATE queue_items
			SET status = 'leased', lease_deadline = $3, attempts = attempts + 1,
			    last_worker_id = $4, updated_at = now()
			WHERE execution_id = $1 AND node_id = $2`,
			it.ExecutionID, it.NodeID, deadline, workerID); err != nil {
			return nil, apperr.Wrap(apperr.KindTransientStorage, "queue: lease claim update", err)
		}
		it.Status = StatusLeased
		it.Attempts++
		it.LastWorkerID = workerID
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "queue: lease commit", err)
	}
	return items, nil
}

// Heartbeat extends an item's lease_deadline if workerID still owns it.
// Returns apperr.KindConflict ("lost") when the lease has moved on.
func (q *Queue) Heartbeat(ctx context.Context, key Key, workerID string, visibility time.Duration) error {
	deadline := time.Now().Add(visibility)
	tag, err := q.pool.Exec(ctx, `
		UPDATE queue_items
		SET lease_deadline = $4, updated_at = now()
		WHERE execution_id = $1 AND node_id = $2 AND status = 'leased' AND last_worker_id = $3`,
		key.ExecutionID, key.NodeID, workerID, deadline)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "queue: heartbeat", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindConflict, "queue: lease lost")
	}
	return nil
}

// Complete marks key's item as terminally succeeded and removes it from the
// active set.
func (q *Queue) Complete(ctx context.Context, key Key, workerID string) error {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM queue_items
		WHERE execution_id = $1 AND node_id = $2 AND last_worker_id = $3`,
		key.ExecutionID, key.NodeID, workerID)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "queue: complete", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindNotFound, "queue: item not found for complete")
	}
	return nil
}

// Fail reports a failed attempt. If retryable and attempts < max_attempts,
// the item returns to ready with its lease_deadline set backoff from now, so
// it is not leased again before then; the caller computes backoff (the
// worker passes the step's RetryPolicy.Backoff for the attempt). Otherwise
// it is moved to the dead-letter table.
func (q *Queue) Fail(ctx context.Context, key Key, workerID string, retryable bool, lastErr json.RawMessage, backoff time.Duration) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "queue: fail begin", err)
	}
	defer tx.Rollback(ctx)

	var attempts, maxAttempts int
	err = tx.QueryRow(ctx, `
		SELECT attempts, max_attempts FROM queue_items
		WHERE execution_id = $1 AND node_id = $2 AND last_worker_id = $3
		FOR UPDATE`, key.ExecutionID, key.NodeID, workerID).Scan(&attempts, &maxAttempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, "queue: item not found for fail")
		}
		return apperr.Wrap(apperr.KindTransientStorage, "queue: fail lookup", err)
	}

	if retryable && attempts < maxAttempts {
		if _, err := tx.Exec(ctx, `
			UPDATE queue_items
			SET status = 'ready', lease_deadline = $3, updated_at = now()
			WHERE execution_id = $1 AND node_id = $2`,
			key.ExecutionID, key.NodeID, time.Now().Add(backoff)); err != nil {
			return apperr.Wrap(apperr.KindTransientStorage, "queue: fail requeue", err)
		}
		return tx.Commit(ctx)
	}

	if err := q.moveToDeadLetter(ctx, tx, key, attempts, lastErr); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (q *Queue) moveToDeadLetter(ctx context.Context, tx pgx.Tx, key Key, attempts int, lastErr json.RawMessage) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO queue_dead_letters (execution_id, node_id, catalog_id, action, context, attempts, last_error, moved_at)
		SELECT execution_id, node_id, catalog_id, action, context, $3, $4, now()
		FROM queue_items WHERE execution_id = $1 AND node_id = $2
		ON CONFLICT (execution_id, node_id) DO NOTHING`,
		key.ExecutionID, key.NodeID, attempts, nullableJSON(lastErr))
	if err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "queue: move to dead letter", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM queue_items WHERE execution_id = $1 AND node_id = $2`,
		key.ExecutionID, key.NodeID); err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "queue: delete after dead letter", err)
	}
	return nil
}

// Requeue moves a dead-lettered item back to the ready queue, for explicit
// operator-triggered replay.
func (q *Queue) Requeue(ctx context.Context, key Key) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "queue: requeue begin", err)
	}
	defer tx.Rollback(ctx)

	var catalogID, action, ctxJSON []byte
	var attempts int
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(catalog_id,''), action, COALESCE(context,'null'), attempts
		FROM queue_dead_letters WHERE execution_id = $1 AND node_id = $2`,
		key.ExecutionID, key.NodeID).Scan(&catalogID, &action, &ctxJSON, &attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, "queue: dead letter not found")
		}
		return apperr.Wrap(apperr.KindTransientStorage, "queue: requeue lookup", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO queue_items (execution_id, node_id, catalog_id, action, context, attempts, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,'ready', now(), now())
		ON CONFLICT (execution_id, node_id) DO NOTHING`,
		key.ExecutionID, key.NodeID, nullableStr(string(catalogID)), action, ctxJSON, attempts); err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "queue: requeue insert", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM queue_dead_letters WHERE execution_id = $1 AND node_id = $2`,
		key.ExecutionID, key.NodeID); err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "queue: requeue cleanup", err)
	}
	return tx.Commit(ctx)
}

// Sweep returns any leased item whose lease_deadline has passed back to
// ready. attempts is left unchanged here; the next Lease increments it as
// it does for every lease. cmd/noetl-server runs this on a cron schedule
// (spec §4.2's background sweeper).
func (q *Queue) Sweep(ctx context.Context) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'ready', lease_deadline = NULL, updated_at = now()
		WHERE status = 'leased' AND lease_deadline < now()`)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindTransientStorage, "queue: sweep", err)
	}
	return tag.RowsAffected(), nil
}

// Depth returns the count of ready items for executionID, used by the
// queue_depth gauge.
func (q *Queue) Depth(ctx context.Context, executionID int64) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx, `
		SELECT count(*) FROM queue_items WHERE execution_id = $1 AND status = 'ready'`,
		executionID).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindTransientStorage, "queue: depth", err)
	}
	return n, nil
}

// DeadLetter is one poisoned item retained in queue_dead_letters for
// operator inspection and manual replay (spec's Open Question decision:
// retained, never auto-purged).
type DeadLetter struct {
	Key
	CatalogID string
	Action    json.RawMessage
	Context   json.RawMessage
	Attempts  int
	LastError json.RawMessage
	MovedAt   time.Time
}

// DeadLetters lists every poisoned item, most recently moved first, for
// GET /queue/dead.
func (q *Queue) DeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT execution_id, node_id, COALESCE(catalog_id,''), action, context,
		       attempts, last_error, moved_at
		FROM queue_dead_letters
		ORDER BY moved_at DESC`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "queue: list dead letters", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.ExecutionID, &dl.NodeID, &dl.CatalogID, &dl.Action,
			&dl.Context, &dl.Attempts, &dl.LastError, &dl.MovedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindTransientStorage, "queue: scan dead letter", err)
		}
		out = append(out, &dl)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "queue: dead letter rows", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	var status string
	if err := row.Scan(
		&it.ExecutionID, &it.NodeID, &it.CatalogID, &it.Action, &it.Context,
		&it.Priority, &it.Attempts, &it.MaxAttempts, &status, &it.LastWorkerID,
	); err != nil {
		return nil, err
	}
	it.Status = Status(status)
	return &it, nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
