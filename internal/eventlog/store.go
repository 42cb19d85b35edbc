// Package eventlog implements the Event Log Service (spec §4.1): the
// single source of truth for an execution. Every other table is derived and
// may be rebuilt by replaying Events for a given execution_id.
package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl-sub018/internal/apperr"
	"github.com/noetl/noetl-sub018/internal/event"
	"github.com/noetl/noetl-sub018/internal/ids"
	"github.com/noetl/noetl-sub018/internal/store"
)

// notifyChannel is the Postgres LISTEN/NOTIFY channel the broker subscribes
// to for wakeups on newly persisted events.
const notifyChannel = "noetl_events"

// Store persists events to the append-only events table and issues the
// broker's pg_notify wakeup in the same transaction as the append. It keeps
// no snapshot tables: snapshots are rebuilt from the events by Materialize
// (see GetSnapshot).
type Store struct {
	pool *store.Pool
	ids  *ids.Generator
}

// New builds an eventlog Store backed by pool, minting event ids from gen.
func New(pool *store.Pool, gen *ids.Generator) *Store {
	return &Store{pool: pool, ids: gen}
}

// Emit persists env, enforcing marker-event idempotency (spec invariants
// I1/I2): a duplicate step_started/loop_iteration returns the existing
// event_id rather than erroring. Every other event type is append-only.
func (s *Store) Emit(ctx context.Context, env *event.Envelope) (int64, error) {
	if err := env.Validate(); err != nil {
		return 0, apperr.Wrap(apperr.KindInvalidEvent, "eventlog: invalid envelope", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindTransientStorage, "eventlog: begin tx", err)
	}
	defer tx.Rollback(ctx)

	if env.ParentEventID != 0 {
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM events WHERE event_id = $1 AND execution_id = $2)`,
			env.ParentEventID, env.ExecutionID).Scan(&exists)
		if err != nil {
			return 0, apperr.Wrap(apperr.KindTransientStorage, "eventlog: check parent", err)
		}
		if !exists {
			// A missing parent does not reject the event: it is persisted
			// like any other, and no orphan marker is recorded for it.
		}
	}

	env.EventID = s.ids.Next()

	var iteratorJSON, contextJSON, resultJSON, errJSON []byte
	var marshalErr error
	if env.Iterator != nil {
		iteratorJSON, marshalErr = marshalJSON(env.Iterator)
	}
	if marshalErr == nil && env.Error != nil {
		errJSON, marshalErr = marshalJSON(env.Error)
	}
	if marshalErr != nil {
		return 0, apperr.Wrap(apperr.KindInvalidEvent, "eventlog: marshal envelope fields", marshalErr)
	}
	contextJSON = env.Context
	resultJSON = env.Result

	_, err = tx.Exec(ctx, `
		INSERT INTO events (
			event_id, execution_id, parent_event_id, event_type, status,
			node_id, node_name, node_type, iterator, context, result, error,
			stack_trace, catalog_id, worker_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15, now())`,
		env.EventID, env.ExecutionID, nullableID(env.ParentEventID), string(env.EventType), string(env.Status),
		nullableStr(env.NodeID), nullableStr(env.NodeName), nullableStr(env.NodeType),
		nullableJSON(iteratorJSON), nullableJSON(contextJSON), nullableJSON(resultJSON), nullableJSON(errJSON),
		nullableStr(env.Stack), nullableStr(env.CatalogID), nullableStr(env.WorkerID))
	if err != nil {
		if isUniqueViolation(err) {
			// The failed INSERT aborted tx, so the existing marker is read
			// through the pool instead.
			existingID, lookupErr := s.lookupMarker(ctx, s.pool, env)
			if lookupErr != nil {
				return 0, apperr.Wrap(apperr.KindConflict, "eventlog: duplicate marker event", err)
			}
			return existingID, nil
		}
		return 0, apperr.Wrap(apperr.KindTransientStorage, "eventlog: insert event", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, fmt.Sprintf("%d", env.ExecutionID)); err != nil {
		return 0, apperr.Wrap(apperr.KindTransientStorage, "eventlog: notify", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, apperr.Wrap(apperr.KindTransientStorage, "eventlog: commit", err)
	}

	return env.EventID, nil
}

func (s *Store) lookupMarker(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, env *event.Envelope) (int64, error) {
	var id int64
	var err error
	switch env.EventType {
	case event.TypeStepStarted:
		err = q.QueryRow(ctx,
			`SELECT event_id FROM events WHERE execution_id=$1 AND node_id=$2 AND event_type='step_started'`,
			env.ExecutionID, env.NodeID).Scan(&id)
	case event.TypeLoopIteration:
		err = q.QueryRow(ctx,
			`SELECT event_id FROM events WHERE execution_id=$1 AND event_type='loop_iteration'
			 AND iterator->>'loop_id' = $2 AND (iterator->>'iteration_index')::int = $3`,
			env.ExecutionID, env.Iterator.LoopID, env.Iterator.IterationIndex).Scan(&id)
	default:
		return 0, fmt.Errorf("eventlog: not a marker event type %q", env.EventType)
	}
	if err != nil {
		return 0, fmt.Errorf("eventlog: lookup marker: %w", err)
	}
	return id, nil
}

// Stream returns events for executionID with event_id > since, ordered by
// event_id (spec §4.1: "finite, monotonic by event_id").
func (s *Store) Stream(ctx context.Context, executionID int64, since int64) ([]*event.Envelope, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, execution_id, COALESCE(parent_event_id,0), event_type, status,
		       COALESCE(node_id,''), COALESCE(node_name,''), COALESCE(node_type,''),
		       iterator, context, result, error, COALESCE(stack_trace,''),
		       COALESCE(catalog_id,''), COALESCE(worker_id,'')
		FROM events
		WHERE execution_id = $1 AND event_id > $2
		ORDER BY event_id ASC`, executionID, since)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "eventlog: stream query", err)
	}
	defer rows.Close()

	var out []*event.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindTransientStorage, "eventlog: scan event", err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "eventlog: stream rows", err)
	}
	return out, nil
}

// GetSnapshot rebuilds the derived view of executionID by replaying its
// entire event history (spec §4.1's get_snapshot).
func (s *Store) GetSnapshot(ctx context.Context, executionID int64) (*Snapshot, error) {
	events, err := s.Stream(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, apperr.New(apperr.KindNotFound, "eventlog: no events for execution")
	}
	return Materialize(events), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (*event.Envelope, error) {
	var env event.Envelope
	var eventType, status string
	if err := row.Scan(
		&env.EventID, &env.ExecutionID, &env.ParentEventID, &eventType, &status,
		&env.NodeID, &env.NodeName, &env.NodeType,
		&env.Iterator, &env.Context, &env.Result, &env.Error, &env.Stack,
		&env.CatalogID, &env.WorkerID,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "eventlog: event not found")
		}
		return nil, err
	}
	env.EventType = event.Type(eventType)
	env.Status = event.Status(status)
	return &env, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
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

// Listener subscribes to the Postgres LISTEN/NOTIFY channel the broker uses
// to wake up when new events are persisted for any execution.
type Listener struct {
	pool *pgxpool.Pool
}

// NewListener wraps pool for LISTEN/NOTIFY subscription.
func NewListener(pool *store.Pool) *Listener {
	return &Listener{pool: pool.Pool}
}

// Listen blocks, delivering the execution_id of every notified event onto
// notifications until ctx is cancelled. Callers run this in a dedicated
// goroutine per broker process.
func (l *Listener) Listen(ctx context.Context, notifications chan<- int64) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("eventlog: acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", notifyChannel)); err != nil {
		return fmt.Errorf("eventlog: listen: %w", err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("eventlog: wait for notification: %w", err)
		}
		var executionID int64
		if _, scanErr := fmt.Sscanf(notification.Payload, "%d", &executionID); scanErr != nil {
			continue
		}
		select {
		case notifications <- executionID:
		case <-ctx.Done():
			return nil
		}
	}
}
