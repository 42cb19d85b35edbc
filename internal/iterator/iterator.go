// Package iterator implements the Iterator Engine (spec §4.6): expansion
// of a step's `loop` collection into per-item sub-jobs, and pull-model
// continuation that respects the declared concurrency.
//
// The engine owns deciding *which* item indices are currently allowed to
// start (by emitting their loop_iteration marker); rendering and enqueueing
// the resulting sub-job is the broker's job, mirroring how step_started
// triggers the broker's render+enqueue for ordinary steps.
package iterator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/noetl/noetl-sub018/internal/apperr"
	"github.com/noetl/noetl-sub018/internal/event"
	"github.com/noetl/noetl-sub018/internal/eventlog"
	"github.com/noetl/noetl-sub018/internal/playbook"
	"github.com/noetl/noetl-sub018/internal/render"
	"github.com/noetl/noetl-sub018/internal/store"
)

// Engine resolves loop collections and drives pull-model item admission.
type Engine struct {
	pool   *store.Pool
	events *eventlog.Store
}

// New builds an Engine backed by pool and events.
func New(pool *store.Pool, events *eventlog.Store) *Engine {
	return &Engine{pool: pool, events: events}
}

// Expand resolves step.Loop.Collection against workload/overlay, persists
// the Iterator Frame row, and emits the first admissible batch of
// loop_iteration markers (spec §4.6's "Expansion").
func (e *Engine) Expand(ctx context.Context, pb *playbook.Playbook, step playbook.Step, executionID int64, overlay json.RawMessage) error {
	items, err := resolveItems(pb, step, overlay)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidResource, "iterator: resolve collection", err)
	}

	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidResource, "iterator: marshal items", err)
	}

	concurrency := step.Loop.Concurrency
	switch step.Loop.Mode {
	case playbook.ModeSequential:
		concurrency = 1
	case playbook.ModeChunked, playbook.ModeParallel:
		if concurrency <= 0 {
			concurrency = len(items)
		}
	}
	failurePolicy := step.Loop.FailurePolicy
	if failurePolicy == "" {
		failurePolicy = playbook.FailFast
	}

	_, err = e.pool.Exec(ctx, `
		INSERT INTO iterator_frames (execution_id, loop_id, items, pending, mode, concurrency, failure_policy, created_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6, now())
		ON CONFLICT (execution_id, loop_id) DO NOTHING`,
		executionID, step.ID, itemsJSON, string(step.Loop.Mode), concurrency, string(failurePolicy))
	if err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "iterator: persist frame", err)
	}

	return e.admit(ctx, executionID, step.ID, items, concurrency, 0, 0)
}

// Continue is called after each per-item action_completed/action_error is
// materialized. It admits the next batch of items up to the frame's
// concurrency, and reports whether the loop has no more work outstanding
// (every item started and settled).
func (e *Engine) Continue(ctx context.Context, executionID int64, loopID string, frame *eventlog.IteratorFrame) (done bool, err error) {
	items, concurrency, err := e.loadFrameMeta(ctx, executionID, loopID)
	if err != nil {
		return false, err
	}

	started := len(frame.Results)
	inFlight := frame.Pending
	settled := started - inFlight

	if settled >= len(items) && inFlight == 0 {
		return true, nil
	}

	if err := e.admit(ctx, executionID, loopID, items, concurrency, started, inFlight); err != nil {
		return false, err
	}
	return false, nil
}

// admit emits loop_iteration markers for items[started:] until either the
// items are exhausted or capacity (concurrency - inFlight) runs out.
func (e *Engine) admit(ctx context.Context, executionID int64, loopID string, items []json.RawMessage, concurrency, started, inFlight int) error {
	capacity := concurrency - inFlight
	for idx := started; idx < len(items) && capacity > 0; idx++ {
		_, err := e.events.Emit(ctx, &event.Envelope{
			ExecutionID: executionID,
			EventType:   event.TypeLoopIteration,
			NodeID:      loopID,
			Iterator: &event.Iterator{
				LoopID:         loopID,
				IterationIndex: idx,
				CurrentItem:    items[idx],
			},
		})
		if err != nil {
			return err
		}
		capacity--
	}
	return nil
}

func (e *Engine) loadFrameMeta(ctx context.Context, executionID int64, loopID string) ([]json.RawMessage, int, error) {
	var itemsJSON []byte
	var concurrency int
	err := e.pool.QueryRow(ctx, `
		SELECT items, concurrency FROM iterator_frames WHERE execution_id = $1 AND loop_id = $2`,
		executionID, loopID).Scan(&itemsJSON, &concurrency)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, 0, apperr.New(apperr.KindNotFound, fmt.Sprintf("iterator: frame %q not found", loopID))
		}
		return nil, 0, apperr.Wrap(apperr.KindTransientStorage, "iterator: load frame", err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(itemsJSON, &items); err != nil {
		return nil, 0, apperr.Wrap(apperr.KindInvalidResource, "iterator: decode frame items", err)
	}
	return items, concurrency, nil
}

// resolveItems renders step.Loop.Collection against the given scope and
// returns its elements (chunked into buckets of ChunkSize when mode is
// chunked).
func resolveItems(pb *playbook.Playbook, step playbook.Step, overlay json.RawMessage) ([]json.RawMessage, error) {
	scope := render.Scope{Workload: pb.Workload, TransitionOverlay: overlay}
	template, err := json.Marshal("{{" + step.Loop.Collection + "}}")
	if err != nil {
		return nil, err
	}
	rendered, err := render.Render(template, scope)
	if err != nil {
		return nil, err
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(rendered, &elements); err != nil {
		return nil, fmt.Errorf("iterator: collection %q did not resolve to an array: %w", step.Loop.Collection, err)
	}

	if step.Loop.Mode != playbook.ModeChunked || step.Loop.ChunkSize <= 1 {
		return elements, nil
	}

	var chunks []json.RawMessage
	for i := 0; i < len(elements); i += step.Loop.ChunkSize {
		end := i + step.Loop.ChunkSize
		if end > len(elements) {
			end = len(elements)
		}
		chunk, err := json.Marshal(elements[i:end])
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
