// Package broker implements the Broker state machine (spec §4.5): a
// deterministic function of an execution's ordered event prefix that
// produces the next `emit` + `enqueue` actions. It is triggered by
// persisted events; a persisted per-execution cursor (executions.
// last_processed_event_id) ensures each event is dispatched through handle
// exactly once regardless of how many redundant wakeups arrive for it, with
// the event log's marker idempotency (I1/I2) and the queue's idempotent
// enqueue (I4) as a second line of defense.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/noetl/noetl-sub018/internal/apperr"
	"github.com/noetl/noetl-sub018/internal/catalog"
	"github.com/noetl/noetl-sub018/internal/event"
	"github.com/noetl/noetl-sub018/internal/eventlog"
	"github.com/noetl/noetl-sub018/internal/ids"
	"github.com/noetl/noetl-sub018/internal/iterator"
	"github.com/noetl/noetl-sub018/internal/logging"
	"github.com/noetl/noetl-sub018/internal/playbook"
	"github.com/noetl/noetl-sub018/internal/queue"
	"github.com/noetl/noetl-sub018/internal/render"
	"github.com/noetl/noetl-sub018/internal/store"
	"github.com/noetl/noetl-sub018/internal/telemetry"
)

// Broker advances executions by reacting to events persisted in the event
// log, per spec §4.5.
type Broker struct {
	events   *eventlog.Store
	queue    *queue.Queue
	catalogs *catalog.Store
	iterator *iterator.Engine
	pool     *store.Pool
	ids      *ids.Generator
	log      *logging.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// New builds a Broker wired to the given collaborators.
func New(events *eventlog.Store, q *queue.Queue, catalogs *catalog.Store, iter *iterator.Engine, pool *store.Pool, gen *ids.Generator, log *logging.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Broker {
	return &Broker{events: events, queue: q, catalogs: catalogs, iterator: iter, pool: pool, ids: gen, log: log, metrics: metrics, tracer: tracer}
}

// React processes the events persisted for executionID since the broker
// last looked, advancing the execution's state machine. It materializes the
// full event history every call (the snapshot needs the whole prefix to be
// correct), but only dispatches handle for events past the execution's
// persisted last_processed_event_id cursor: every wakeup notifies on the
// same channel regardless of how many events are already handled, so
// without the cursor a late subscriber wakeup would re-run handle against
// the entire history and re-trigger every already-taken action. Markers
// (I1/I2) and the queue's idempotent enqueue (I4) are a second line of
// defense against duplicate dispatch, not the primary one.
func (b *Broker) React(ctx context.Context, executionID int64) error {
	ctx, span := b.tracer.StartSpan(ctx, "broker.react", executionID, "", 0)
	defer span.End()

	events, err := b.events.Stream(ctx, executionID, 0)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "broker: stream events", err)
	}
	if len(events) == 0 {
		return nil
	}

	cursor, err := b.loadCursor(ctx, executionID)
	if err != nil {
		return err
	}

	snap := eventlog.Materialize(events)
	pb, payload, err := b.loadPlaybook(ctx, executionID)
	if err != nil {
		return err
	}

	for _, env := range events {
		if env.EventID <= cursor {
			continue
		}
		if err := b.handle(ctx, pb, payload, snap, env); err != nil {
			b.log.WithContext(ctx).WithError(err).Error("broker: handle event failed")
			return err
		}
		if err := b.saveCursor(ctx, executionID, env.EventID); err != nil {
			return err
		}
		cursor = env.EventID
	}
	return nil
}

// loadCursor returns the event_id of the last event this broker has already
// dispatched through handle for executionID.
func (b *Broker) loadCursor(ctx context.Context, executionID int64) (int64, error) {
	var cursor int64
	err := b.pool.QueryRow(ctx,
		`SELECT last_processed_event_id FROM executions WHERE execution_id = $1`, executionID).Scan(&cursor)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindTransientStorage, "broker: load cursor", err)
	}
	return cursor, nil
}

// saveCursor advances executionID's cursor past eventID, after handle has
// successfully processed it.
func (b *Broker) saveCursor(ctx context.Context, executionID, eventID int64) error {
	if _, err := b.pool.Exec(ctx,
		`UPDATE executions SET last_processed_event_id = $2 WHERE execution_id = $1`,
		executionID, eventID); err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "broker: save cursor", err)
	}
	return nil
}

// loadPlaybook resolves executionID's catalog entry and returns both its
// parsed playbook and the execution's own stored payload (spec §4.4's
// "execution payload" render layer).
func (b *Broker) loadPlaybook(ctx context.Context, executionID int64) (*playbook.Playbook, json.RawMessage, error) {
	var path string
	var version *int
	var payload []byte
	err := b.pool.QueryRow(ctx,
		`SELECT path, version, payload FROM executions WHERE execution_id = $1`, executionID).
		Scan(&path, &version, &payload)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindTransientStorage, "broker: load execution", err)
	}
	resource, err := b.catalogs.Get(ctx, path, version)
	if err != nil {
		return nil, nil, err
	}
	pb, err := playbook.Parse(resource.Payload)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInvalidResource, "broker: parse playbook", err)
	}
	return pb, payload, nil
}

// handle dispatches one persisted event through the state machine described
// in spec §4.5's per-step diagram.
func (b *Broker) handle(ctx context.Context, pb *playbook.Playbook, payload json.RawMessage, snap *eventlog.Snapshot, env *event.Envelope) error {
	// A cancelled execution takes no further transitions; only the cancel
	// marker itself is still handled.
	if snap.Status == "cancelled" && env.EventType != event.TypeCancel {
		return nil
	}
	switch env.EventType {
	case event.TypeExecutionStarted:
		// No transition overlay for the very first step — pb.Workload is
		// already layered into every render.Scope at its own precedence;
		// passing it again here as the overlay only masked the execution's
		// actual payload (now threaded separately as scope.Payload).
		return b.startStep(ctx, pb, env.ExecutionID, pb.Start, nil, nil)

	case event.TypeStepStarted:
		return b.dispatchStep(ctx, pb, payload, env, snap)

	case event.TypeLoopIteration:
		return b.dispatchIteratorItem(ctx, pb, payload, env)

	case event.TypeActionCompleted, event.TypeActionError:
		return b.handleActionResult(ctx, pb, snap, env)

	case event.TypeLoopCompleted:
		return b.closeStep(ctx, env.ExecutionID, env.NodeID, snap)

	case event.TypeStepCompleted:
		return b.advanceTransitions(ctx, pb, env, snap)

	case event.TypeCancel:
		return b.propagateCancel(ctx, env.ExecutionID, snap)

	case event.TypeExecutionComplete, event.TypeExecutionFailed:
		return b.notifyParentOfChildCompletion(ctx, pb, snap, env)
	}
	return nil
}

// startStep emits step_started for nodeID (idempotent via I1) with the
// given context overlay.
func (b *Broker) startStep(ctx context.Context, pb *playbook.Playbook, executionID int64, nodeID string, overlay json.RawMessage, parentEventID *int64) error {
	step, ok := pb.Steps[nodeID]
	if !ok {
		return apperr.New(apperr.KindInvalidResource, fmt.Sprintf("broker: unknown step %q", nodeID))
	}
	env := &event.Envelope{
		ExecutionID: executionID,
		EventType:   event.TypeStepStarted,
		NodeID:      nodeID,
		NodeType:    string(step.Kind),
		Context:     overlay,
	}
	if parentEventID != nil {
		env.ParentEventID = *parentEventID
	}
	_, err := b.events.Emit(ctx, env)
	return err
}

// dispatchStep reacts to a step_started marker: either expands an iterator
// (spec §4.6) or renders and enqueues a single job. snap reflects the
// execution's fully materialized history, so a step already closed by the
// time this runs (e.g. a resweep replaying a finished execution, or a
// duplicate wakeup racing the cursor update in React) is a no-op rather
// than a re-enqueue of an already-retired step — queue.Complete deletes its
// row, so nothing would otherwise stop Enqueue's ON CONFLICT DO NOTHING
// from inserting a fresh ready item for it.
func (b *Broker) dispatchStep(ctx context.Context, pb *playbook.Playbook, payload json.RawMessage, env *event.Envelope, snap *eventlog.Snapshot) error {
	step, ok := pb.Steps[env.NodeID]
	if !ok {
		return apperr.New(apperr.KindInvalidResource, fmt.Sprintf("broker: unknown step %q", env.NodeID))
	}

	if s := snap.Steps[env.NodeID]; s != nil && strings.HasPrefix(s.Status, "closed:") {
		return nil
	}

	if step.Kind == playbook.KindEnd {
		return b.completeExecution(ctx, env.ExecutionID, nil)
	}

	if step.Kind == playbook.KindPlaybook {
		return b.startChildExecution(ctx, step, env)
	}

	if step.Loop != nil {
		return b.iterator.Expand(ctx, pb, step, env.ExecutionID, env.Context)
	}

	return b.enqueueStep(ctx, pb, payload, step, env.ExecutionID, queueNodeID(step.ID, nil), nil, env.Context)
}

// startChildExecution implements spec §4.5's Composition: a step of kind
// `playbook` starts a child execution rather than enqueueing a worker job.
// The child's execution_started carries parent_event_id pointing at this
// step's step_started event; the parent step stays open (no step_completed
// is emitted here) until notifyParentOfChildCompletion reacts to the
// child's terminal event.
func (b *Broker) startChildExecution(ctx context.Context, step playbook.Step, env *event.Envelope) error {
	if step.CatalogPath == "" {
		return apperr.New(apperr.KindInvalidResource, fmt.Sprintf("broker: step %q is kind=playbook but has no catalog_path", step.ID))
	}
	resource, err := b.catalogs.Get(ctx, step.CatalogPath, nil)
	if err != nil {
		return err
	}

	childExecID := b.ids.Next()
	if _, err := b.pool.Exec(ctx,
		`INSERT INTO executions (execution_id, path, version, status) VALUES ($1, $2, $3, 'pending')`,
		childExecID, step.CatalogPath, resource.Version); err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "broker: insert child execution", err)
	}

	_, err = b.events.Emit(ctx, &event.Envelope{
		ExecutionID:   childExecID,
		ParentEventID: env.EventID,
		EventType:     event.TypeExecutionStarted,
		Context:       env.Context,
	})
	return err
}

// notifyParentOfChildCompletion reacts to a child execution's terminal
// event by emitting the corresponding action_completed/action_error on the
// parent step that started it, so the parent's own step_completed and
// transition evaluation can proceed. A top-level execution (no recorded
// parent) is a no-op.
func (b *Broker) notifyParentOfChildCompletion(ctx context.Context, childPB *playbook.Playbook, childSnap *eventlog.Snapshot, env *event.Envelope) error {
	parentEventID, err := b.lookupExecutionStartedParent(ctx, env.ExecutionID)
	if err != nil {
		return err
	}
	if parentEventID == 0 {
		return nil
	}
	parentExecID, parentNodeID, err := b.lookupEventLocation(ctx, parentEventID)
	if err != nil {
		return err
	}

	if env.EventType == event.TypeExecutionFailed {
		_, err := b.events.Emit(ctx, &event.Envelope{
			ExecutionID: parentExecID,
			EventType:   event.TypeActionError,
			NodeID:      parentNodeID,
			Status:      event.StatusError,
			Error:       env.Error,
		})
		return err
	}

	result := env.Result
	parentPB, _, err := b.loadPlaybook(ctx, parentExecID)
	if err != nil {
		return err
	}
	if parentStep, ok := parentPB.Steps[parentNodeID]; ok && parentStep.ReturnStep != "" {
		if s := childSnap.Steps[parentStep.ReturnStep]; s != nil {
			result = s.LastResult
		}
	}

	_, err = b.events.Emit(ctx, &event.Envelope{
		ExecutionID: parentExecID,
		EventType:   event.TypeActionCompleted,
		NodeID:      parentNodeID,
		Status:      event.StatusOK,
		Result:      result,
	})
	return err
}

func (b *Broker) lookupExecutionStartedParent(ctx context.Context, executionID int64) (int64, error) {
	var parentEventID *int64
	err := b.pool.QueryRow(ctx,
		`SELECT parent_event_id FROM events WHERE execution_id = $1 AND event_type = 'execution_started'`,
		executionID).Scan(&parentEventID)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindTransientStorage, "broker: lookup execution_started parent", err)
	}
	if parentEventID == nil {
		return 0, nil
	}
	return *parentEventID, nil
}

func (b *Broker) lookupEventLocation(ctx context.Context, eventID int64) (executionID int64, nodeID string, err error) {
	err = b.pool.QueryRow(ctx, `SELECT execution_id, COALESCE(node_id, '') FROM events WHERE event_id = $1`, eventID).
		Scan(&executionID, &nodeID)
	if err != nil {
		return 0, "", apperr.Wrap(apperr.KindTransientStorage, "broker: lookup event location", err)
	}
	return executionID, nodeID, nil
}

// dispatchIteratorItem reacts to a loop_iteration marker (idempotent via
// I2) by rendering and enqueueing the per-item sub-job it describes.
func (b *Broker) dispatchIteratorItem(ctx context.Context, pb *playbook.Playbook, payload json.RawMessage, env *event.Envelope) error {
	step, ok := pb.Steps[env.NodeID]
	if !ok {
		return apperr.New(apperr.KindInvalidResource, fmt.Sprintf("broker: unknown step %q", env.NodeID))
	}
	return b.enqueueStep(ctx, pb, payload, step, env.ExecutionID, queueNodeID(step.ID, env.Iterator), env.Iterator, env.Context)
}

// enqueueStep renders the step's task against the given scope and enqueues
// one queue item keyed by queueNodeID. payload is the execution's own stored
// payload (spec §4.4: "workload defaults < execution payload overrides <
// predecessor results < iterator binding < transition overlay").
func (b *Broker) enqueueStep(ctx context.Context, pb *playbook.Playbook, payload json.RawMessage, step playbook.Step, executionID int64, queueKey string, iter *event.Iterator, overlay json.RawMessage) error {
	kind, task, err := pb.ResolveTask(step)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidResource, "broker: resolve task", err)
	}
	// A step that declares no task renders its own `data` block as the task,
	// or an empty object when it has neither.
	if len(task) == 0 {
		task = step.Data
	}
	if len(task) == 0 {
		task = json.RawMessage(`{}`)
	}

	scope := render.Scope{Workload: pb.Workload, Payload: payload, TransitionOverlay: overlay}
	if iter != nil {
		elementName := "item"
		if step.Loop != nil && step.Loop.ElementName != "" {
			elementName = step.Loop.ElementName
		}
		binding, _ := json.Marshal(map[string]any{elementName: json.RawMessage(iter.CurrentItem), "index": iter.IterationIndex})
		scope.IteratorBinding = binding
	}
	rendered, err := render.Render(task, scope)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidResource, "broker: render task", err)
	}

	action := map[string]json.RawMessage{"kind": jsonString(string(kind)), "task": rendered, "step_id": jsonString(step.ID)}
	if iter != nil {
		iterJSON, err := json.Marshal(iter)
		if err != nil {
			return apperr.Wrap(apperr.KindInvalidResource, "broker: marshal iterator binding", err)
		}
		action["iterator"] = iterJSON
	}
	if step.Retry != nil {
		retryJSON, err := json.Marshal(step.Retry)
		if err != nil {
			return apperr.Wrap(apperr.KindInvalidResource, "broker: marshal retry policy", err)
		}
		action["retry"] = retryJSON
	}
	actionJSON, err := json.Marshal(action)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidResource, "broker: marshal action", err)
	}

	maxAttempts := 1
	if step.Retry != nil {
		maxAttempts = step.Retry.MaxAttempts
	}

	item := queue.Item{
		Key:         queue.Key{ExecutionID: executionID, NodeID: queueKey},
		Action:      actionJSON,
		Context:     overlay,
		MaxAttempts: maxAttempts,
	}
	return b.queue.Enqueue(ctx, item)
}

// handleActionResult processes a worker's result for a (possibly
// iterator-tagged) action. For plain steps it closes the step immediately;
// for iterator items it lets the materialized frame decide whether the loop
// is fully aggregated.
func (b *Broker) handleActionResult(ctx context.Context, pb *playbook.Playbook, snap *eventlog.Snapshot, env *event.Envelope) error {
	step, ok := pb.Steps[env.NodeID]
	if !ok {
		return apperr.New(apperr.KindInvalidResource, fmt.Sprintf("broker: unknown step %q", env.NodeID))
	}

	if env.Iterator == nil {
		if env.EventType == event.TypeActionError && b.shouldRetry(step, snap, env) {
			return b.retryStep(ctx, pb, step, env)
		}
		return b.closeStep(ctx, env.ExecutionID, env.NodeID, snap)
	}

	frame := snap.Iterators[env.Iterator.LoopID]
	if frame == nil {
		return nil
	}
	done, err := b.iterator.Continue(ctx, env.ExecutionID, env.Iterator.LoopID, frame)
	if err != nil {
		return err
	}
	if !done {
		return nil // more items to admit or still outstanding; wait for them
	}

	results, _ := json.Marshal(frame.Results)
	_, err = b.events.Emit(ctx, &event.Envelope{
		ExecutionID: env.ExecutionID,
		EventType:   event.TypeLoopCompleted,
		NodeID:      env.NodeID,
		Result:      results,
	})
	return err
}

func (b *Broker) shouldRetry(step playbook.Step, snap *eventlog.Snapshot, env *event.Envelope) bool {
	if step.Retry == nil {
		return false
	}
	s := snap.Steps[env.NodeID]
	if s == nil {
		return false
	}
	if env.Error != nil && !env.Error.Retryable {
		return false
	}
	return s.Attempts < step.Retry.MaxAttempts
}

func (b *Broker) retryStep(ctx context.Context, pb *playbook.Playbook, step playbook.Step, env *event.Envelope) error {
	if b.metrics != nil {
		b.metrics.IncRetry(string(step.Kind), "action_error")
	}
	delay := step.Retry.Backoff(0)
	key := queue.Key{ExecutionID: env.ExecutionID, NodeID: queueNodeID(step.ID, env.Iterator)}
	return b.queue.Fail(ctx, key, env.WorkerID, true, mustMarshalError(env.Error), delay)
}

// closeStep emits step_completed for nodeID, terminating the step's
// Running/Succeeded/Failed state into Closed.
func (b *Broker) closeStep(ctx context.Context, executionID int64, nodeID string, snap *eventlog.Snapshot) error {
	status := event.StatusOK
	if s := snap.Steps[nodeID]; s != nil && s.LastError != nil {
		status = event.StatusError
	}
	_, err := b.events.Emit(ctx, &event.Envelope{
		ExecutionID: executionID,
		EventType:   event.TypeStepCompleted,
		NodeID:      nodeID,
		Status:      status,
	})
	return err
}

// advanceTransitions evaluates the closed step's `next` list (spec §4.5's
// transition evaluation) and emits step_started for every matching
// successor, or terminates the execution.
func (b *Broker) advanceTransitions(ctx context.Context, pb *playbook.Playbook, env *event.Envelope, snap *eventlog.Snapshot) error {
	step, ok := pb.Steps[env.NodeID]
	if !ok {
		return apperr.New(apperr.KindInvalidResource, fmt.Sprintf("broker: unknown step %q", env.NodeID))
	}

	s := snap.Steps[env.NodeID]
	failed := s != nil && s.LastError != nil

	if len(step.Next) == 0 {
		if failed {
			return b.failExecution(ctx, env.ExecutionID, s.LastError)
		}
		return b.completeExecution(ctx, env.ExecutionID, nil)
	}

	var lastResult json.RawMessage
	if s != nil {
		lastResult = s.LastResult
	}
	scope := guardScope(lastResult)

	matched := false
	var elseBranch *playbook.Successor
	for i := range step.Next {
		succ := step.Next[i]
		if succ.Else {
			elseBranch = &step.Next[i]
			continue
		}
		if succ.When == "" {
			matched = true
			if err := b.startStep(ctx, pb, env.ExecutionID, succ.Step, succ.Data, &env.EventID); err != nil {
				return err
			}
			continue
		}
		ok, err := render.EvaluateGuard(succ.When, scope)
		if err != nil {
			return apperr.Wrap(apperr.KindInvalidResource, "broker: evaluate guard", err)
		}
		if ok {
			matched = true
			if err := b.startStep(ctx, pb, env.ExecutionID, succ.Step, succ.Data, &env.EventID); err != nil {
				return err
			}
		}
	}

	if !matched {
		if elseBranch != nil {
			return b.startStep(ctx, pb, env.ExecutionID, elseBranch.Step, elseBranch.Data, &env.EventID)
		}
		if failed {
			return b.failExecution(ctx, env.ExecutionID, s.LastError)
		}
		return b.completeExecution(ctx, env.ExecutionID, nil)
	}
	return nil
}

func (b *Broker) completeExecution(ctx context.Context, executionID int64, result json.RawMessage) error {
	_, err := b.events.Emit(ctx, &event.Envelope{
		ExecutionID: executionID,
		EventType:   event.TypeExecutionComplete,
		Result:      result,
	})
	return err
}

func (b *Broker) failExecution(ctx context.Context, executionID int64, lastErr *event.Error) error {
	_, err := b.events.Emit(ctx, &event.Envelope{
		ExecutionID: executionID,
		EventType:   event.TypeExecutionFailed,
		Error:       lastErr,
	})
	return err
}

// propagateCancel marks every open iterator frame's outstanding items as
// terminally failed so they stop blocking on a lost worker's heartbeat
// (spec's "Execution cancellation propagation" supplement).
func (b *Broker) propagateCancel(ctx context.Context, executionID int64, snap *eventlog.Snapshot) error {
	for loopID, frame := range snap.Iterators {
		if frame.Pending == 0 {
			continue
		}
		for idx := range frame.Results {
			key := queue.Key{ExecutionID: executionID, NodeID: fmt.Sprintf("%s:%d", loopID, idx)}
			_ = b.queue.Fail(ctx, key, "", false, json.RawMessage(`{"kind":"Cancelled","message":"execution cancelled"}`), 0)
		}
	}
	return nil
}

func queueNodeID(stepID string, iter *event.Iterator) string {
	if iter == nil {
		return stepID
	}
	return fmt.Sprintf("%s:%d", stepID, iter.IterationIndex)
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func mustMarshalError(e *event.Error) json.RawMessage {
	if e == nil {
		return nil
	}
	b, _ := json.Marshal(e)
	return b
}

// guardScope builds the scope a transition `when` expression evaluates
// against from a step's own last result. A bare-field guard like
// "{{t>=25}}" against a result of {"t":30} needs t to resolve at the top
// level, not nested under a "result" key the playbook author never wrote;
// it is also exposed under "result" for guards that prefer the qualified
// path. A non-object result (scalar or array) is only exposed under
// "result", since there is no top level to flatten it into.
func guardScope(result json.RawMessage) json.RawMessage {
	if len(result) == 0 || result[0] != '{' {
		wrapped, _ := json.Marshal(map[string]json.RawMessage{"result": result})
		return wrapped
	}
	scope, err := sjson.SetRawBytes(result, "result", result)
	if err != nil {
		wrapped, _ := json.Marshal(map[string]json.RawMessage{"result": result})
		return wrapped
	}
	return scope
}
