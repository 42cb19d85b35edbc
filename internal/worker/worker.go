// Package worker implements the Worker Runtime (spec §4.7): the lease loop
// that pulls queue items, renders nothing further (the broker already
// rendered the task), dispatches it to a plugin, and emits the resulting
// action_completed or action_error event before completing or failing the
// lease.
//
// Grounded on the teacher's graph/engine.go superstep loop, generalized
// from a single in-process BSP step to a polling lease loop against a
// shared Postgres queue — the worker has no playbook or catalog access; it
// only ever sees what the broker already rendered into the queue item.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/noetl/noetl-sub018/internal/apperr"
	"github.com/noetl/noetl-sub018/internal/event"
	"github.com/noetl/noetl-sub018/internal/eventlog"
	"github.com/noetl/noetl-sub018/internal/logging"
	"github.com/noetl/noetl-sub018/internal/playbook"
	"github.com/noetl/noetl-sub018/internal/plugin"
	"github.com/noetl/noetl-sub018/internal/queue"
	"github.com/noetl/noetl-sub018/internal/render"
	"github.com/noetl/noetl-sub018/internal/telemetry"
)

// action is the decoded shape of a queue item's rendered Action payload,
// as broker.enqueueStep builds it.
type action struct {
	Kind     string                `json:"kind"`
	Task     json.RawMessage       `json:"task"`
	StepID   string                `json:"step_id"`
	Iterator *event.Iterator       `json:"iterator,omitempty"`
	Retry    *playbook.RetryPolicy `json:"retry,omitempty"`
}

// Worker leases queue items, dispatches them to plugins, and reports their
// outcome back as events. A Worker is stateless between items: nothing
// survives past the line the plugin returned on.
type Worker struct {
	id         string
	queue      *queue.Queue
	events     *eventlog.Store
	registry   *plugin.Registry
	log        *logging.Logger
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	visibility time.Duration
}

// New builds a Worker identified by id, leasing from q, emitting through
// events, and dispatching via registry. visibility is the lease duration;
// heartbeats run at visibility/3 per spec §4.7.
func New(id string, q *queue.Queue, events *eventlog.Store, registry *plugin.Registry, log *logging.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer, visibility time.Duration) *Worker {
	return &Worker{id: id, queue: q, events: events, registry: registry, log: log, metrics: metrics, tracer: tracer, visibility: visibility}
}

// Run leases up to concurrency items every poll interval and processes them
// concurrently until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, concurrency int, poll time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.leaseAndProcess(ctx, concurrency)
		}
	}
}

func (w *Worker) leaseAndProcess(ctx context.Context, concurrency int) {
	items, err := w.queue.Lease(ctx, w.id, concurrency, w.visibility)
	if err != nil {
		w.log.WithContext(ctx).WithError(err).Error("worker: lease failed")
		return
	}
	if len(items) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(it *queue.Item) {
			defer wg.Done()
			w.process(ctx, it)
		}(item)
	}
	wg.Wait()
}

// process runs one leased item end to end: render-free dispatch (the
// broker already rendered the task), plugin invocation under a heartbeat
// that cancels the plugin's context on lost lease, retry_when/stop_when
// evaluation against the result, and event emission.
func (w *Worker) process(ctx context.Context, item *queue.Item) {
	ctx = logging.WithExecution(ctx, item.ExecutionID)
	ctx = logging.WithNode(ctx, item.NodeID)
	ctx = logging.WithWorker(ctx, w.id)

	var a action
	if err := json.Unmarshal(item.Action, &a); err != nil {
		w.log.WithContext(ctx).WithError(err).Error("worker: decode action")
		_ = w.queue.Fail(ctx, item.Key, w.id, false, jsonErr("InvalidEvent", err.Error()), 0)
		return
	}

	ctx, span := w.tracer.StartSpan(ctx, "worker.process", item.ExecutionID, a.StepID, 0)
	defer span.End()

	pluginCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopHeartbeat := w.heartbeat(ctx, item.Key, cancel)
	defer stopHeartbeat()

	if _, err := w.events.Emit(ctx, &event.Envelope{
		ExecutionID: item.ExecutionID,
		EventType:   event.TypeActionStarted,
		NodeID:      a.StepID,
		NodeType:    a.Kind,
		Iterator:    a.Iterator,
	}); err != nil {
		w.log.WithContext(ctx).WithError(err).Error("worker: emit action_started")
	}

	start := time.Now()
	result, dispatchErr := w.registry.Dispatch(pluginCtx, a.Kind, a.Task)
	elapsed := time.Since(start).Seconds()

	retryable, outcomeErr := w.classify(a, result, dispatchErr)
	telemetry.EndWithError(span, outcomeErr)

	if outcomeErr == nil {
		w.metrics.ObserveStepLatency(a.Kind, "ok", elapsed)
		w.complete(ctx, item, a, result)
		return
	}

	w.metrics.ObserveStepLatency(a.Kind, "error", elapsed)
	w.fail(ctx, item, a, outcomeErr, retryable)
}

// classify turns a plugin's (result, error) pair plus the step's
// retry_when/stop_when expressions into a single retryable/error verdict.
// A plugin call with no Go error can still be a logical failure — spec's
// retry scenario S4 retries an HTTP 200/500 response based on status_code,
// not a thrown error — so retry_when is evaluated against a successful
// result exactly as it would be against one already flagged retryable.
func (w *Worker) classify(a action, result json.RawMessage, dispatchErr error) (retryable bool, outcomeErr error) {
	if dispatchErr != nil {
		retryable = plugin.IsRetryable(dispatchErr)
		outcomeErr = dispatchErr
	}

	if a.Retry == nil {
		return retryable, outcomeErr
	}

	scope, _ := json.Marshal(map[string]json.RawMessage{"result": result})
	if a.Retry.StopWhen != "" {
		if stop, err := render.EvaluateGuard(a.Retry.StopWhen, scope); err == nil && stop {
			return false, outcomeErr
		}
	}
	if outcomeErr == nil && a.Retry.RetryWhen != "" {
		if shouldRetry, err := render.EvaluateGuard(a.Retry.RetryWhen, scope); err == nil && shouldRetry {
			return true, fmt.Errorf("worker: retry_when matched result for step %q", a.StepID)
		}
	}
	return retryable, outcomeErr
}

func (w *Worker) complete(ctx context.Context, item *queue.Item, a action, result json.RawMessage) {
	_, err := w.events.Emit(ctx, &event.Envelope{
		ExecutionID: item.ExecutionID,
		EventType:   event.TypeActionCompleted,
		NodeID:      a.StepID,
		Status:      event.StatusOK,
		Iterator:    a.Iterator,
		Result:      result,
	})
	if err != nil {
		w.log.WithContext(ctx).WithError(err).Error("worker: emit action_completed")
		return
	}
	if err := w.queue.Complete(ctx, item.Key, w.id); err != nil {
		w.log.WithContext(ctx).WithError(err).Error("worker: complete queue item")
	}
}

func (w *Worker) fail(ctx context.Context, item *queue.Item, a action, outcomeErr error, retryable bool) {
	failure := &event.Error{
		Kind:        string(apperr.KindOf(outcomeErr)),
		Message:     outcomeErr.Error(),
		Retryable:   retryable,
		NodeID:      a.StepID,
		Fingerprint: fingerprint(a.StepID, a.Task),
	}
	if failure.Kind == "" {
		failure.Kind = "PluginFailure"
	}

	_, err := w.events.Emit(ctx, &event.Envelope{
		ExecutionID: item.ExecutionID,
		EventType:   event.TypeActionError,
		NodeID:      a.StepID,
		Status:      event.StatusError,
		Iterator:    a.Iterator,
		Error:       failure,
	})
	if err != nil {
		w.log.WithContext(ctx).WithError(err).Error("worker: emit action_error")
		return
	}

	var delay time.Duration
	if a.Retry != nil {
		delay = a.Retry.Backoff(item.Attempts - 1)
	}
	errJSON, _ := json.Marshal(failure)
	if err := w.queue.Fail(ctx, item.Key, w.id, retryable, errJSON, delay); err != nil {
		w.log.WithContext(ctx).WithError(err).Error("worker: fail queue item")
	}
}

// heartbeat extends item's lease on a visibility/3 timer until stopped.
// When the queue reports the lease lost (another worker has reclaimed it),
// it cancels the plugin's context so Execute can observe ctx.Done() at its
// next cooperative checkpoint, per spec §4.7's cancellation contract.
func (w *Worker) heartbeat(ctx context.Context, key queue.Key, onLost context.CancelFunc) (stop func()) {
	interval := w.visibility / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := w.queue.Heartbeat(ctx, key, w.id, w.visibility); err != nil {
					if apperr.Is(err, apperr.KindConflict) {
						w.log.WithContext(ctx).Warn("worker: lease lost, cancelling plugin")
						onLost()
						return
					}
					w.log.WithContext(ctx).WithError(err).Error("worker: heartbeat failed")
				}
			}
		}
	}()

	return func() { close(done) }
}

func jsonErr(kind, message string) json.RawMessage {
	b, _ := json.Marshal(&event.Error{Kind: kind, Message: message})
	return b
}

// fingerprint identifies a failure by the step and exact rendered task that
// produced it, so operators can tell "the same failure happened again"
// from "a different input took a different path" across retries and reruns
// (the "step fingerprinting for reproduction" supplement).
func fingerprint(stepID string, task json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(stepID))
	h.Write(task)
	return hex.EncodeToString(h.Sum(nil))
}
