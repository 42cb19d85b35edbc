package broker

import (
	"context"
	"time"

	"github.com/noetl/noetl-sub018/internal/apperr"
	"github.com/noetl/noetl-sub018/internal/event"
	"github.com/noetl/noetl-sub018/internal/playbook"
)

// Reaper compares each running step's elapsed wall-clock time against its
// declared step.Timeout and emits action_error(kind=Timeout) for any that
// have overrun, per spec §5's "Cancellation & timeouts." A step with no
// declared timeout never reaps. Candidates are found by querying the event
// log directly for step_started markers with no matching step_completed,
// rather than a separately maintained table — every derived view in this
// system is a replay of events, and "is this step still open" is no
// exception.
type Reaper struct {
	broker *Broker
	floor  time.Duration
}

// NewReaper builds a Reaper. floor is the minimum age a step_started marker
// must reach before the candidate scan considers it (a step whose declared
// timeout is shorter than floor is not reaped until floor has passed); the
// per-step comparison against the playbook's own declared timeout is what
// actually decides whether a candidate has timed out.
func NewReaper(b *Broker, floor time.Duration) *Reaper {
	return &Reaper{broker: b, floor: floor}
}

type staleStep struct {
	executionID int64
	nodeID      string
	runningFor  time.Duration
}

// Sweep scans running steps older than the floor, loads each one's playbook
// to read its declared timeout, and times out the ones that have overrun.
func (r *Reaper) Sweep(ctx context.Context) error {
	candidates, err := r.scanCandidates(ctx)
	if err != nil {
		return err
	}

	playbooks := map[int64]*playbook.Playbook{}
	for _, c := range candidates {
		pb, ok := playbooks[c.executionID]
		if !ok {
			loaded, _, err := r.broker.loadPlaybook(ctx, c.executionID)
			if err != nil {
				r.broker.log.WithContext(ctx).WithError(err).Error("reaper: load playbook failed")
				continue
			}
			pb = loaded
			playbooks[c.executionID] = pb
		}
		step, ok := pb.Steps[c.nodeID]
		if !ok || step.Timeout <= 0 || c.runningFor < step.Timeout {
			continue
		}
		if err := r.timeoutStep(ctx, c.executionID, c.nodeID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reaper) scanCandidates(ctx context.Context) ([]staleStep, error) {
	rows, err := r.broker.pool.Query(ctx, `
		SELECT started.execution_id, started.node_id,
		       extract(epoch from now() - started.created_at)
		FROM events started
		WHERE started.event_type = 'step_started'
		  AND started.created_at < now() - make_interval(secs => $1)
		  AND NOT EXISTS (
		      SELECT 1 FROM events done
		      WHERE done.execution_id = started.execution_id
		        AND done.node_id = started.node_id
		        AND done.event_type = 'step_completed'
		  )`,
		r.floor.Seconds())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "reaper: scan stale steps", err)
	}
	defer rows.Close()

	var stale []staleStep
	for rows.Next() {
		var s staleStep
		var runningSecs float64
		if err := rows.Scan(&s.executionID, &s.nodeID, &runningSecs); err != nil {
			return nil, apperr.Wrap(apperr.KindTransientStorage, "reaper: scan row", err)
		}
		s.runningFor = time.Duration(runningSecs * float64(time.Second))
		stale = append(stale, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "reaper: rows", err)
	}
	return stale, nil
}

func (r *Reaper) timeoutStep(ctx context.Context, executionID int64, nodeID string) error {
	_, err := r.broker.events.Emit(ctx, &event.Envelope{
		ExecutionID: executionID,
		EventType:   event.TypeActionError,
		NodeID:      nodeID,
		Status:      event.StatusTimeout,
		Error: &event.Error{
			Kind:      "Timeout",
			Message:   "step exceeded its declared timeout",
			Retryable: true,
			NodeID:    nodeID,
		},
	})
	return err
}

// Run ticks Sweep every interval until ctx is cancelled, for tests and
// standalone use; cmd/noetl-server does not call it and instead drives
// Sweep from its cron scheduler alongside the queue sweep.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.broker.log.WithContext(ctx).WithError(err).Error("reaper: sweep failed")
			}
		}
	}
}
