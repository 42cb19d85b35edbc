package eventlog

import (
	"encoding/json"

	"github.com/noetl/noetl-sub018/internal/event"
)

// StepState is the derived read-model of one step, materialized by
// replaying its events (spec §3's Step Snapshot entity).
type StepState struct {
	NodeID      string
	Status      string
	Attempts    int
	LastResult  json.RawMessage
	LastError   *event.Error
	LastEventID int64
}

// IteratorFrame is the derived aggregation state for one loop (spec §3's
// Iterator Frame entity), rebuilt from loop_iteration/action_*/loop_completed
// events.
type IteratorFrame struct {
	LoopID    string
	Items     json.RawMessage
	Pending   int
	Completed int
	// Results is indexed by iteration_index; a nil entry means that item has
	// not completed yet. Aggregation reads this in index order, never
	// arrival order, per spec §4.6.
	Results []json.RawMessage
	Mode    string
}

// Snapshot is the full derived view of an execution's current state (spec
// §4.1's get_snapshot), rebuildable at any time by replaying Events in
// event_id order.
type Snapshot struct {
	ExecutionID int64
	Status      string
	Steps       map[string]*StepState
	Iterators   map[string]*IteratorFrame
	LastEventID int64
}

// Materialize replays events (already ordered by event_id) into a Snapshot.
// It is a pure function: the same event prefix always produces the same
// snapshot, satisfying spec §8's idempotent-replay property.
//
// Grounded on other_examples' GoCodeAlone-workflow event_store.go
// `materialize`: one switch over event_type, incrementally mutating a
// read-model keyed by node/loop id.
func Materialize(events []*event.Envelope) *Snapshot {
	if len(events) == 0 {
		return nil
	}

	snap := &Snapshot{
		ExecutionID: events[0].ExecutionID,
		Status:      "pending",
		Steps:       make(map[string]*StepState),
		Iterators:   make(map[string]*IteratorFrame),
	}

	for _, e := range events {
		snap.LastEventID = e.EventID

		switch e.EventType {
		case event.TypeExecutionStarted:
			snap.Status = "running"

		case event.TypeStepStarted:
			snap.Steps[e.NodeID] = &StepState{NodeID: e.NodeID, Status: "running", LastEventID: e.EventID}

		case event.TypeActionStarted:
			if s := snap.Steps[e.NodeID]; s != nil {
				s.Attempts++
				s.LastEventID = e.EventID
			}

		case event.TypeActionCompleted:
			if s := snap.Steps[e.NodeID]; s != nil {
				s.LastResult = e.Result
				s.LastEventID = e.EventID
			}
			applyIteratorItemCompletion(snap, e, e.Result, nil)

		case event.TypeActionError:
			if s := snap.Steps[e.NodeID]; s != nil {
				s.LastError = e.Error
				s.LastEventID = e.EventID
			}
			applyIteratorItemCompletion(snap, e, nil, e.Error)

		case event.TypeStepCompleted:
			if s := snap.Steps[e.NodeID]; s != nil {
				if s.LastError != nil {
					s.Status = "failed"
				} else {
					s.Status = "succeeded"
				}
				s.Status = "closed:" + s.Status
				s.LastEventID = e.EventID
			}

		case event.TypeLoopIteration:
			applyLoopIteration(snap, e)

		case event.TypeLoopCompleted:
			if f := snap.Iterators[e.NodeID]; f != nil {
				f.Pending = 0
			}

		case event.TypeExecutionComplete:
			snap.Status = "complete"

		case event.TypeExecutionFailed:
			snap.Status = "failed"

		case event.TypeCancel:
			snap.Status = "cancelled"
		}
	}

	return snap
}

func applyLoopIteration(snap *Snapshot, e *event.Envelope) {
	if e.Iterator == nil {
		return
	}
	loopID := e.Iterator.LoopID
	f := snap.Iterators[loopID]
	if f == nil {
		f = &IteratorFrame{LoopID: loopID}
		snap.Iterators[loopID] = f
	}
	idx := e.Iterator.IterationIndex
	if idx+1 > len(f.Results) {
		grown := make([]json.RawMessage, idx+1)
		copy(grown, f.Results)
		f.Results = grown
	}
	f.Pending++
}

func applyIteratorItemCompletion(snap *Snapshot, e *event.Envelope, result json.RawMessage, errPayload *event.Error) {
	if e.Iterator == nil {
		return
	}
	f := snap.Iterators[e.Iterator.LoopID]
	if f == nil {
		return
	}
	idx := e.Iterator.IterationIndex
	if idx >= len(f.Results) {
		return
	}
	if errPayload == nil {
		f.Results[idx] = result
	}
	f.Completed++
	if f.Pending > 0 {
		f.Pending--
	}
}
