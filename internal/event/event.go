// Package event defines the closed event envelope NoETL's event log, broker,
// and worker runtime exchange.
package event

import (
	"encoding/json"
	"fmt"
)

// Type is the closed set of event types a NoETL execution can emit.
type Type string

const (
	TypeExecutionStarted  Type = "execution_started"
	TypeStepStarted       Type = "step_started"
	TypeActionStarted     Type = "action_started"
	TypeActionCompleted   Type = "action_completed"
	TypeActionError       Type = "action_error"
	TypeStepCompleted     Type = "step_completed"
	TypeLoopIteration     Type = "loop_iteration"
	TypeLoopCompleted     Type = "loop_completed"
	TypeExecutionComplete Type = "execution_complete"
	TypeExecutionFailed   Type = "execution_failed"
	TypeCancel            Type = "cancel"
)

// markerTypes carries at most one persisted event per (execution_id, node_id)
// or (execution_id, loop_id, iteration_index), enforced by a unique
// constraint at the storage layer (spec invariants I1/I2).
var markerTypes = map[Type]bool{
	TypeStepStarted:   true,
	TypeLoopIteration: true,
}

// IsMarker reports whether t is subject to idempotent-emit dedup.
func IsMarker(t Type) bool {
	return markerTypes[t]
}

func (t Type) valid() bool {
	switch t {
	case TypeExecutionStarted, TypeStepStarted, TypeActionStarted,
		TypeActionCompleted, TypeActionError, TypeStepCompleted,
		TypeLoopIteration, TypeLoopCompleted,
		TypeExecutionComplete, TypeExecutionFailed, TypeCancel:
		return true
	default:
		return false
	}
}

// Status is the closed set of event statuses.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusOK        Status = "ok"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusOK, StatusError, StatusCancelled, StatusTimeout, "":
		return true
	default:
		return false
	}
}

// Iterator carries the fields attached to per-item events produced by the
// Iterator Engine (spec §4.6).
type Iterator struct {
	LoopID         string          `json:"loop_id"`
	Iterator       string          `json:"iterator,omitempty"`
	IterationIndex int             `json:"iteration_index"`
	CurrentItem    json.RawMessage `json:"current_item,omitempty"`
	ItemsRef       string          `json:"items_ref,omitempty"`
}

// Error is the structured failure payload attached to action_error and
// execution_failed events, per spec §7's "user-visible failures."
type Error struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Retryable   bool   `json:"retryable,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Envelope is the persisted shape of a single event, per spec §6.
type Envelope struct {
	EventID       int64           `json:"event_id,omitempty"`
	ExecutionID   int64           `json:"execution_id"`
	ParentEventID int64           `json:"parent_event_id,omitempty"`

	EventType Type   `json:"event_type"`
	Status    Status `json:"status,omitempty"`

	NodeID   string `json:"node_id,omitempty"`
	NodeName string `json:"node_name,omitempty"`
	NodeType string `json:"node_type,omitempty"`

	Iterator *Iterator `json:"iterator,omitempty"`

	Context json.RawMessage `json:"context,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Stack   string          `json:"stack_trace,omitempty"`

	CatalogID string `json:"catalog_id,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// Validate enforces the envelope-level schema rules from spec §4.1 and §7:
// execution_id and event_type are required and event_type/status must be
// members of the closed sets. It does not check cross-event invariants
// (parent existence, marker uniqueness) — those are storage-layer
// responsibilities in internal/eventlog.
func (e *Envelope) Validate() error {
	if e.ExecutionID == 0 {
		return fmt.Errorf("event: execution_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event: event_type is required")
	}
	if !e.EventType.valid() {
		return fmt.Errorf("event: unknown event_type %q", e.EventType)
	}
	if !e.Status.valid() {
		return fmt.Errorf("event: unknown status %q", e.Status)
	}
	if IsMarker(e.EventType) && e.NodeID == "" && e.EventType == TypeStepStarted {
		return fmt.Errorf("event: %s requires node_id", e.EventType)
	}
	if e.EventType == TypeLoopIteration && (e.Iterator == nil || e.Iterator.LoopID == "") {
		return fmt.Errorf("event: loop_iteration requires iterator.loop_id")
	}
	return nil
}

// MarkerKey returns the dedup key for marker events, or ("", false) for
// non-marker types.
func (e *Envelope) MarkerKey() (string, bool) {
	switch e.EventType {
	case TypeStepStarted:
		return fmt.Sprintf("%d:%s", e.ExecutionID, e.NodeID), true
	case TypeLoopIteration:
		if e.Iterator == nil {
			return "", false
		}
		return fmt.Sprintf("%d:%s:%d", e.ExecutionID, e.Iterator.LoopID, e.Iterator.IterationIndex), true
	default:
		return "", false
	}
}
