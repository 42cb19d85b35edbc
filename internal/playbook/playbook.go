// Package playbook defines the Playbook AST: steps, transitions, workbook
// tasks, and workload defaults. Parsing a document into this shape is
// treated as an opaque boundary per spec §1 — a playbook is ordinary JSON,
// so Parse is a thin json.Unmarshal plus structural validation, not a DSL
// compiler.
package playbook

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the closed set of step tool kinds a step may declare (spec §4.7).
type Kind string

const (
	KindHTTP     Kind = "http"
	KindSQL      Kind = "sql"
	KindPython   Kind = "python"
	KindShell    Kind = "shell"
	KindContainer Kind = "container"
	KindPlaybook Kind = "playbook"
	KindNoop     Kind = "noop"
	KindSave     Kind = "save"
	KindEnd      Kind = "end"
)

// IteratorMode is the closed set of loop expansion strategies (spec §4.6).
type IteratorMode string

const (
	ModeSequential IteratorMode = "sequential"
	ModeParallel   IteratorMode = "parallel"
	ModeChunked    IteratorMode = "chunked"
)

// FailurePolicy governs how an iterator frame reacts to a failing item.
type FailurePolicy string

const (
	FailFast      FailurePolicy = "fail_fast"
	CollectErrors FailurePolicy = "collect_errors"
)

// RetryPolicy is the step-level retry configuration (spec §4.5). Grounded on
// the teacher's graph.RetryPolicy, generalized from a Go predicate function
// to renderer-evaluated retry_when/stop_when expressions so it can round
// trip through the catalog's stored JSON.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	MaxDelay          time.Duration `json:"max_delay"`
	RetryWhen         string        `json:"retry_when,omitempty"`
	StopWhen          string        `json:"stop_when,omitempty"`
}

// Backoff computes the delay before the given zero-based attempt, following
// the teacher's computeBackoff shape (exponential growth capped at MaxDelay)
// but driven by BackoffMultiplier instead of a fixed doubling.
func (rp *RetryPolicy) Backoff(attempt int) time.Duration {
	if rp == nil {
		return 0
	}
	delay := rp.InitialDelay
	mult := rp.BackoffMultiplier
	if mult <= 1 {
		mult = 2
	}
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if rp.MaxDelay > 0 && delay > rp.MaxDelay {
			delay = rp.MaxDelay
			break
		}
	}
	return delay
}

// Loop declares a step's iterator expansion (spec §4.6).
type Loop struct {
	Collection    string        `json:"collection"`
	ElementName   string        `json:"element_name,omitempty"`
	Mode          IteratorMode  `json:"mode"`
	Concurrency   int           `json:"concurrency,omitempty"`
	ChunkSize     int           `json:"chunk_size,omitempty"`
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty"`
}

// Successor is one entry of a step's `next` list: either unconditional or
// guarded by `when`, optionally carrying a `data` overlay merged into the
// downstream context (spec §4.5's transition evaluation).
type Successor struct {
	Step string          `json:"step"`
	When string          `json:"when,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	Else bool            `json:"else,omitempty"`
}

// Step is one node in the playbook graph.
type Step struct {
	ID           string          `json:"id"`
	Name         string          `json:"name,omitempty"`
	Kind         Kind            `json:"kind"`
	Uses         string          `json:"uses,omitempty"` // workbook task name, when set Task is resolved from Workbook
	Task         json.RawMessage `json:"task,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Loop         *Loop           `json:"loop,omitempty"`
	Retry        *RetryPolicy    `json:"retry,omitempty"`
	Timeout      time.Duration   `json:"timeout,omitempty"` // spec §5: running longer than this is Reaper-timed-out
	Next         []Successor     `json:"next,omitempty"`
	ReturnStep   string          `json:"return_step,omitempty"` // kind=playbook only
	CatalogPath  string          `json:"catalog_path,omitempty"` // kind=playbook only
}

// WorkbookTask is a named, reusable task template referenced by Step.Uses.
type WorkbookTask struct {
	Name string          `json:"name"`
	Kind Kind            `json:"kind"`
	Task json.RawMessage `json:"task"`
}

// Playbook is the full parsed AST: steps, transitions, workbook tasks, and
// workload defaults (spec §3's Playbook entity).
type Playbook struct {
	Name     string                  `json:"name"`
	Start    string                  `json:"start"`
	Workload json.RawMessage         `json:"workload,omitempty"`
	Steps    map[string]Step         `json:"steps"`
	Workbook map[string]WorkbookTask `json:"workbook,omitempty"`
}

// Parse decodes raw (the catalog resource payload) into a Playbook and
// validates structural invariants that schema validation alone can't catch:
// a resolvable start step, and every Successor/Uses reference resolving to
// a step or workbook entry that exists.
func Parse(raw json.RawMessage) (*Playbook, error) {
	var pb Playbook
	if err := json.Unmarshal(raw, &pb); err != nil {
		return nil, fmt.Errorf("playbook: decode: %w", err)
	}
	if pb.Start == "" {
		return nil, fmt.Errorf("playbook: missing start step")
	}
	if _, ok := pb.Steps[pb.Start]; !ok {
		return nil, fmt.Errorf("playbook: start step %q not found", pb.Start)
	}
	for id, step := range pb.Steps {
		if step.Uses != "" {
			if _, ok := pb.Workbook[step.Uses]; !ok {
				return nil, fmt.Errorf("playbook: step %q references unknown workbook task %q", id, step.Uses)
			}
		}
		for _, succ := range step.Next {
			if succ.Step == "" {
				continue
			}
			if _, ok := pb.Steps[succ.Step]; !ok {
				return nil, fmt.Errorf("playbook: step %q has unknown successor %q", id, succ.Step)
			}
		}
	}
	return &pb, nil
}

// ResolveTask returns the step's task template, following a Uses reference
// into the workbook when the step doesn't inline its own task (spec's
// "Workbook task resolution" supplement).
func (pb *Playbook) ResolveTask(step Step) (Kind, json.RawMessage, error) {
	if step.Uses == "" {
		return step.Kind, step.Task, nil
	}
	wt, ok := pb.Workbook[step.Uses]
	if !ok {
		return "", nil, fmt.Errorf("playbook: workbook task %q not found", step.Uses)
	}
	return wt.Kind, wt.Task, nil
}
