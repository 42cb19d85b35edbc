// Package plugin implements the Plugin dispatch layer (spec §4.7): each
// plugin is a pure function from (rendered_task, context) to a result or
// error. The worker runtime selects a plugin by kind and never mutates
// shared server state from inside one — every observable effect is an
// event the worker emits after the call returns.
//
// Grounded on the teacher's graph/tool.Tool interface (Name()/Call(ctx,
// map[string]interface{})), generalized here from an LLM-invoked tool
// call to a playbook step's rendered task, and from a map[string]any
// payload to the json.RawMessage the rest of this system already speaks.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
)

// Plugin executes one rendered task and returns its result or a
// PluginFailure describing why it could not. Implementations must not
// retain ctx beyond the call and must honor cancellation promptly —
// the worker's cooperative-cancellation contract depends on it.
type Plugin interface {
	// Kind is the plugin's selector, matching playbook.Kind.
	Kind() string
	// Execute runs task (already rendered against the step's scope) and
	// returns its result payload or an error.
	Execute(ctx context.Context, task json.RawMessage) (json.RawMessage, error)
}

// Failure wraps a plugin-level error with the retryability the step retry
// policy needs (spec §7's PluginFailure{retryable}).
type Failure struct {
	Retryable bool
	Err       error
}

func (f *Failure) Error() string { return f.Err.Error() }
func (f *Failure) Unwrap() error { return f.Err }

// Retryable wraps err as a retryable plugin failure.
func Retryable(err error) error { return &Failure{Retryable: true, Err: err} }

// Fatal wraps err as a non-retryable plugin failure.
func Fatal(err error) error { return &Failure{Retryable: false, Err: err} }

// IsRetryable reports whether err (or a wrapped Failure within it) is
// marked retryable. Errors that are not a *Failure default to retryable,
// matching the worker's "unknown failure, let the retry policy decide"
// posture.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var f *Failure
	if asFailure(err, &f) {
		return f.Retryable
	}
	return true
}

func asFailure(err error, target **Failure) bool {
	for err != nil {
		if f, ok := err.(*Failure); ok {
			*target = f
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// Registry resolves a step kind to its Plugin implementation.
type Registry struct {
	plugins map[string]Plugin
}

// NewRegistry builds a Registry containing plugins, keyed by their Kind().
func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		r.plugins[p.Kind()] = p
	}
	return r
}

// Dispatch resolves kind and executes task against it (spec §4.7's
// "Plugin dispatch").
func (r *Registry) Dispatch(ctx context.Context, kind string, task json.RawMessage) (json.RawMessage, error) {
	p, ok := r.plugins[kind]
	if !ok {
		return nil, Fatal(fmt.Errorf("plugin: unknown kind %q", kind))
	}
	return p.Execute(ctx, task)
}
