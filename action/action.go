/*Package action sequences hardware Actions with transition tables.

An Action is a function registered under an ID in a Registry.  It does its
hardware work and reports why it finished as a Condition.  A Routine holds
one transition Table per Action, mapping conditions to the next Action, and
the Engine trampolines through them until the Terminal marker:

	reset_min -> {stopped: set_pos, error: cleanup}
	set_pos   -> {done: end, error: cleanup}
	cleanup   -> {*: end}

A condition with no entry falls back to the Wildcard entry of the table.  A
condition with neither is a configuration error.
*/
package action

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Condition is why an Action finished
type Condition string

// Conditions produced by the built-in Actions
const (
	Done           Condition = "done"
	Stopped        Condition = "stopped"
	Error          Condition = "error"
	Confirmed      Condition = "confirmed"
	Rejected       Condition = "rejected"
	TimeoutStopped Condition = "timeout_stopped"
	TimeoutReset   Condition = "timeout_reset"
	RepeatsStopped Condition = "repeats_stopped"
	RepeatsReset   Condition = "repeats_reset"

	// Wildcard matches any condition without its own entry
	Wildcard Condition = "*"
)

// ID names an Action in a Registry
type ID string

// Terminal ends a Routine
const Terminal ID = "end"

// Table maps a condition to the next Action
type Table map[Condition]ID

// Params are a routine's parameters, shared by all its Actions
type Params map[string]interface{}

// Func is the body of an Action.  A returned error is turned into the Error
// condition by the Engine unless it is a *ParameterError.
type Func func(ctx context.Context, env *Env, params Params) (Condition, error)

var (
	// ErrDangling is wrapped by ConfigError when a condition has no transition
	ErrDangling = errors.New("action: dangling transition")

	// ErrUnknownAction is wrapped by ConfigError when an ID is not registered
	ErrUnknownAction = errors.New("action: unknown action")
)

// ConfigError is a problem with a routine's definition.  It is fatal to the
// procedure.
type ConfigError struct {
	Routine string
	Action  ID
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("routine %q: %v", e.Routine, e.Err)
	}
	return fmt.Sprintf("routine %q, action %q: %v", e.Routine, e.Action, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ParameterError is a missing or malformed Action parameter.  It is never
// converted to the Error condition.
type ParameterError struct {
	Action ID
	Key    string
	Err    error
}

func (e *ParameterError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("action %q: bad parameters: %v", e.Action, e.Err)
	}
	return fmt.Sprintf("action %q: parameter %q: %v", e.Action, e.Key, e.Err)
}

func (e *ParameterError) Unwrap() error { return e.Err }

// Registry is the arena of Actions
type Registry struct {
	funcs map[ID]Func
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[ID]Func)}
}

// Register adds f under id.  Registering Terminal or an existing id is an error.
func (r *Registry) Register(id ID, f Func) error {
	if id == Terminal || id == "" {
		return fmt.Errorf("action: %q is reserved", id)
	}
	if _, ok := r.funcs[id]; ok {
		return fmt.Errorf("action: %q already registered", id)
	}
	r.funcs[id] = f
	return nil
}

// MustRegister is Register that panics
func (r *Registry) MustRegister(id ID, f Func) {
	if err := r.Register(id, f); err != nil {
		panic(err)
	}
}

// Lookup returns the Action for id
func (r *Registry) Lookup(id ID) (Func, bool) {
	f, ok := r.funcs[id]
	return f, ok
}

// IDs returns the registered IDs, sorted
func (r *Registry) IDs() []ID {
	out := make([]ID, 0, len(r.funcs))
	for id := range r.funcs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Routine is one experiment step: an entry Action and the transition tables
// of every Action reachable from it.  Routines are not modified once built.
type Routine struct {
	Name   string
	Entry  ID
	Params Params
	Tables map[ID]Table

	// AbortOn is the final condition which aborts the whole procedure;
	// empty means Error
	AbortOn Condition
}

// Abort returns the condition which aborts the procedure
func (r *Routine) Abort() Condition {
	if r.AbortOn == "" {
		return Error
	}
	return r.AbortOn
}

// Next returns the Action following cur when it finished with c
func (r *Routine) Next(cur ID, c Condition) (ID, error) {
	tbl, ok := r.Tables[cur]
	if !ok {
		return "", &ConfigError{Routine: r.Name, Action: cur, Err: fmt.Errorf("%w: no transition table", ErrDangling)}
	}
	if next, ok := tbl[c]; ok {
		return next, nil
	}
	if next, ok := tbl[Wildcard]; ok {
		return next, nil
	}
	return "", &ConfigError{Routine: r.Name, Action: cur, Err: fmt.Errorf("%w: condition %q", ErrDangling, c)}
}

// Validate checks that every Action named by the routine is registered, and
// that every Action which can be reached has a table.  Conditions cannot be
// checked statically; a condition missing from a table without a wildcard is
// still caught when it happens.
func (r *Routine) Validate(reg *Registry) error {
	known := func(id ID) bool {
		_, ok := reg.Lookup(id)
		return ok
	}
	if r.Entry == "" || r.Entry == Terminal {
		return &ConfigError{Routine: r.Name, Err: errors.New("no entry action")}
	}
	if !known(r.Entry) {
		return &ConfigError{Routine: r.Name, Action: r.Entry, Err: ErrUnknownAction}
	}
	ids := make([]ID, 0, len(r.Tables))
	for id := range r.Tables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if !known(id) {
			return &ConfigError{Routine: r.Name, Action: id, Err: ErrUnknownAction}
		}
		for c, next := range r.Tables[id] {
			if next == Terminal {
				continue
			}
			if !known(next) {
				return &ConfigError{Routine: r.Name, Action: id, Err: fmt.Errorf("%w %q on %q", ErrUnknownAction, next, c)}
			}
			if _, ok := r.Tables[next]; !ok {
				return &ConfigError{Routine: r.Name, Action: next, Err: fmt.Errorf("%w: reachable from %q but has no table", ErrDangling, id)}
			}
		}
	}
	if _, ok := r.Tables[r.Entry]; !ok {
		return &ConfigError{Routine: r.Name, Action: r.Entry, Err: fmt.Errorf("%w: entry has no table", ErrDangling)}
	}
	return nil
}
