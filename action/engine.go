package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nasa-jpl/ecrig/datalog"
	"github.com/nasa-jpl/ecrig/hal"
	"github.com/nasa-jpl/ecrig/position"
)

// Env is everything an Action may touch.  It is shared by every Action of a
// procedure; Thresholds is the one piece of configuration Actions mutate, and
// only calibrate does.
type Env struct {
	HAL        hal.Interface
	Positioner *position.Positioner
	LoadCell   position.ForceReader
	Operator   position.Operator
	Thresholds *position.Thresholds

	// Timeout is the default acquisition duration
	Timeout time.Duration

	// Outfile is the default acquisition file
	Outfile string
	Units   datalog.Units

	// RunID identifies the procedure run in logs and file names
	RunID string

	// Persist saves confirmed calibration thresholds; nil skips saving
	Persist func(position.Thresholds, string) error

	Log *zap.SugaredLogger
}

func (e *Env) log() *zap.SugaredLogger {
	if e.Log == nil {
		return zap.NewNop().Sugar()
	}
	return e.Log
}

// Step is one Action run by the Engine
type Step struct {
	Action    ID
	Condition Condition
	Elapsed   time.Duration
}

// Result is the path a routine took
type Result struct {
	Routine string
	Steps   []Step
	Final   Condition
}

// Engine runs routines
type Engine struct {
	Registry *Registry
	Metrics  *Metrics
	Log      *zap.SugaredLogger
}

// NewEngine returns an engine over reg.  m may be nil.
func NewEngine(reg *Registry, m *Metrics, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{Registry: reg, Metrics: m, Log: log}
}

// RunRoutine trampolines from the routine's entry until an Action's
// transition reaches Terminal.  Errors returned are fatal to the procedure:
// configuration errors, parameter errors and cancellation.  Failures inside
// Actions are routed through the Error condition instead.
func (e *Engine) RunRoutine(ctx context.Context, env *Env, r *Routine) (Result, error) {
	res := Result{Routine: r.Name}
	log := e.Log.With("routine", r.Name)
	cur := r.Entry
	for cur != Terminal {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		f, ok := e.Registry.Lookup(cur)
		if !ok {
			return res, &ConfigError{Routine: r.Name, Action: cur, Err: ErrUnknownAction}
		}
		start := time.Now()
		cond, err := e.invoke(ctx, env, cur, f, r.Params)
		elapsed := time.Since(start)
		if err != nil {
			return res, err
		}
		res.Steps = append(res.Steps, Step{Action: cur, Condition: cond, Elapsed: elapsed})
		res.Final = cond
		e.Metrics.observe(cur, cond, elapsed)

		next, err := r.Next(cur, cond)
		if err != nil {
			return res, err
		}
		log.Debugw("transition", "action", cur, "condition", cond, "next", next, "elapsed", elapsed)
		cur = next
	}
	return res, nil
}

// invoke runs one Action.  Panics and errors stop the hardware, are logged,
// and become the Error condition, except parameter errors and cancellation
// which are returned.
func (e *Engine) invoke(ctx context.Context, env *Env, id ID, f Func, params Params) (cond Condition, err error) {
	defer func() {
		if r := recover(); r != nil {
			cond, err = e.fail(ctx, env, id, fmt.Errorf("panic: %v", r))
		}
	}()
	cond, err = f(ctx, env, params)
	if err == nil {
		return cond, nil
	}
	var perr *ParameterError
	if errors.As(err, &perr) {
		e.stop(env, id)
		return "", err
	}
	return e.fail(ctx, env, id, err)
}

func (e *Engine) fail(ctx context.Context, env *Env, id ID, cause error) (Condition, error) {
	e.stop(env, id)
	e.Log.Errorw("action failed", "action", id, "run", env.RunID, "err", cause)
	if ctx.Err() != nil {
		return "", fmt.Errorf("action %q interrupted: %w", id, ctx.Err())
	}
	return Error, nil
}

func (e *Engine) stop(env *Env, id ID) {
	if env.HAL == nil {
		return
	}
	if err := env.HAL.StopAll(); err != nil {
		e.Log.Errorw("stopping hardware", "action", id, "err", err)
	}
}
