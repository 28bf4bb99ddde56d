package procedure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/nasa-jpl/ecrig/action"
	"github.com/nasa-jpl/ecrig/hal"
	"github.com/nasa-jpl/ecrig/position"
)

// ErrAborted is wrapped by AbortError
var ErrAborted = errors.New("procedure aborted")

// AbortError is returned when a routine ends on its abort condition
type AbortError struct {
	Routine   string
	Condition action.Condition
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("procedure aborted: routine %q ended with %q", e.Routine, e.Condition)
}

func (e *AbortError) Unwrap() error { return ErrAborted }

// BuildRoutine turns a routine from the document into an action.Routine and
// validates it against reg
func BuildRoutine(rc RoutineConfig, reg *action.Registry) (*action.Routine, error) {
	r := &action.Routine{
		Name:    rc.Name,
		Entry:   action.ID(rc.EntryAction),
		Params:  action.Params(rc.Params),
		Tables:  make(map[action.ID]action.Table, len(rc.TransitionTable)),
		AbortOn: action.Condition(rc.AbortOn),
	}
	if r.Params == nil {
		r.Params = action.Params{}
	}
	for id, tbl := range rc.TransitionTable {
		t := make(action.Table, len(tbl))
		for c, next := range tbl {
			t[action.Condition(c)] = action.ID(next)
		}
		r.Tables[action.ID(id)] = t
	}
	if err := r.Validate(reg); err != nil {
		return nil, err
	}
	return r, nil
}

// Procedure is an ordered set of routines and the configuration they share
type Procedure struct {
	Doc      *Document
	Path     string
	Routines []*action.Routine

	// Thresholds is shared by every action of the procedure; calibration
	// updates it in place
	Thresholds *position.Thresholds
}

// New builds every routine of doc.  path is where confirmed calibrations are
// saved when a calibrate action names no outfile.
func New(doc *Document, path string, reg *action.Registry) (*Procedure, error) {
	th := doc.Thresholds()
	p := &Procedure{Doc: doc, Path: path, Thresholds: &th}
	for _, rc := range doc.Routines {
		r, err := BuildRoutine(rc, reg)
		if err != nil {
			return nil, &ConfigError{Path: path, Err: err}
		}
		p.Routines = append(p.Routines, r)
	}
	return p, nil
}

// Routine returns the routine called name
func (p *Procedure) Routine(name string) (*action.Routine, bool) {
	for _, r := range p.Routines {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// Positioner returns a positioner on h configured from the document and
// sharing the procedure's thresholds
func (p *Procedure) Positioner(h hal.Interface, log *zap.SugaredLogger) *position.Positioner {
	pos := position.New(h, p.Thresholds, log)
	pos.AlertPin = p.Doc.HAL.AlertPin
	pos.Magnitude = p.Doc.HAL.Magnitude
	if p.Doc.HAL.SampleTimeout > 0 {
		pos.SampleTimeout = time.Duration(p.Doc.HAL.SampleTimeout * float64(time.Second))
	}
	return pos
}

// Env assembles the environment actions run in.  cell and op may be nil.
func (p *Procedure) Env(h hal.Interface, cell position.ForceReader, op position.Operator, log *zap.SugaredLogger) *action.Env {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	runID := xid.New().String()
	log = log.With("run", runID)
	return &action.Env{
		HAL:        h,
		Positioner: p.Positioner(h, log),
		LoadCell:   cell,
		Operator:   op,
		Thresholds: p.Thresholds,
		Timeout:    time.Duration(p.Doc.Config.Timeout * float64(time.Second)),
		Outfile:    p.Doc.Config.Outfile,
		Units:      p.Doc.Units(),
		RunID:      runID,
		Persist:    p.persist,
		Log:        log,
	}
}

func (p *Procedure) persist(th position.Thresholds, outfile string) error {
	if outfile == "" {
		outfile = p.Path
	}
	if outfile == "" {
		return errors.New("procedure: no file to save calibration to")
	}
	if err := SaveThresholds(outfile, p.Doc, th); err != nil {
		return err
	}
	p.Doc.SetThresholds(th)
	return nil
}

// Report is the outcome of a run
type Report struct {
	RunID   string
	Results []action.Result
	Elapsed time.Duration
}

// Executor runs a procedure and guarantees cleanup
type Executor struct {
	Procedure *Procedure
	Engine    *action.Engine
	Env       *action.Env

	// Cleanup is always called before Run returns.  nil stops the HAL.
	Cleanup func() error

	Log *zap.SugaredLogger
}

// NewExecutor returns an executor.  cleanup may be nil.
func NewExecutor(p *Procedure, eng *action.Engine, env *action.Env, cleanup func() error) *Executor {
	log := env.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Executor{Procedure: p, Engine: eng, Env: env, Cleanup: cleanup, Log: log}
}

func (x *Executor) cleanup() error {
	if x.Cleanup != nil {
		return x.Cleanup()
	}
	if x.Env.HAL != nil {
		return x.Env.HAL.StopAll()
	}
	return nil
}

// Run executes the routines in order.  A routine ending on its abort
// condition stops the procedure with an AbortError; any other ending moves on
// to the next routine.  Cleanup runs on every path, including cancellation and
// configuration failures, before the error is returned.
func (x *Executor) Run(ctx context.Context) (rep Report, err error) {
	rep.RunID = x.Env.RunID
	start := time.Now()
	defer func() {
		rep.Elapsed = time.Since(start)
		if cerr := x.cleanup(); cerr != nil {
			x.Log.Errorw("cleanup failed", "err", cerr)
			if err == nil {
				err = cerr
			}
		}
		if err != nil {
			x.Log.Errorw("procedure failed", "err", err, "elapsed", rep.Elapsed)
		} else {
			x.Log.Infow("procedure complete", "routines", len(rep.Results), "elapsed", rep.Elapsed)
		}
	}()
	for _, r := range x.Procedure.Routines {
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("procedure interrupted: %w", err)
		}
		x.Log.Infow("routine start", "routine", r.Name)
		res, err := x.Engine.RunRoutine(ctx, x.Env, r)
		rep.Results = append(rep.Results, res)
		if err != nil {
			return rep, fmt.Errorf("routine %q: %w", r.Name, err)
		}
		if res.Final == r.Abort() {
			return rep, &AbortError{Routine: r.Name, Condition: res.Final}
		}
		x.Log.Infow("routine done", "routine", r.Name, "condition", res.Final, "steps", len(res.Steps))
	}
	return rep, nil
}
