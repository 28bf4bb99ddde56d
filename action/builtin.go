package action

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nasa-jpl/ecrig/datalog"
	"github.com/nasa-jpl/ecrig/hal"
	"github.com/nasa-jpl/ecrig/position"
)

// IDs of the built-in Actions
const (
	ResetMin       ID = "reset_min"
	ResetMax       ID = "reset_max"
	SetPos         ID = "set_pos"
	SetLoad        ID = "set_load"
	OscillateForce ID = "oscillate_force"
	Regulate       ID = "regulate"
	Calibrate      ID = "calibrate"
	Acquire        ID = "acquire"
	Cleanup        ID = "cleanup"
)

// Defaults for optional parameters
const (
	DefaultForceTolerance    = 1.0
	DefaultPositionTolerance = 2
	DefaultMaxSteps          = 1000
)

// Builtins returns a registry holding every built-in Action
func Builtins() *Registry {
	r := NewRegistry()
	r.MustRegister(ResetMin, resetMin)
	r.MustRegister(ResetMax, resetMax)
	r.MustRegister(SetPos, setPos)
	r.MustRegister(SetLoad, setLoad)
	r.MustRegister(OscillateForce, oscillateForce)
	r.MustRegister(Regulate, regulate)
	r.MustRegister(Calibrate, calibrate)
	r.MustRegister(Acquire, acquire)
	r.MustRegister(Cleanup, cleanup)
	return r
}

var errNoLoadCell = errors.New("action: no load cell configured")

type magnitudeParams struct {
	Magnitude int `param:"magnitude"`
}

func resetMin(ctx context.Context, env *Env, params Params) (Condition, error) {
	return reset(ctx, env, params, ResetMin)
}

func resetMax(ctx context.Context, env *Env, params Params) (Condition, error) {
	return reset(ctx, env, params, ResetMax)
}

func reset(ctx context.Context, env *Env, params Params, id ID) (Condition, error) {
	var p magnitudeParams
	if err := Decode(id, params, &p); err != nil {
		return "", err
	}
	var (
		lvl int
		err error
	)
	if id == ResetMax {
		lvl, err = env.Positioner.ResetMax(ctx, p.Magnitude)
	} else {
		lvl, err = env.Positioner.ResetMin(ctx, p.Magnitude)
	}
	if err != nil {
		return "", err
	}
	env.log().Infow("reset", "action", id, "level", lvl)
	return Stopped, nil
}

type setPosParams struct {
	Position  int `param:"position"`
	Magnitude int `param:"magnitude"`

	// Tolerance, when positive, fails a seek ending further than this from
	// the target
	Tolerance int `param:"tolerance"`
}

func setPos(ctx context.Context, env *Env, params Params) (Condition, error) {
	var p setPosParams
	if err := Decode(SetPos, params, &p, "position"); err != nil {
		return "", err
	}
	pos := env.Positioner
	if p.Magnitude > 0 {
		prev := pos.Magnitude
		pos.Magnitude = hal.ClampOutput(p.Magnitude)
		defer func() { pos.Magnitude = prev }()
	}
	res, err := pos.Seek(ctx, p.Position)
	if err != nil {
		return "", err
	}
	if p.Tolerance > 0 && !res.Within(p.Tolerance) {
		return "", fmt.Errorf("%w: seek to %d ended at %d, outside %d", position.ErrNotConverged, res.Target, res.Final, p.Tolerance)
	}
	env.log().Infow("position set", "target", res.Target, "final", res.Final, "residual", res.Residual, "steps", res.Steps)
	return Done, nil
}

type loadParams struct {
	lawParams `param:",squash"`
	MinForce  float64 `param:"min_force"`
	Tolerance float64 `param:"tolerance"`
	MaxSteps  int     `param:"max_steps"`
}

func (p *loadParams) defaults() {
	if p.Tolerance <= 0 {
		p.Tolerance = DefaultForceTolerance
	}
	if p.MaxSteps == 0 {
		p.MaxSteps = DefaultMaxSteps
	}
}

func setLoad(ctx context.Context, env *Env, params Params) (Condition, error) {
	var p loadParams
	if err := Decode(SetLoad, params, &p, "min_force"); err != nil {
		return "", err
	}
	p.defaults()
	law, err := p.law(SetLoad, position.DefaultForceLaw)
	if err != nil {
		return "", err
	}
	if env.LoadCell == nil {
		return "", errNoLoadCell
	}
	lvl, err := env.Positioner.SetLoad(ctx, env.LoadCell, law, p.MinForce, p.Tolerance, p.MaxSteps)
	if err != nil {
		return "", err
	}
	env.log().Infow("load set", "force", p.MinForce, "level", lvl)
	return Done, nil
}

type oscillateParams struct {
	loadParams   `param:",squash"`
	Displacement int     `param:"displacement"`
	Timeout      float64 `param:"timeout"`
	Repetitions  float64 `param:"repetitions"`
	Speed        int     `param:"speed"`
	ResetClosest bool    `param:"reset_closest"`
}

func oscillateForce(ctx context.Context, env *Env, params Params) (Condition, error) {
	p := oscillateParams{Timeout: math.Inf(1), Repetitions: math.Inf(1)}
	if err := Decode(OscillateForce, params, &p, "min_force", "displacement"); err != nil {
		return "", err
	}
	p.defaults()
	law, err := p.law(OscillateForce, position.DefaultForceLaw)
	if err != nil {
		return "", err
	}
	if env.LoadCell == nil {
		return "", errNoLoadCell
	}
	res, err := env.Positioner.Oscillate(ctx, env.LoadCell, position.OscillateParams{
		MinForce:     p.MinForce,
		Displacement: p.Displacement,
		Timeout:      seconds(p.Timeout),
		Repetitions:  count(p.Repetitions),
		Speed:        p.Speed,
		ResetClosest: p.ResetClosest,
		Law:          law,
		Tolerance:    p.Tolerance,
		MaxSteps:     p.MaxSteps,
	})
	if err != nil {
		return "", err
	}
	env.log().Infow("oscillation finished", "cycles", res.Cycles, "high_pos", res.HighPos, "reason", res.Reason, "final", res.Final)
	return oscillationCondition(res), nil
}

func oscillationCondition(res position.OscillateResult) Condition {
	end := "stopped"
	if res.Reset {
		end = "reset"
	}
	return Condition(fmt.Sprintf("%s_%s", res.Reason, end))
}

type regulateParams struct {
	lawParams `param:",squash"`
	Position  int `param:"position"`
	Tolerance int `param:"tolerance"`
	MaxSteps  int `param:"max_steps"`
}

func regulate(ctx context.Context, env *Env, params Params) (Condition, error) {
	p := regulateParams{Tolerance: DefaultPositionTolerance, MaxSteps: DefaultMaxSteps}
	if err := Decode(Regulate, params, &p, "position"); err != nil {
		return "", err
	}
	law, err := p.law(Regulate, position.DefaultPositionLaw)
	if err != nil {
		return "", err
	}
	res, err := env.Positioner.Regulate(ctx, law, p.Position, p.Tolerance, p.MaxSteps)
	if err != nil {
		return "", err
	}
	env.log().Infow("regulated", "target", res.Target, "final", res.Final, "steps", res.Steps)
	return Done, nil
}

type calibrateParams struct {
	Outfile   string `param:"outfile"`
	Magnitude int    `param:"magnitude"`
}

func calibrate(ctx context.Context, env *Env, params Params) (Condition, error) {
	var p calibrateParams
	if err := Decode(Calibrate, params, &p); err != nil {
		return "", err
	}
	if env.Operator == nil {
		return "", errors.New("action: calibration needs an operator")
	}
	res, err := env.Positioner.Calibrate(ctx, env.Operator, p.Magnitude)
	if err != nil {
		return "", err
	}
	if !res.Confirmed {
		env.log().Infow("calibration rejected", "thresholds", res.Thresholds.String())
		return Rejected, nil
	}
	if env.Persist != nil {
		if err := env.Persist(res.Thresholds, p.Outfile); err != nil {
			return "", fmt.Errorf("saving calibration: %w", err)
		}
	}
	env.log().Infow("calibration confirmed", "thresholds", res.Thresholds.String(), "outfile", p.Outfile)
	return Confirmed, nil
}

type acquireParams struct {
	Timeout   float64 `param:"timeout"`
	Outfile   string  `param:"outfile"`
	Magnitude int     `param:"magnitude"`
}

// DefaultOutfile names the acquisition file of a run
func DefaultOutfile(runID string) string {
	return "acquire-" + runID + ".csv"
}

func acquire(ctx context.Context, env *Env, params Params) (cond Condition, err error) {
	var p acquireParams
	if err := Decode(Acquire, params, &p); err != nil {
		return "", err
	}
	dur := seconds(p.Timeout)
	if dur == 0 {
		dur = env.Timeout
	}
	if dur <= 0 {
		return "", &ParameterError{Action: Acquire, Key: "timeout", Err: errors.New("acquisition needs a finite timeout")}
	}
	out := p.Outfile
	if out == "" {
		out = env.Outfile
	}
	if out == "" {
		out = DefaultOutfile(env.RunID)
	}
	w, err := datalog.Create(out, datalog.Meta{RunID: env.RunID, Units: env.Units})
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			cond, err = "", cerr
		}
	}()
	var start time.Time
	sink := func(smp hal.Sample, _ hal.Direction) error {
		if start.IsZero() {
			start = smp.Time
		}
		return w.Write(datalog.Record{
			Elapsed:  smp.Time.Sub(start).Seconds(),
			Level:    smp.Level,
			Position: env.Units.Convert(smp.Level),
		})
	}
	n, err := env.Positioner.Monitor(ctx, dur, p.Magnitude, sink)
	if err != nil {
		return "", err
	}
	env.log().Infow("acquisition finished", "samples", n, "outfile", out)
	return Done, nil
}

// cleanup always succeeds; failures to stop are logged
func cleanup(ctx context.Context, env *Env, params Params) (Condition, error) {
	if env.HAL != nil {
		if err := env.HAL.StopAll(); err != nil {
			env.log().Errorw("cleanup", "err", err)
		}
	}
	return Done, nil
}
