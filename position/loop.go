package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nasa-jpl/ecrig/control"
	"github.com/nasa-jpl/ecrig/hal"
)

// ErrNotConverged is returned when a closed loop runs out of steps
var ErrNotConverged = errors.New("position: loop did not converge")

// ForceReader reads a load cell
type ForceReader interface {
	Force() (float64, error)
}

// Law is a controller choice with its gains
type Law struct {
	Kind  control.Kind
	Gains control.Gains
}

var (
	// DefaultPositionLaw is used by Regulate when no law is given
	DefaultPositionLaw = Law{Kind: control.KindP, Gains: control.Gains{Kp: 0.5}}

	// DefaultForceLaw is used by SetLoad when no law is given
	DefaultForceLaw = Law{Kind: control.KindP, Gains: control.Gains{Kp: 1}}
)

// SampleSink receives every conversion taken during Monitor, with the
// direction of travel when it was taken
type SampleSink func(smp hal.Sample, dir hal.Direction) error

// Monitor runs the actuator at a fixed magnitude for duration, reversing at
// the soft thresholds, and hands every conversion to sink.  It returns the
// number of conversions taken.
func (p *Positioner) Monitor(ctx context.Context, duration time.Duration, magnitude int, sink SampleSink) (int, error) {
	if duration <= 0 {
		return 0, fmt.Errorf("position: monitor duration must be positive, got %v", duration)
	}
	lim := *p.Limits
	s, err := p.open(lim)
	if err != nil {
		return 0, err
	}
	defer s.close()

	lvl, err := p.HAL.ReadLevel()
	if err != nil {
		return 0, err
	}
	dir := hal.Forward
	if lvl >= lim.HighThreshold {
		dir = hal.Backward
	}
	mag := p.magnitude(magnitude)
	if err := s.drive(dir, mag); err != nil {
		return 0, err
	}
	deadline := s.start.Add(duration)
	n := 0
	for time.Now().Before(deadline) {
		smp, err := s.next(ctx)
		if err != nil {
			return n, err
		}
		n++
		if sink != nil {
			if err := sink(smp, s.dir); err != nil {
				return n, err
			}
		}
		switch {
		case smp.Level >= lim.HighThreshold:
			dir = hal.Backward
		case smp.Level < lim.LowThreshold:
			dir = hal.Forward
		}
		if err := s.drive(dir, mag); err != nil {
			return n, err
		}
	}
	return n, nil
}

// output turns a signed controller command into a direction and a saturated
// magnitude
func (s *session) output(cmd float64) error {
	dir := hal.Forward
	if cmd < 0 {
		dir = hal.Backward
	}
	return s.drive(dir, hal.ClampOutput(int(math.Round(math.Abs(cmd)))))
}

func (l Law) orDefault(def Law) Law {
	if l.Kind == 0 || l.Kind == control.KindNone {
		return def
	}
	return l
}

// RegulateResult describes a closed-loop positioning run
type RegulateResult struct {
	Target int
	Final  int
	Steps  int
}

// Regulate drives to target with a feedback controller until the position is
// within tolerance.  maxSteps <= 0 allows unlimited steps.
func (p *Positioner) Regulate(ctx context.Context, law Law, target, tolerance, maxSteps int) (RegulateResult, error) {
	res := RegulateResult{Target: target}
	lim := *p.Limits
	if !lim.Contains(target) {
		return res, fmt.Errorf("%w: %d outside hard limits [%d, %d]", ErrTarget, target, lim.LowMin, lim.HighMax)
	}
	s, err := p.open(lim)
	if err != nil {
		return res, err
	}
	defer s.close()

	law = law.orDefault(DefaultPositionLaw)
	in := func() (float64, error) {
		l, err := p.HAL.ReadLevel()
		return float64(l), err
	}
	ctl, err := control.New(law.Kind, law.Gains, in, s.output, control.WithReference(float64(target)))
	if err != nil {
		return res, err
	}
	for maxSteps <= 0 || res.Steps < maxSteps {
		lvl, err := p.HAL.ReadLevel()
		if err != nil {
			return res, err
		}
		res.Final = lvl
		if abs(lvl-target) <= tolerance {
			return res, nil
		}
		if _, err := ctl.Process(s.elapsed()); err != nil {
			return res, err
		}
		smp, err := s.next(ctx)
		if err != nil {
			return res, err
		}
		res.Steps++
		res.Final = smp.Level
	}
	return res, fmt.Errorf("%w: %d steps, level %d, target %d", ErrNotConverged, res.Steps, res.Final, target)
}

// SetLoad drives until cell reads minForce within tolerance and returns the
// position there.  maxSteps <= 0 allows unlimited steps.
func (p *Positioner) SetLoad(ctx context.Context, cell ForceReader, law Law, minForce, tolerance float64, maxSteps int) (int, error) {
	lim := *p.Limits
	s, err := p.open(lim)
	if err != nil {
		return 0, err
	}
	defer s.close()

	law = law.orDefault(DefaultForceLaw)
	in := func() (float64, error) {
		f, err := cell.Force()
		if err == nil && math.IsNaN(f) {
			err = errors.New("position: load cell returned no reading")
		}
		return f, err
	}
	ctl, err := control.New(law.Kind, law.Gains, in, s.output, control.WithReference(minForce))
	if err != nil {
		return 0, err
	}
	for steps := 0; maxSteps <= 0 || steps < maxSteps; steps++ {
		f, err := in()
		if err != nil {
			return 0, err
		}
		if math.Abs(f-minForce) <= tolerance {
			lvl, err := p.HAL.ReadLevel()
			p.Log.Debugw("load set", "force", f, "level", lvl, "steps", steps)
			return lvl, err
		}
		if _, err := ctl.Process(s.elapsed()); err != nil {
			return 0, err
		}
		if _, err := s.next(ctx); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%w: load %v not reached in %d steps", ErrNotConverged, minForce, maxSteps)
}

// Reason is why an oscillation ended
type Reason string

const (
	// ReasonTimeout means the time budget ran out first
	ReasonTimeout Reason = "timeout"
	// ReasonRepeats means the cycle count was reached
	ReasonRepeats Reason = "repeats"
)

// OscillateParams configure Oscillate
type OscillateParams struct {
	// MinForce is the load defining the top of each cycle
	MinForce float64

	// Displacement is how far below the top each cycle travels
	Displacement int

	// Timeout <= 0 is unbounded
	Timeout time.Duration

	// Repetitions <= 0 is unbounded
	Repetitions int

	// Speed replaces the positioner's Magnitude for the duration; 0 keeps it
	Speed int

	// ResetClosest snaps to the nearest soft threshold at the end
	ResetClosest bool

	Law       Law
	Tolerance float64
	MaxSteps  int
}

// OscillateResult describes a finished oscillation
type OscillateResult struct {
	Cycles  int
	HighPos int
	Reason  Reason
	Reset   bool
	Final   int
}

// Oscillate cycles the load: each cycle sets the load to MinForce, seeks
// Displacement below that position and seeks back.  The budgets are checked
// once per completed cycle; a cycle in progress is never cut short except by
// ctx or a fault.
func (p *Positioner) Oscillate(ctx context.Context, cell ForceReader, op OscillateParams) (OscillateResult, error) {
	var res OscillateResult
	if op.Displacement <= 0 {
		return res, fmt.Errorf("position: displacement must be positive, got %d", op.Displacement)
	}
	if op.Speed > 0 {
		prev := p.Magnitude
		p.Magnitude = hal.ClampOutput(op.Speed)
		defer func() { p.Magnitude = prev }()
	}
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		hp, err := p.SetLoad(ctx, cell, op.Law, op.MinForce, op.Tolerance, op.MaxSteps)
		if err != nil {
			return res, err
		}
		if _, err := p.Seek(ctx, hp-op.Displacement); err != nil {
			return res, err
		}
		if _, err := p.Seek(ctx, hp); err != nil {
			return res, err
		}
		res.Cycles++
		res.HighPos = hp
		p.Log.Debugw("oscillation cycle", "cycle", res.Cycles, "high_pos", hp)
		if op.Repetitions > 0 && res.Cycles >= op.Repetitions {
			res.Reason = ReasonRepeats
			break
		}
		if op.Timeout > 0 && time.Since(start) >= op.Timeout {
			res.Reason = ReasonTimeout
			break
		}
	}
	if op.ResetClosest {
		lvl, err := p.HAL.ReadLevel()
		if err != nil {
			return res, err
		}
		if _, err := p.Seek(ctx, p.Limits.Nearest(lvl)); err != nil {
			return res, err
		}
		res.Reset = true
	}
	lvl, err := p.HAL.ReadLevel()
	res.Final = lvl
	return res, err
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}
