package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nasa-jpl/ecrig/hal"
)

const (
	// DefaultMagnitude is the command used for open-loop motion and as the
	// first step of a seek
	DefaultMagnitude = 1024

	// DefaultSampleTimeout is how long a session waits for one conversion
	DefaultSampleTimeout = 2 * time.Second
)

// Positioner moves the actuator.  It owns the HAL while an operation runs;
// operations are serialized by an internal lock.
type Positioner struct {
	HAL hal.Interface

	// Limits is shared with the rest of the procedure; calibration replaces
	// its contents
	Limits *Thresholds

	AlertPin      int
	Magnitude     int
	SampleTimeout time.Duration

	// Depth is the sampler buffer depth
	Depth int

	Log *zap.SugaredLogger

	mu sync.Mutex
}

// New returns a Positioner with default magnitude, alert pin and timeout
func New(h hal.Interface, limits *Thresholds, log *zap.SugaredLogger) *Positioner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Positioner{
		HAL:           h,
		Limits:        limits,
		AlertPin:      hal.DefaultAlertPin,
		Magnitude:     DefaultMagnitude,
		SampleTimeout: DefaultSampleTimeout,
		Depth:         hal.DefaultDepth,
		Log:           log,
	}
}

func (p *Positioner) magnitude(m int) int {
	if m <= 0 {
		m = p.Magnitude
	}
	if m <= 0 {
		m = DefaultMagnitude
	}
	return hal.ClampOutput(m)
}

// session owns the actuator and the sampler for one operation
type session struct {
	p       *Positioner
	lim     Thresholds
	sampler *hal.Sampler
	dir     hal.Direction
	dirSet  bool
	out     int
	start   time.Time
}

// open locks the positioner and starts sampling.  The returned session must
// be closed on every path.
func (p *Positioner) open(lim Thresholds) (*session, error) {
	p.mu.Lock()
	s := hal.NewSampler(p.HAL, p.AlertPin, p.Depth, p.Log)
	if err := s.Start(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	return &session{p: p, lim: lim, sampler: s, start: time.Now()}, nil
}

// close zeroes the output and stops sampling
func (s *session) close() {
	if err := s.p.HAL.SetOutput(0); err != nil {
		s.p.Log.Errorw("zeroing output", "err", err)
	}
	if err := s.sampler.Stop(); err != nil {
		s.p.Log.Errorw("stopping sampler", "err", err)
	}
	s.p.mu.Unlock()
}

// drive sets the direction if it changed and applies the magnitude
func (s *session) drive(dir hal.Direction, mag int) error {
	if !s.dirSet || dir != s.dir {
		if err := s.p.HAL.SetDirection(dir); err != nil {
			return fmt.Errorf("position: setting direction: %w", err)
		}
		s.dir, s.dirSet = dir, true
	}
	s.out = mag
	if err := s.p.HAL.SetOutput(mag); err != nil {
		return fmt.Errorf("position: setting output: %w", err)
	}
	return nil
}

// refresh reapplies the current command
func (s *session) refresh() error {
	return s.drive(s.dir, s.out)
}

// wait blocks for the next conversion
func (s *session) wait(ctx context.Context) (hal.Sample, error) {
	return s.sampler.Next(ctx, s.p.SampleTimeout)
}

// next blocks for the next conversion and enforces the hard limits
func (s *session) next(ctx context.Context) (hal.Sample, error) {
	smp, err := s.wait(ctx)
	if err != nil {
		return smp, err
	}
	return smp, s.guard(smp.Level)
}

// guard stops everything if level is outside the hard limits, or at one
// while travelling into it
func (s *session) guard(level int) error {
	if limit, ok := s.violation(level, true); ok {
		return s.halt(level, limit)
	}
	return nil
}

// guardTravel only checks the limit ahead; a reading past the limit behind
// is left alone so the rig can travel back inside
func (s *session) guardTravel(level int) error {
	if limit, ok := s.violation(level, false); ok {
		return s.halt(level, limit)
	}
	return nil
}

func (s *session) violation(level int, outside bool) (int, bool) {
	switch {
	case outside && level > s.lim.HighMax:
		return s.lim.HighMax, true
	case outside && level < s.lim.LowMin:
		return s.lim.LowMin, true
	case s.dirSet && s.lim.HardViolation(level, s.dir):
		if s.dir == hal.Backward {
			return s.lim.LowMin, true
		}
		return s.lim.HighMax, true
	}
	return 0, false
}

func (s *session) halt(level, limit int) error {
	if err := s.p.HAL.StopAll(); err != nil {
		s.p.Log.Errorw("stopping after limit violation", "err", err)
	}
	s.p.Log.Errorw("hard limit reached", "level", level, "limit", limit, "dir", s.dir)
	return &SafetyLimitExceeded{Level: level, Limit: limit, Direction: s.dir}
}

func (s *session) elapsed() float64 {
	return time.Since(s.start).Seconds()
}

// Level reads the current position
func (p *Positioner) Level() (int, error) {
	return p.HAL.ReadLevel()
}

// SeekResult describes a completed seek
type SeekResult struct {
	Target int
	Start  int
	Final  int

	// Steps is the number of conversions consumed
	Steps int

	// FinalStep is the last nonzero magnitude commanded.  When the first
	// step is large enough to reach the target, the seek ends within
	// 2*FinalStep of it.
	FinalStep int

	// Residual is Final - Target
	Residual int
}

// Within reports if the seek ended within tol counts of the target
func (r SeekResult) Within(tol int) bool {
	return abs(r.Residual) <= tol
}

// Seek drives to target by successive approximation.  The first command is
// the positioner's Magnitude; after every conversion the magnitude is halved
// and the direction reversed if the target was crossed.  The seek converges
// when a conversion arrives with the magnitude already at zero, wherever
// that leaves it; callers judge the residual.
func (p *Positioner) Seek(ctx context.Context, target int) (SeekResult, error) {
	res := SeekResult{Target: target}
	if target < 0 || target > hal.MaxLevel {
		return res, fmt.Errorf("%w: %d not in [0, %d]", ErrTarget, target, hal.MaxLevel)
	}
	lim := *p.Limits
	if !lim.Contains(target) {
		return res, fmt.Errorf("%w: %d outside hard limits [%d, %d]", ErrTarget, target, lim.LowMin, lim.HighMax)
	}

	s, err := p.open(lim)
	if err != nil {
		return res, err
	}
	defer s.close()

	lvl, err := p.HAL.ReadLevel()
	if err != nil {
		return res, err
	}
	res.Start, res.Final, res.Residual = lvl, lvl, lvl-target
	if lvl == target {
		return res, nil
	}
	dir := hal.Forward
	if lvl >= target {
		dir = hal.Backward
	}
	mag := p.magnitude(0)
	if err := s.drive(dir, mag); err != nil {
		return res, err
	}
	for {
		smp, err := s.next(ctx)
		if err != nil {
			return res, err
		}
		res.Steps++
		res.Final = smp.Level
		res.Residual = res.Final - target
		if mag == 0 {
			p.Log.Debugw("seek converged", "target", target, "final", smp.Level, "residual", res.Residual, "steps", res.Steps)
			return res, nil
		}
		res.FinalStep = mag
		if crossed(dir, smp.Level, target) {
			dir = dir.Reverse()
		}
		mag >>= 1
		if err := s.drive(dir, mag); err != nil {
			return res, err
		}
	}
}

func crossed(dir hal.Direction, level, target int) bool {
	if dir == hal.Forward {
		return level >= target
	}
	return level < target
}

// ResetMax drives forward open-loop until the upper hard limit and returns the
// level there.  magnitude <= 0 uses the positioner's Magnitude.
func (p *Positioner) ResetMax(ctx context.Context, magnitude int) (int, error) {
	return p.reset(ctx, hal.Forward, magnitude)
}

// ResetMin drives backward open-loop until the lower hard limit
func (p *Positioner) ResetMin(ctx context.Context, magnitude int) (int, error) {
	return p.reset(ctx, hal.Backward, magnitude)
}

func (p *Positioner) reset(ctx context.Context, dir hal.Direction, magnitude int) (int, error) {
	lim := *p.Limits
	s, err := p.open(lim)
	if err != nil {
		return 0, err
	}
	defer s.close()

	lvl, err := p.HAL.ReadLevel()
	if err != nil {
		return lvl, err
	}
	if lim.HardViolation(lvl, dir) {
		return lvl, nil
	}
	if err := s.drive(dir, p.magnitude(magnitude)); err != nil {
		return lvl, err
	}
	for {
		smp, err := s.wait(ctx)
		if err != nil {
			return lvl, err
		}
		lvl = smp.Level
		if lim.HardViolation(lvl, dir) {
			// reaching the limit is the goal here, not a fault
			if err := p.HAL.StopAll(); err != nil {
				return lvl, err
			}
			p.Log.Infow("reset reached limit", "dir", dir, "level", lvl)
			return lvl, nil
		}
		if err := s.refresh(); err != nil {
			return lvl, err
		}
	}
}
