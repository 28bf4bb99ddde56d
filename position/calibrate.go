package position

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/ecrig/hal"
)

// DefaultVerifySteps bounds the conversions spent on each verification leg
const DefaultVerifySteps = 100000

// ErrVerify is returned when a boundary does not trip during verification
var ErrVerify = errors.New("position: boundary did not trip")

// Operator is the person at the rig during calibration
type Operator interface {
	// Await shows prompt and blocks until the operator acknowledges
	Await(ctx context.Context, prompt string) error

	// Confirm asks a yes/no question
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// CalibrationResult holds captured thresholds and the operator's verdict
type CalibrationResult struct {
	Thresholds Thresholds
	Confirmed  bool
}

type capture struct {
	label string
	dir   hal.Direction
	dst   *int
}

// Calibrate walks the operator through four captures: absolute high, absolute
// low, desired high, desired low.  For each the actuator is started toward the
// extreme and the level is sampled when the operator confirms.  The captured
// set is validated and verified, and if the operator then accepts it, it
// replaces the positioner's Limits.
func (p *Positioner) Calibrate(ctx context.Context, op Operator, magnitude int) (CalibrationResult, error) {
	var res CalibrationResult
	th := &res.Thresholds
	caps := []capture{
		{"absolute upper threshold", hal.Forward, &th.HighMax},
		{"absolute lower threshold", hal.Backward, &th.LowMin},
		{"desired upper threshold", hal.Forward, &th.HighThreshold},
		{"desired lower threshold", hal.Backward, &th.LowThreshold},
	}
	mag := p.magnitude(magnitude)
	for _, c := range caps {
		lvl, err := p.capture(ctx, op, c, mag)
		if err != nil {
			return res, err
		}
		*c.dst = lvl
		p.Log.Infow("captured", "boundary", c.label, "level", lvl)
	}
	if err := th.Validate(); err != nil {
		return res, err
	}
	if err := p.Verify(ctx, *th, mag); err != nil {
		return res, err
	}
	ok, err := op.Confirm(ctx, fmt.Sprintf("confirm settings %s?", th))
	if err != nil {
		return res, err
	}
	res.Confirmed = ok
	if ok {
		*p.Limits = *th
	}
	return res, nil
}

func (p *Positioner) capture(ctx context.Context, op Operator, c capture, mag int) (lvl int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() {
		if zerr := p.HAL.SetOutput(0); zerr != nil && err == nil {
			err = zerr
		}
	}()
	if err := p.HAL.SetOutput(0); err != nil {
		return 0, err
	}
	if err := p.HAL.SetDirection(c.dir); err != nil {
		return 0, err
	}
	if err := op.Await(ctx, "Setting "+c.label+". Hit enter to begin."); err != nil {
		return 0, err
	}
	if err := p.HAL.SetOutput(mag); err != nil {
		return 0, err
	}
	if err := op.Await(ctx, "Hit enter to mark "+c.label+"."); err != nil {
		return 0, err
	}
	return p.HAL.ReadLevel()
}

// Verify drives to each boundary of th in turn and checks it trips in the
// expected direction: forward to the absolute high, backward to the absolute
// low, forward to the desired high, backward to the desired low.
func (p *Positioner) Verify(ctx context.Context, th Thresholds, magnitude int) error {
	legs := []struct {
		label string
		dir   hal.Direction
		bound int
		hard  bool
	}{
		{"absolute max", hal.Forward, th.HighMax, true},
		{"absolute min", hal.Backward, th.LowMin, true},
		{"designated max", hal.Forward, th.HighThreshold, false},
		{"designated min", hal.Backward, th.LowThreshold, false},
	}
	mag := p.magnitude(magnitude)
	for _, l := range legs {
		lvl, err := p.trip(ctx, th, l.dir, l.bound, l.hard, mag)
		if err != nil {
			return fmt.Errorf("verifying %s: %w", l.label, err)
		}
		p.Log.Infow("hit limit", "boundary", l.label, "level", lvl)
	}
	return nil
}

func tripped(dir hal.Direction, level, bound int) bool {
	if dir == hal.Forward {
		return level >= bound
	}
	return level <= bound
}

func (p *Positioner) trip(ctx context.Context, th Thresholds, dir hal.Direction, bound int, hard bool, mag int) (int, error) {
	s, err := p.open(th)
	if err != nil {
		return 0, err
	}
	defer s.close()

	lvl, err := p.HAL.ReadLevel()
	if err != nil {
		return lvl, err
	}
	if tripped(dir, lvl, bound) {
		return lvl, nil
	}
	if err := s.drive(dir, mag); err != nil {
		return lvl, err
	}
	for i := 0; i < DefaultVerifySteps; i++ {
		smp, err := s.wait(ctx)
		if err != nil {
			return lvl, err
		}
		lvl = smp.Level
		if tripped(dir, lvl, bound) {
			if hard {
				return lvl, p.HAL.StopAll()
			}
			return lvl, nil
		}
		// a soft leg must never run into a hard limit; it may start just
		// past the one the previous leg stopped on
		if err := s.guardTravel(lvl); err != nil {
			return lvl, err
		}
		if err := s.refresh(); err != nil {
			return lvl, err
		}
	}
	return lvl, fmt.Errorf("%w: %d travelling %s, last level %d", ErrVerify, bound, dir, lvl)
}

// TerminalOperator talks to the operator over a terminal.  A spinner runs
// while the rig moves and the program waits for enter.
type TerminalOperator struct {
	In  io.Reader
	Out io.Writer

	// Spin enables the spinner; turn it off when Out is not a terminal
	Spin bool

	scan    *bufio.Scanner
	pending chan lineResult
}

type lineResult struct {
	s   string
	err error
}

// line reads one line.  A read abandoned by ctx stays pending and is picked
// up by the next call.
func (t *TerminalOperator) line(ctx context.Context) (string, error) {
	if t.scan == nil {
		t.scan = bufio.NewScanner(t.In)
	}
	if t.pending == nil {
		ch := make(chan lineResult, 1)
		go func() {
			if t.scan.Scan() {
				ch <- lineResult{s: t.scan.Text()}
				return
			}
			err := t.scan.Err()
			if err == nil {
				err = io.EOF
			}
			ch <- lineResult{err: err}
		}()
		t.pending = ch
	}
	select {
	case r := <-t.pending:
		t.pending = nil
		return r.s, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Await prints prompt and waits for a line
func (t *TerminalOperator) Await(ctx context.Context, prompt string) error {
	if !t.Spin {
		fmt.Fprintln(t.Out, prompt)
		_, err := t.line(ctx)
		return err
	}
	spin, err := yacspin.New(yacspin.Config{
		Writer:        t.Out,
		Frequency:     100 * time.Millisecond,
		CharSet:       yacspin.CharSets[14],
		Suffix:        " ",
		Message:       prompt,
		StopCharacter: "✓",
		StopMessage:   prompt,
	})
	if err != nil {
		return err
	}
	if err := spin.Start(); err != nil {
		return err
	}
	_, err = t.line(ctx)
	if err != nil {
		spin.StopFail()
		return err
	}
	return spin.Stop()
}

// Confirm asks until the answer is y or n
func (t *TerminalOperator) Confirm(ctx context.Context, prompt string) (bool, error) {
	for {
		fmt.Fprintf(t.Out, "%s (y/n): ", prompt)
		s, err := t.line(ctx)
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
	}
}
