/*Package control contains a small, closed family of feedback controllers.

A Controller is a pure function of (reference, measurement, time) with a short
memory.  It reads the measurement through an InputFunc and hands the command
to an OutputFunc; it never touches hardware itself and never clamps its
output.  Saturation is the job of the OutputFunc.

Usage looks like:

	in := func() (float64, error) { return float64(level), nil }
	out := func(cmd float64) error { return drive(cmd) }
	ctl, err := control.New(control.KindPD, control.Gains{Kp: 0.5, Kd: 0.1}, in, out)
	if err != nil {
		return err
	}
	ctl.Ref = 1200
	for !done {
		ctl.Process(seconds())
	}

The integral law of the PI and PID variants accumulates error * t, where t is
the timestamp given to Process, not the interval since the last call.  The
controllers used on the rig have always been tuned against that law, so it is
kept as-is.
*/
package control

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultHistoryLen is the number of samples kept when no other length is given
const DefaultHistoryLen = 20

var (
	// ErrNoController is returned by ParseKind for the "no adaptive control" choice
	ErrNoController = errors.New("control: no controller selected")

	// ErrUnknownKind is returned when a controller kind is not understood
	ErrUnknownKind = errors.New("control: unknown controller kind")
)

// Kind selects the control law
type Kind int

const (
	// KindNone means no adaptive control; it cannot be used to build a Controller
	KindNone Kind = iota + 1

	// KindP is proportional control
	KindP

	// KindPD is proportional-derivative control
	KindPD

	// KindPI is proportional-integral control
	KindPI

	// KindPID is proportional-integral-derivative control
	KindPID
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindP:
		return "p"
	case KindPD:
		return "pd"
	case KindPI:
		return "pi"
	case KindPID:
		return "pid"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind converts a name (p, pd, pi, pid) or the numeric menu code used by
// the calibration prompt (2, 3, 4, 5) into a Kind.  "none" and "1" return
// KindNone along with ErrNoController.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "1", "":
		return KindNone, ErrNoController
	case "p", "2":
		return KindP, nil
	case "pd", "3":
		return KindPD, nil
	case "pi", "4":
		return KindPI, nil
	case "pid", "5":
		return KindPID, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Gains holds the tuning constants.  Gains not used by a Kind are ignored.
type Gains struct {
	Kp, Ki, Kd float64
}

// InputFunc reads the process variable
type InputFunc func() (float64, error)

// OutputFunc applies a command
type OutputFunc func(float64) error

// Option configures a Controller
type Option func(*Controller)

// WithHistoryLen sets the capacity of the sample history
func WithHistoryLen(n int) Option {
	return func(c *Controller) {
		c.history = NewHistory(n)
	}
}

// WithReference sets the initial reference
func WithReference(ref float64) Option {
	return func(c *Controller) {
		c.Ref = ref
	}
}

// Controller is one of the P, PD, PI, or PID laws.  Create with New.
type Controller struct {
	// Ref is the reference the controller drives toward.  It may be changed
	// at any time and takes effect on the next call to Process.
	Ref float64

	kind    Kind
	gains   Gains
	err     float64
	out     float64
	acc     float64
	history *History
	input   InputFunc
	output  OutputFunc
}

// New builds a controller of the given kind
func New(kind Kind, g Gains, in InputFunc, out OutputFunc, opts ...Option) (*Controller, error) {
	switch kind {
	case KindP, KindPD, KindPI, KindPID:
	case KindNone:
		return nil, ErrNoController
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}
	if in == nil || out == nil {
		return nil, errors.New("control: input and output functions are required")
	}
	c := &Controller{
		kind:    kind,
		gains:   g,
		history: NewHistory(DefaultHistoryLen),
		input:   in,
		output:  out,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Process turns the crank once at time t.  The measurement is read, the error
// and history are updated, the command is computed and sent to the output.
// The command is returned even if the output function fails.
func (c *Controller) Process(t float64) (float64, error) {
	meas, err := c.input()
	if err != nil {
		return c.out, fmt.Errorf("control: reading input: %w", err)
	}
	c.err = c.Ref - meas
	c.history.Append(Point{Time: t, Error: c.err, Position: meas})
	c.out = c.law(t)
	if err := c.output(c.out); err != nil {
		return c.out, fmt.Errorf("control: applying output: %w", err)
	}
	return c.out, nil
}

func (c *Controller) law(t float64) float64 {
	out := c.err * c.gains.Kp
	if c.kind == KindPI || c.kind == KindPID {
		c.acc += c.err * t
		out += c.acc * c.gains.Ki
	}
	if c.kind == KindPD || c.kind == KindPID {
		out += c.derivative(t)
	}
	return out
}

// derivative is zero until two samples exist, or if they share a timestamp
func (c *Controller) derivative(t float64) float64 {
	prev, ok := c.history.Prev()
	if !ok {
		return 0
	}
	dt := t - prev.Time
	if dt == 0 {
		return 0
	}
	return (c.err - prev.Error) / dt * c.gains.Kd
}

// Kind returns the control law in use
func (c *Controller) Kind() Kind {
	return c.kind
}

// Gains returns the tuning constants
func (c *Controller) Gains() Gains {
	return c.gains
}

// Error returns the error computed on the last call to Process
func (c *Controller) Error() float64 {
	return c.err
}

// Output returns the command computed on the last call to Process
func (c *Controller) Output() float64 {
	return c.out
}

// Accumulator returns the integral accumulator (always zero for P and PD)
func (c *Controller) Accumulator() float64 {
	return c.acc
}

// History returns a copy of the recorded samples, oldest first
func (c *Controller) History() []Point {
	return c.history.Points()
}

// HistoryCap returns the capacity of the sample history
func (c *Controller) HistoryCap() int {
	return c.history.Cap()
}

// Reset clears the error, output, accumulator and history
func (c *Controller) Reset() {
	c.err, c.out, c.acc = 0, 0, 0
	c.history.Reset()
}
