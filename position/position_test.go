package position_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nasa-jpl/ecrig/hal"
	"github.com/nasa-jpl/ecrig/position"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var wide = position.Thresholds{LowMin: 0, LowThreshold: 0, HighThreshold: hal.MaxLevel, HighMax: hal.MaxLevel}

func rig(level int, lim position.Thresholds) (*hal.Mock, *position.Positioner) {
	m := hal.NewMock(level, 0)
	m.StepOnCommand = true
	p := position.New(m, &lim, nil)
	p.SampleTimeout = time.Second
	return m, p
}

func TestSeekConvergesWithinFinalStep(t *testing.T) {
	m, p := rig(0, wide)
	p.Magnitude = 64
	res, err := p.Seek(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FinalStep)
	assert.Equal(t, 99, res.Final)
	assert.Equal(t, 8, res.Steps)
	assert.LessOrEqual(t, abs(res.Final-res.Target), 2*res.FinalStep)
	for _, ev := range m.Events() {
		assert.True(t, ev.Level >= 0 && ev.Level <= hal.MaxLevel)
	}
	assert.Equal(t, 0, m.Output())
	assert.False(t, m.Subscribed(hal.DefaultAlertPin), "sampler must be released")
}

func TestSeekFromAbove(t *testing.T) {
	_, p := rig(20000, wide)
	p.Magnitude = hal.MaxOutput
	res, err := p.Seek(context.Background(), 15000)
	require.NoError(t, err)
	assert.Equal(t, 14998, res.Final)
	assert.LessOrEqual(t, abs(res.Final-15000), 2*res.FinalStep)
}

func TestSeekStopsWhenStepDecays(t *testing.T) {
	m, p := rig(0, wide)
	p.Magnitude = 64
	res, err := p.Seek(context.Background(), 10000)
	require.NoError(t, err, "a decayed step ends the seek wherever it is")
	assert.Equal(t, 127, res.Final)
	assert.Equal(t, res.Final-10000, res.Residual)
	assert.False(t, res.Within(2*res.FinalStep))
	assert.Equal(t, 0, m.Output())
}

func TestSeekAtTargetIsNoop(t *testing.T) {
	m, p := rig(500, wide)
	res, err := p.Seek(context.Background(), 500)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Steps)
	for _, ev := range m.Events() {
		if ev.Kind == hal.EventOutput {
			assert.Equal(t, 0, ev.Value)
		}
	}
}

func TestSeekRejectsOutOfRange(t *testing.T) {
	_, p := rig(500, position.Thresholds{LowMin: 100, LowThreshold: 200, HighThreshold: 300, HighMax: 400})
	_, err := p.Seek(context.Background(), hal.MaxLevel+1)
	assert.ErrorIs(t, err, position.ErrTarget)
	_, err = p.Seek(context.Background(), 50)
	assert.ErrorIs(t, err, position.ErrTarget)
}

// assertStoppedBeforeNextCommand checks that after the first StopAll no
// nonzero output was commanded
func assertStoppedBeforeNextCommand(t *testing.T, m *hal.Mock) {
	t.Helper()
	evs := m.Events()
	stop := -1
	for i, ev := range evs {
		if ev.Kind == hal.EventStop {
			stop = i
			break
		}
	}
	require.GreaterOrEqual(t, stop, 0, "StopAll was not called")
	for _, ev := range evs[stop:] {
		if ev.Kind == hal.EventOutput {
			assert.Equal(t, 0, ev.Value, "output commanded after a limit violation")
		}
	}
}

func TestSeekHardLimitStopsBeforeNextCommand(t *testing.T) {
	m, p := rig(0, position.Thresholds{LowMin: 0, LowThreshold: 0, HighThreshold: 120, HighMax: 120})
	p.Magnitude = 128
	_, err := p.Seek(context.Background(), 100)
	var sle *position.SafetyLimitExceeded
	require.True(t, errors.As(err, &sle))
	assert.ErrorIs(t, err, position.ErrSafetyLimit)
	assert.Equal(t, 120, sle.Limit)
	assert.Equal(t, 128, sle.Level)
	assert.Equal(t, 1, m.Stops())
	assertStoppedBeforeNextCommand(t, m)
}

func TestMonitorHardLimitStopsBeforeNextCommand(t *testing.T) {
	m, p := rig(900, position.Thresholds{LowMin: 0, LowThreshold: 0, HighThreshold: 1000, HighMax: 1000})
	_, err := p.Monitor(context.Background(), time.Minute, 100, nil)
	assert.ErrorIs(t, err, position.ErrSafetyLimit)
	assertStoppedBeforeNextCommand(t, m)
}

func TestOutsideHardLimitStopsWhileTravellingAway(t *testing.T) {
	lim := position.Thresholds{LowMin: 0, LowThreshold: 0, HighThreshold: 1000, HighMax: 1000}
	m, p := rig(1500, lim)
	_, err := p.Monitor(context.Background(), time.Minute, 50, nil)
	var sle *position.SafetyLimitExceeded
	require.True(t, errors.As(err, &sle))
	assert.Equal(t, 1000, sle.Limit)
	assert.Equal(t, hal.Backward, sle.Direction)
	assert.Equal(t, 1450, sle.Level)
	assertStoppedBeforeNextCommand(t, m)

	m, p = rig(1500, lim)
	p.Magnitude = 50
	_, err = p.Seek(context.Background(), 900)
	assert.ErrorIs(t, err, position.ErrSafetyLimit)
	assertStoppedBeforeNextCommand(t, m)

	m, p = rig(20, position.Thresholds{LowMin: 100, LowThreshold: 200, HighThreshold: 800, HighMax: 900})
	_, err = p.Monitor(context.Background(), time.Minute, 50, nil)
	require.True(t, errors.As(err, &sle))
	assert.Equal(t, 100, sle.Limit)
	assert.Equal(t, hal.Forward, sle.Direction)
	assertStoppedBeforeNextCommand(t, m)
}

func TestRegulateHardLimitStopsBeforeNextCommand(t *testing.T) {
	m, p := rig(500, position.Thresholds{LowMin: 0, LowThreshold: 0, HighThreshold: 1000, HighMax: 1000})
	law := position.Law{Kind: position.DefaultPositionLaw.Kind}
	law.Gains.Kp = 10 // overshoots on the first step
	_, err := p.Regulate(context.Background(), law, 990, 1, 50)
	assert.ErrorIs(t, err, position.ErrSafetyLimit)
	assertStoppedBeforeNextCommand(t, m)
}

func TestResetToExtremes(t *testing.T) {
	m, p := rig(3000, position.Thresholds{LowMin: 200, LowThreshold: 1000, HighThreshold: 4000, HighMax: 5000})
	lvl, err := p.ResetMax(context.Background(), 1024)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, lvl, 5000)
	assert.Equal(t, 0, m.Output())

	lvl, err = p.ResetMin(context.Background(), 1024)
	require.NoError(t, err)
	assert.LessOrEqual(t, lvl, 200)

	before := len(m.Events())
	again, err := p.ResetMin(context.Background(), 1024)
	require.NoError(t, err)
	assert.Equal(t, lvl, again, "already at the limit, no motion")
	for _, ev := range m.Events()[before:] {
		if ev.Kind == hal.EventOutput {
			assert.Equal(t, 0, ev.Value)
		}
	}
}

func TestMonitorReversesAtSoftThresholds(t *testing.T) {
	_, p := rig(150, position.Thresholds{LowMin: 0, LowThreshold: 100, HighThreshold: 200, HighMax: 1000})
	errEnough := errors.New("enough")
	var levels []int
	flips := 0
	last := hal.Forward
	n, err := p.Monitor(context.Background(), time.Minute, 30, func(smp hal.Sample, dir hal.Direction) error {
		levels = append(levels, smp.Level)
		if dir != last {
			flips++
			last = dir
		}
		if len(levels) == 40 {
			return errEnough
		}
		return nil
	})
	assert.ErrorIs(t, err, errEnough)
	assert.Equal(t, 40, n)
	assert.GreaterOrEqual(t, flips, 2)
	for _, l := range levels {
		assert.True(t, l >= 70 && l <= 230, "level %d strayed past the soft band", l)
	}
}

func TestMonitorEndsAtDuration(t *testing.T) {
	m, p := rig(150, position.Thresholds{LowMin: 0, LowThreshold: 100, HighThreshold: 200, HighMax: 1000})
	n, err := p.Monitor(context.Background(), 10*time.Millisecond, 5, nil)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
	assert.Equal(t, 0, m.Output())
}

func TestRegulate(t *testing.T) {
	_, p := rig(0, wide)
	res, err := p.Regulate(context.Background(), position.Law{}, 1000, 2, 100)
	require.NoError(t, err)
	assert.LessOrEqual(t, abs(res.Final-1000), 2)
}

func TestRegulateGivesUp(t *testing.T) {
	_, p := rig(0, wide)
	_, err := p.Regulate(context.Background(), position.Law{}, 30000, 0, 2)
	assert.ErrorIs(t, err, position.ErrNotConverged)
}

func TestSetLoad(t *testing.T) {
	m, p := rig(900, wide)
	spring := &hal.MockSpring{Rig: m, Contact: 1000, Stiffness: 1}
	hp, err := p.SetLoad(context.Background(), spring, position.Law{}, 50, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 1050, hp)
}

func TestOscillateRepeatsStopped(t *testing.T) {
	m, p := rig(900, position.Thresholds{LowMin: 0, LowThreshold: 100, HighThreshold: 30000, HighMax: 32000})
	spring := &hal.MockSpring{Rig: m, Contact: 1000, Stiffness: 1}
	res, err := p.Oscillate(context.Background(), spring, position.OscillateParams{
		MinForce:     50,
		Displacement: 200,
		Repetitions:  3,
		Speed:        128,
		Tolerance:    1,
		MaxSteps:     100,
	})
	require.NoError(t, err)
	assert.Equal(t, position.ReasonRepeats, res.Reason)
	assert.Equal(t, 3, res.Cycles)
	assert.False(t, res.Reset)
	assert.InDelta(t, res.HighPos, res.Final, 2)
	assert.Equal(t, position.DefaultMagnitude, p.Magnitude, "speed must be restored")
}

func TestOscillateTimeoutReset(t *testing.T) {
	m, p := rig(900, position.Thresholds{LowMin: 0, LowThreshold: 100, HighThreshold: 30000, HighMax: 32000})
	spring := &hal.MockSpring{Rig: m, Contact: 1000, Stiffness: 1}
	res, err := p.Oscillate(context.Background(), spring, position.OscillateParams{
		MinForce:     50,
		Displacement: 200,
		Timeout:      time.Nanosecond,
		Repetitions:  100,
		Speed:        1024,
		ResetClosest: true,
		Tolerance:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, position.ReasonTimeout, res.Reason)
	assert.Equal(t, 1, res.Cycles)
	assert.True(t, res.Reset)
	assert.InDelta(t, 100, res.Final, 2)
}

func TestOscillateRejectsDisplacement(t *testing.T) {
	m, p := rig(900, wide)
	_, err := p.Oscillate(context.Background(), &hal.MockSpring{Rig: m}, position.OscillateParams{MinForce: 1})
	assert.Error(t, err)
}

type mockOperator struct {
	mock.Mock
}

func (o *mockOperator) Await(ctx context.Context, prompt string) error {
	return o.Called(ctx, prompt).Error(0)
}

func (o *mockOperator) Confirm(ctx context.Context, prompt string) (bool, error) {
	args := o.Called(ctx, prompt)
	return args.Bool(0), args.Error(1)
}

// operatorAt moves the rig to the given level whenever a mark prompt for the
// named boundary is shown
func operatorAt(m *hal.Mock, marks map[string]int, confirm bool) *mockOperator {
	op := new(mockOperator)
	op.On("Await", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		prompt := args.String(1)
		for label, lvl := range marks {
			if strings.Contains(prompt, "mark "+label) {
				m.SetLevel(lvl)
			}
		}
	}).Return(nil)
	op.On("Confirm", mock.Anything, mock.Anything).Return(confirm, nil)
	return op
}

var marks = map[string]int{
	"absolute upper": 9000,
	"absolute lower": 1000,
	"desired upper":  8000,
	"desired lower":  2000,
}

func TestCalibrateConfirmed(t *testing.T) {
	m, p := rig(5000, wide)
	op := operatorAt(m, marks, true)
	res, err := p.Calibrate(context.Background(), op, 1000)
	require.NoError(t, err)
	want := position.Thresholds{LowMin: 1000, LowThreshold: 2000, HighThreshold: 8000, HighMax: 9000}
	assert.True(t, res.Confirmed)
	assert.Equal(t, want, res.Thresholds)
	assert.Equal(t, want, *p.Limits, "confirmed thresholds replace the shared limits")
	op.AssertNumberOfCalls(t, "Await", 8)
	op.AssertNumberOfCalls(t, "Confirm", 1)
	assert.Equal(t, 0, m.Output())
}

func TestCalibrateRejected(t *testing.T) {
	m, p := rig(5000, wide)
	op := operatorAt(m, marks, false)
	res, err := p.Calibrate(context.Background(), op, 1000)
	require.NoError(t, err)
	assert.False(t, res.Confirmed)
	assert.Equal(t, wide, *p.Limits)
}

func TestCalibrateRejectsDisorderedCapture(t *testing.T) {
	m, p := rig(5000, wide)
	op := operatorAt(m, map[string]int{
		"absolute upper": 3000,
		"absolute lower": 4000,
		"desired upper":  3500,
		"desired lower":  3600,
	}, true)
	_, err := p.Calibrate(context.Background(), op, 1000)
	assert.ErrorIs(t, err, position.ErrThresholdOrder)
	op.AssertNotCalled(t, "Confirm", mock.Anything, mock.Anything)
	assert.Equal(t, wide, *p.Limits)
}

func TestVerifyTripsEveryBoundary(t *testing.T) {
	m, p := rig(2000, wide)
	th := position.Thresholds{LowMin: 1000, LowThreshold: 2000, HighThreshold: 8000, HighMax: 9000}
	require.NoError(t, p.Verify(context.Background(), th, 1000))
	assert.Equal(t, 2, m.Stops(), "each absolute boundary stops the rig")
	lvl, _ := m.ReadLevel()
	assert.Equal(t, 2000, lvl)
}

func TestThresholds(t *testing.T) {
	th := position.Thresholds{LowMin: 10, LowThreshold: 20, HighThreshold: 80, HighMax: 90}
	require.NoError(t, th.Validate())
	assert.Equal(t, 20, th.Nearest(30))
	assert.Equal(t, 80, th.Nearest(79))
	assert.Equal(t, 20, th.Nearest(50))
	assert.True(t, th.HardViolation(90, hal.Forward))
	assert.False(t, th.HardViolation(95, hal.Backward), "only the limit ahead counts")
	assert.True(t, th.HardViolation(10, hal.Backward))
	assert.False(t, th.HardViolation(10, hal.Forward))
	assert.True(t, th.Contains(10))
	assert.False(t, th.Contains(91))

	bad := position.Thresholds{LowMin: 10, LowThreshold: 5, HighThreshold: 80, HighMax: 90}
	assert.ErrorIs(t, bad.Validate(), position.ErrThresholdOrder)
	assert.ErrorIs(t, position.Thresholds{HighMax: hal.MaxLevel + 1}.Validate(), position.ErrThresholdOrder)
}

func TestTerminalOperator(t *testing.T) {
	var out bytes.Buffer
	op := &position.TerminalOperator{In: strings.NewReader("\nmaybe\ny\n"), Out: &out}
	ctx := context.Background()
	require.NoError(t, op.Await(ctx, "press enter"))
	ok, err := op.Confirm(ctx, "really")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "press enter")
	assert.Equal(t, 2, strings.Count(out.String(), "really (y/n)"))
	assert.Error(t, op.Await(ctx, "gone"), "EOF")
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}
