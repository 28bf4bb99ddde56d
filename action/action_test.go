package action_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nasa-jpl/ecrig/action"
	"github.com/nasa-jpl/ecrig/hal"
	"github.com/nasa-jpl/ecrig/position"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scripted returns an Action which yields conds in order
func scripted(conds ...action.Condition) action.Func {
	i := 0
	return func(context.Context, *action.Env, action.Params) (action.Condition, error) {
		c := conds[i%len(conds)]
		i++
		return c, nil
	}
}

func testEnv(level int) (*action.Env, *hal.Mock) {
	m := hal.NewMock(level, 0)
	m.StepOnCommand = true
	lim := &position.Thresholds{LowMin: 0, LowThreshold: 100, HighThreshold: 30000, HighMax: 32000}
	pos := position.New(m, lim, nil)
	pos.SampleTimeout = time.Second
	return &action.Env{
		HAL:        m,
		Positioner: pos,
		Thresholds: lim,
		LoadCell:   &hal.MockSpring{Rig: m, Contact: 1000, Stiffness: 1},
		RunID:      "test",
	}, m
}

func TestTrampolineTwoSteps(t *testing.T) {
	reg := action.NewRegistry()
	reg.MustRegister("A", scripted("x"))
	reg.MustRegister("B", scripted("y"))
	r := &action.Routine{
		Name:  "ab",
		Entry: "A",
		Tables: map[action.ID]action.Table{
			"A": {"x": "B"},
			"B": {"y": action.Terminal},
		},
	}
	require.NoError(t, r.Validate(reg))
	env, _ := testEnv(0)
	res, err := action.NewEngine(reg, nil, nil).RunRoutine(context.Background(), env, r)
	require.NoError(t, err)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, action.ID("A"), res.Steps[0].Action)
	assert.Equal(t, action.ID("B"), res.Steps[1].Action)
	assert.Equal(t, action.Condition("y"), res.Final)
}

func TestWildcardFallback(t *testing.T) {
	reg := action.NewRegistry()
	reg.MustRegister("A", scripted("surprise"))
	r := &action.Routine{Name: "w", Entry: "A", Tables: map[action.ID]action.Table{
		"A": {"x": "A", action.Wildcard: action.Terminal},
	}}
	env, _ := testEnv(0)
	res, err := action.NewEngine(reg, nil, nil).RunRoutine(context.Background(), env, r)
	require.NoError(t, err)
	assert.Len(t, res.Steps, 1)
}

func TestDanglingTransitionIsConfigError(t *testing.T) {
	reg := action.NewRegistry()
	reg.MustRegister("A", scripted("nowhere"))
	r := &action.Routine{Name: "d", Entry: "A", Tables: map[action.ID]action.Table{"A": {"x": action.Terminal}}}
	env, _ := testEnv(0)
	_, err := action.NewEngine(reg, nil, nil).RunRoutine(context.Background(), env, r)
	var cerr *action.ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.ErrorIs(t, err, action.ErrDangling)
	assert.Equal(t, action.ID("A"), cerr.Action)
}

func TestValidate(t *testing.T) {
	reg := action.Builtins()
	cases := map[string]*action.Routine{
		"unknown entry": {Name: "r", Entry: "nope", Tables: map[action.ID]action.Table{"nope": {}}},
		"unknown key":   {Name: "r", Entry: action.Cleanup, Tables: map[action.ID]action.Table{action.Cleanup: {"*": action.Terminal}, "bogus": {}}},
		"unknown target": {Name: "r", Entry: action.Cleanup, Tables: map[action.ID]action.Table{
			action.Cleanup: {"*": "bogus"},
		}},
		"target without table": {Name: "r", Entry: action.ResetMin, Tables: map[action.ID]action.Table{
			action.ResetMin: {"stopped": action.SetPos},
		}},
		"entry without table": {Name: "r", Entry: action.ResetMin, Tables: map[action.ID]action.Table{}},
		"no entry":            {Name: "r"},
	}
	for name, r := range cases {
		err := r.Validate(reg)
		var cerr *action.ConfigError
		assert.True(t, errors.As(err, &cerr), name)
	}
	ok := &action.Routine{Name: "r", Entry: action.ResetMin, Tables: map[action.ID]action.Table{
		action.ResetMin: {"stopped": action.SetPos, "error": action.Cleanup},
		action.SetPos:   {"done": action.Terminal, "error": action.Cleanup},
		action.Cleanup:  {"*": action.Terminal},
	}}
	assert.NoError(t, ok.Validate(reg))
}

func TestRegistry(t *testing.T) {
	reg := action.NewRegistry()
	assert.Error(t, reg.Register(action.Terminal, scripted("x")))
	require.NoError(t, reg.Register("a", scripted("x")))
	assert.Error(t, reg.Register("a", scripted("x")))
	assert.Panics(t, func() { reg.MustRegister("a", scripted("x")) })
	assert.Len(t, action.Builtins().IDs(), 9)
}

func errorRoutine(body action.Func) (*action.Registry, *action.Routine) {
	reg := action.NewRegistry()
	reg.MustRegister("boom", body)
	reg.MustRegister("recover", scripted(action.Done))
	return reg, &action.Routine{Name: "e", Entry: "boom", Tables: map[action.ID]action.Table{
		"boom":    {action.Error: "recover", action.Done: action.Terminal},
		"recover": {action.Wildcard: action.Terminal},
	}}
}

func TestFailureRoutesToErrorAfterStop(t *testing.T) {
	env, m := testEnv(0)
	reg, r := errorRoutine(func(context.Context, *action.Env, action.Params) (action.Condition, error) {
		return "", errors.New("actuator jammed")
	})
	res, err := action.NewEngine(reg, nil, nil).RunRoutine(context.Background(), env, r)
	require.NoError(t, err)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, action.Error, res.Steps[0].Condition)
	assert.Equal(t, action.ID("recover"), res.Steps[1].Action)
	assert.Equal(t, 1, m.Stops())
}

func TestPanicRoutesToError(t *testing.T) {
	env, m := testEnv(0)
	reg, r := errorRoutine(func(context.Context, *action.Env, action.Params) (action.Condition, error) {
		panic("bad index")
	})
	res, err := action.NewEngine(reg, nil, nil).RunRoutine(context.Background(), env, r)
	require.NoError(t, err)
	assert.Equal(t, action.Error, res.Steps[0].Condition)
	assert.Equal(t, 1, m.Stops())
}

func TestParameterErrorIsFatal(t *testing.T) {
	env, _ := testEnv(0)
	reg := action.Builtins()
	r := &action.Routine{Name: "p", Entry: action.SetPos, Tables: map[action.ID]action.Table{
		action.SetPos:  {action.Wildcard: action.Cleanup},
		action.Cleanup: {action.Wildcard: action.Terminal},
	}}
	res, err := action.NewEngine(reg, nil, nil).RunRoutine(context.Background(), env, r)
	var perr *action.ParameterError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "position", perr.Key)
	assert.Empty(t, res.Steps, "the error transition must not be taken")
}

func TestCancelledContextStops(t *testing.T) {
	env, _ := testEnv(0)
	reg := action.NewRegistry()
	reg.MustRegister("A", scripted("x"))
	r := &action.Routine{Name: "c", Entry: "A", Tables: map[action.ID]action.Table{"A": {"x": "A"}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := action.NewEngine(reg, nil, nil).RunRoutine(ctx, env, r)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInterruptedActionIsReturned(t *testing.T) {
	env, m := testEnv(0)
	ctx, cancel := context.WithCancel(context.Background())
	reg, r := errorRoutine(func(ctx context.Context, _ *action.Env, _ action.Params) (action.Condition, error) {
		cancel()
		return "", ctx.Err()
	})
	_, err := action.NewEngine(reg, nil, nil).RunRoutine(ctx, env, r)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, m.Stops())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	met := action.NewMetrics(reg)
	areg := action.NewRegistry()
	areg.MustRegister("A", scripted("x"))
	areg.MustRegister("B", scripted("y"))
	r := &action.Routine{Name: "ab", Entry: "A", Tables: map[action.ID]action.Table{
		"A": {"x": "B"},
		"B": {"y": action.Terminal},
	}}
	env, _ := testEnv(0)
	e := action.NewEngine(areg, met, nil)
	for i := 0; i < 3; i++ {
		_, err := e.RunRoutine(context.Background(), env, r)
		require.NoError(t, err)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(met.Runs.WithLabelValues("A", "x")))
	assert.Equal(t, 2, testutil.CollectAndCount(met.Runs))
}

func TestDecode(t *testing.T) {
	var p struct {
		Position int     `param:"position"`
		Speed    float64 `param:"speed"`
		Reset    bool    `param:"reset_closest"`
	}
	err := action.Decode("x", action.Params{"position": "1200", "speed": 3, "reset_closest": "true", "other": 1}, &p, "position")
	require.NoError(t, err)
	assert.Equal(t, 1200, p.Position)
	assert.Equal(t, 3.0, p.Speed)
	assert.True(t, p.Reset)

	err = action.Decode("x", action.Params{}, &p, "position")
	var perr *action.ParameterError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, action.ID("x"), perr.Action)

	err = action.Decode("x", action.Params{"position": "left"}, &p)
	assert.True(t, errors.As(err, &perr))
}

func run(t *testing.T, env *action.Env, r *action.Routine) action.Result {
	t.Helper()
	reg := action.Builtins()
	require.NoError(t, r.Validate(reg))
	res, err := action.NewEngine(reg, nil, nil).RunRoutine(context.Background(), env, r)
	require.NoError(t, err)
	return res
}

func TestBuiltinResetThenSetPos(t *testing.T) {
	env, m := testEnv(5000)
	env.Positioner.Magnitude = hal.MaxOutput
	r := &action.Routine{
		Name:   "home",
		Entry:  action.ResetMin,
		Params: action.Params{"magnitude": 2048, "position": 4000},
		Tables: map[action.ID]action.Table{
			action.ResetMin: {action.Stopped: action.SetPos, action.Error: action.Cleanup},
			action.SetPos:   {action.Done: action.Terminal, action.Error: action.Cleanup},
			action.Cleanup:  {action.Wildcard: action.Terminal},
		},
	}
	res := run(t, env, r)
	assert.Equal(t, action.Done, res.Final)
	lvl, _ := m.ReadLevel()
	assert.InDelta(t, 4000, lvl, 2)
	assert.Equal(t, hal.MaxOutput, env.Positioner.Magnitude, "magnitude override is restored")
}

func TestBuiltinSetPosErrorRoutesToCleanup(t *testing.T) {
	env, _ := testEnv(500)
	r := &action.Routine{
		Name:   "bad",
		Entry:  action.SetPos,
		Params: action.Params{"position": 32500},
		Tables: map[action.ID]action.Table{
			action.SetPos:  {action.Done: action.Terminal, action.Error: action.Cleanup},
			action.Cleanup: {action.Wildcard: action.Terminal},
		},
	}
	res := run(t, env, r)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, action.Error, res.Steps[0].Condition)
	assert.Equal(t, action.Cleanup, res.Steps[1].Action)
}

func TestBuiltinSetPosTolerance(t *testing.T) {
	routine := func(params action.Params) *action.Routine {
		return &action.Routine{
			Name:   "far",
			Entry:  action.SetPos,
			Params: params,
			Tables: map[action.ID]action.Table{
				action.SetPos:  {action.Done: action.Terminal, action.Error: action.Cleanup},
				action.Cleanup: {action.Wildcard: action.Terminal},
			},
		}
	}
	env, m := testEnv(0)
	res := run(t, env, routine(action.Params{"position": 10000, "magnitude": 64}))
	assert.Equal(t, action.Done, res.Steps[0].Condition, "a decayed seek converges where it stops")
	lvl, _ := m.ReadLevel()
	assert.Equal(t, 127, lvl)

	env, _ = testEnv(0)
	res = run(t, env, routine(action.Params{"position": 10000, "magnitude": 64, "tolerance": 10}))
	assert.Equal(t, action.Error, res.Steps[0].Condition)
	assert.Equal(t, action.Cleanup, res.Steps[1].Action)
}

func oscillation(params action.Params) *action.Routine {
	return &action.Routine{
		Name:   "osc",
		Entry:  action.OscillateForce,
		Params: params,
		Tables: map[action.ID]action.Table{
			action.OscillateForce: {
				action.RepeatsStopped: action.Terminal,
				action.RepeatsReset:   action.Terminal,
				action.TimeoutStopped: action.Terminal,
				action.TimeoutReset:   action.Terminal,
				action.Error:          action.Cleanup,
			},
			action.Cleanup: {action.Wildcard: action.Terminal},
		},
	}
}

func TestBuiltinOscillateRepeatsStopped(t *testing.T) {
	env, m := testEnv(900)
	res := run(t, env, oscillation(action.Params{
		"min_force":    50,
		"displacement": 200,
		"repetitions":  3,
		"timeout":      math.Inf(1),
		"speed":        128,
		"tolerance":    1,
	}))
	assert.Equal(t, action.RepeatsStopped, res.Final)
	lvl, _ := m.ReadLevel()
	assert.InDelta(t, 1050, lvl, 2)
}

func TestBuiltinOscillateTimeoutReset(t *testing.T) {
	env, _ := testEnv(900)
	res := run(t, env, oscillation(action.Params{
		"min_force":     50,
		"displacement":  200,
		"repetitions":   "inf",
		"timeout":       1e-9,
		"reset_closest": true,
	}))
	assert.Equal(t, action.TimeoutReset, res.Final)
}

func TestBuiltinOscillateWithoutLoadCell(t *testing.T) {
	env, _ := testEnv(900)
	env.LoadCell = nil
	res := run(t, env, oscillation(action.Params{"min_force": 50, "displacement": 200}))
	assert.Equal(t, action.Done, res.Final, "error routed to cleanup")
	assert.Equal(t, action.Error, res.Steps[0].Condition)
}

func TestBuiltinBadController(t *testing.T) {
	env, _ := testEnv(900)
	reg := action.Builtins()
	_, err := action.NewEngine(reg, nil, nil).RunRoutine(context.Background(), env,
		oscillation(action.Params{"min_force": 50, "displacement": 200, "controller": "fuzzy"}))
	var perr *action.ParameterError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "controller", perr.Key)
}

func TestBuiltinRegulate(t *testing.T) {
	env, m := testEnv(0)
	r := &action.Routine{
		Name:   "reg",
		Entry:  action.Regulate,
		Params: action.Params{"position": 3000, "controller": "p", "kp": 0.5},
		Tables: map[action.ID]action.Table{
			action.Regulate: {action.Done: action.Terminal, action.Error: action.Terminal},
		},
	}
	res := run(t, env, r)
	assert.Equal(t, action.Done, res.Final)
	lvl, _ := m.ReadLevel()
	assert.InDelta(t, 3000, lvl, action.DefaultPositionTolerance)
}

type operator struct {
	mock.Mock
}

func (o *operator) Await(ctx context.Context, prompt string) error {
	return o.Called(ctx, prompt).Error(0)
}

func (o *operator) Confirm(ctx context.Context, prompt string) (bool, error) {
	args := o.Called(ctx, prompt)
	return args.Bool(0), args.Error(1)
}

func calibration(confirm bool, env *action.Env, m *hal.Mock) *operator {
	marks := map[string]int{
		"mark absolute upper": 9000,
		"mark absolute lower": 1000,
		"mark desired upper":  8000,
		"mark desired lower":  2000,
	}
	op := new(operator)
	op.On("Await", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		for k, v := range marks {
			if strings.Contains(args.String(1), k) {
				m.SetLevel(v)
			}
		}
	}).Return(nil)
	op.On("Confirm", mock.Anything, mock.Anything).Return(confirm, nil)
	env.Operator = op
	return op
}

func calRoutine() *action.Routine {
	return &action.Routine{
		Name:   "cal",
		Entry:  action.Calibrate,
		Params: action.Params{"outfile": "cal.yaml", "magnitude": 1000},
		Tables: map[action.ID]action.Table{
			action.Calibrate: {action.Wildcard: action.Terminal},
		},
	}
}

func TestBuiltinCalibrateConfirmed(t *testing.T) {
	env, m := testEnv(5000)
	calibration(true, env, m)
	var saved position.Thresholds
	var savedTo string
	env.Persist = func(th position.Thresholds, out string) error {
		saved, savedTo = th, out
		return nil
	}
	res := run(t, env, calRoutine())
	assert.Equal(t, action.Confirmed, res.Final)
	want := position.Thresholds{LowMin: 1000, LowThreshold: 2000, HighThreshold: 8000, HighMax: 9000}
	assert.Equal(t, want, saved)
	assert.Equal(t, "cal.yaml", savedTo)
	assert.Equal(t, want, *env.Thresholds, "shared thresholds are updated in place")
}

func TestBuiltinCalibrateRejected(t *testing.T) {
	env, m := testEnv(5000)
	calibration(false, env, m)
	before := *env.Thresholds
	env.Persist = func(position.Thresholds, string) error {
		t.Fatal("rejected calibration must not be saved")
		return nil
	}
	res := run(t, env, calRoutine())
	assert.Equal(t, action.Rejected, res.Final)
	assert.Equal(t, before, *env.Thresholds)
}

func TestBuiltinAcquire(t *testing.T) {
	env, _ := testEnv(15000)
	*env.Thresholds = position.Thresholds{LowMin: 0, LowThreshold: 14000, HighThreshold: 16000, HighMax: 32000}
	out := filepath.Join(t.TempDir(), "acq.csv")
	r := &action.Routine{
		Name:   "acq",
		Entry:  action.Acquire,
		Params: action.Params{"timeout": 0.02, "outfile": out, "magnitude": 100},
		Tables: map[action.ID]action.Table{action.Acquire: {action.Wildcard: action.Terminal}},
	}
	res := run(t, env, r)
	assert.Equal(t, action.Done, res.Final)
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	assert.Greater(t, len(lines), 1)
	assert.Equal(t, "elapsed_s,level,position_raw", lines[0])
}

func TestBuiltinAcquireNeedsTimeout(t *testing.T) {
	env, _ := testEnv(15000)
	r := &action.Routine{
		Name:   "acq",
		Entry:  action.Acquire,
		Tables: map[action.ID]action.Table{action.Acquire: {action.Wildcard: action.Terminal}},
	}
	_, err := action.NewEngine(action.Builtins(), nil, nil).RunRoutine(context.Background(), env, r)
	var perr *action.ParameterError
	assert.True(t, errors.As(err, &perr))
}
