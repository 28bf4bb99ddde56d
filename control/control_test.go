package control_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/ecrig/control"
)

// plant is a scripted measurement source and output sink
type plant struct {
	meas []float64
	idx  int
	outs []float64
}

func (p *plant) in() (float64, error) {
	if p.idx >= len(p.meas) {
		return p.meas[len(p.meas)-1], nil
	}
	m := p.meas[p.idx]
	p.idx++
	return m, nil
}

func (p *plant) out(f float64) error {
	p.outs = append(p.outs, f)
	return nil
}

func newCtl(t *testing.T, k control.Kind, g control.Gains, p *plant, opts ...control.Option) *control.Controller {
	t.Helper()
	c, err := control.New(k, g, p.in, p.out, opts...)
	require.NoError(t, err)
	return c
}

func TestPOutputIsErrorTimesKp(t *testing.T) {
	p := &plant{meas: []float64{2}}
	c := newCtl(t, control.KindP, control.Gains{Kp: 3.5}, p, control.WithReference(10))
	for i := 0; i < 5; i++ {
		out, err := c.Process(float64(i))
		require.NoError(t, err)
		assert.Equal(t, 8*3.5, out)
	}
	assert.Len(t, p.outs, 5)
	assert.Equal(t, 8.0, c.Error())
}

func TestPDDerivativeTerm(t *testing.T) {
	// e0 = 10 - 4 = 6 at t0 = 1.5; e1 = 10 - 7 = 3 at t1 = 2.25
	p := &plant{meas: []float64{4, 7}}
	g := control.Gains{Kp: 0, Kd: 0.8}
	c := newCtl(t, control.KindPD, g, p, control.WithReference(10))

	first, err := c.Process(1.5)
	require.NoError(t, err)
	assert.Equal(t, 0.0, first, "derivative must be skipped on the first tick")

	second, err := c.Process(2.25)
	require.NoError(t, err)
	want := (3.0 - 6.0) / (2.25 - 1.5) * 0.8
	assert.InDelta(t, want, second, 1e-9)
}

func TestPDSameTimestampSkipsDerivative(t *testing.T) {
	p := &plant{meas: []float64{1, 2}}
	c := newCtl(t, control.KindPD, control.Gains{Kp: 1, Kd: 100}, p)
	_, err := c.Process(1)
	require.NoError(t, err)
	out, err := c.Process(1)
	require.NoError(t, err)
	assert.Equal(t, -2.0, out)
}

func TestIntegralAccumulatesErrorTimesAbsoluteTime(t *testing.T) {
	for _, kind := range []control.Kind{control.KindPI, control.KindPID} {
		t.Run(kind.String(), func(t *testing.T) {
			meas := []float64{1, 3, 2, 8, 5}
			times := []float64{0.5, 1, 4, 4.5, 10}
			p := &plant{meas: meas}
			c := newCtl(t, kind, control.Gains{Kp: 1, Ki: 0.25, Kd: 0.1}, p, control.WithReference(6))
			sum := 0.
			for i, ts := range times {
				_, err := c.Process(ts)
				require.NoError(t, err)
				sum += (6 - meas[i]) * ts
				assert.InDelta(t, sum, c.Accumulator(), 1e-9, "tick %d", i)
			}
		})
	}
}

func TestPIDCombinesTerms(t *testing.T) {
	p := &plant{meas: []float64{0, 2}}
	g := control.Gains{Kp: 2, Ki: 0.5, Kd: 1}
	c := newCtl(t, control.KindPID, g, p, control.WithReference(4))
	_, err := c.Process(1)
	require.NoError(t, err)
	out, err := c.Process(2)
	require.NoError(t, err)
	// e0 = 4 at t=1, e1 = 2 at t=2; acc = 4*1 + 2*2 = 8
	want := 2*2. + 0.5*8 + (2.-4.)/(2.-1.)*1
	assert.InDelta(t, want, out, 1e-9)
}

func TestHistoryIsBoundedFIFO(t *testing.T) {
	meas := make([]float64, 50)
	for i := range meas {
		meas[i] = float64(i)
	}
	p := &plant{meas: meas}
	c := newCtl(t, control.KindP, control.Gains{Kp: 1}, p, control.WithHistoryLen(7))
	for i := range meas {
		_, err := c.Process(float64(i))
		require.NoError(t, err)
		assert.LessOrEqual(t, len(c.History()), 7)
	}
	hist := c.History()
	require.Len(t, hist, 7)
	for i, pt := range hist {
		assert.Equal(t, float64(43+i), pt.Position, "oldest entries must be evicted first")
		assert.Equal(t, float64(43+i), pt.Time)
	}
}

func TestDefaultHistoryLen(t *testing.T) {
	p := &plant{meas: []float64{1}}
	c := newCtl(t, control.KindP, control.Gains{Kp: 1}, p)
	for i := 0; i < 100; i++ {
		_, err := c.Process(float64(i))
		require.NoError(t, err)
	}
	assert.Len(t, c.History(), control.DefaultHistoryLen)
	assert.Equal(t, control.DefaultHistoryLen, c.HistoryCap())
}

func TestReferenceChangeTakesEffectNextTick(t *testing.T) {
	p := &plant{meas: []float64{0}}
	c := newCtl(t, control.KindP, control.Gains{Kp: 1}, p, control.WithReference(1))
	out, _ := c.Process(0)
	assert.Equal(t, 1.0, out)
	c.Ref = 5
	assert.Equal(t, 1.0, c.Output())
	out, _ = c.Process(1)
	assert.Equal(t, 5.0, out)
}

func TestNoClamping(t *testing.T) {
	p := &plant{meas: []float64{0}}
	c := newCtl(t, control.KindP, control.Gains{Kp: 1e6}, p, control.WithReference(1e6))
	out, err := c.Process(0)
	require.NoError(t, err)
	assert.Equal(t, 1e12, out)
}

func TestErrorsAreWrapped(t *testing.T) {
	boom := errors.New("boom")
	c, err := control.New(control.KindP, control.Gains{Kp: 1},
		func() (float64, error) { return 0, boom },
		func(float64) error { return nil })
	require.NoError(t, err)
	_, err = c.Process(0)
	assert.ErrorIs(t, err, boom)

	c, err = control.New(control.KindP, control.Gains{Kp: 1},
		func() (float64, error) { return 0, nil },
		func(float64) error { return boom })
	require.NoError(t, err)
	_, err = c.Process(0)
	assert.ErrorIs(t, err, boom)
}

func TestParseKind(t *testing.T) {
	cases := map[string]control.Kind{
		"p": control.KindP, "PD": control.KindPD, "pi": control.KindPI, "pid": control.KindPID,
		"2": control.KindP, "3": control.KindPD, "4": control.KindPI, "5": control.KindPID,
	}
	for in, want := range cases {
		got, err := control.ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	k, err := control.ParseKind("none")
	assert.ErrorIs(t, err, control.ErrNoController)
	assert.Equal(t, control.KindNone, k)
	_, err = control.ParseKind("lqr")
	assert.ErrorIs(t, err, control.ErrUnknownKind)
}

func TestNewRejectsNone(t *testing.T) {
	_, err := control.New(control.KindNone, control.Gains{}, func() (float64, error) { return 0, nil }, func(float64) error { return nil })
	assert.ErrorIs(t, err, control.ErrNoController)
}

func TestReset(t *testing.T) {
	p := &plant{meas: []float64{1}}
	c := newCtl(t, control.KindPI, control.Gains{Kp: 1, Ki: 1}, p, control.WithReference(2))
	c.Process(3)
	c.Reset()
	assert.Equal(t, 0.0, c.Accumulator())
	assert.Empty(t, c.History())
}

func ExampleController() {
	level := 0.
	in := func() (float64, error) { return level, nil }
	out := func(cmd float64) error {
		level += cmd
		return nil
	}
	c, _ := control.New(control.KindP, control.Gains{Kp: 0.5}, in, out, control.WithReference(100))
	for i := 0; i < 4; i++ {
		c.Process(float64(i))
	}
	fmt.Println(level)
	// Output: 93.75
}
