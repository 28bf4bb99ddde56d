package action

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/nasa-jpl/ecrig/control"
	"github.com/nasa-jpl/ecrig/position"
)

var errMissing = errors.New("required parameter missing")

// Decode copies params into out, a pointer to a struct tagged with `param`.
// Values are converted weakly, so "12", 12 and 12.0 all fill an int.
// Each key in required must be present.
func Decode(id ID, params Params, out interface{}, required ...string) error {
	for _, k := range required {
		if _, ok := params[k]; !ok {
			return &ParameterError{Action: id, Key: k, Err: errMissing}
		}
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "param",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return &ParameterError{Action: id, Err: err}
	}
	if err := dec.Decode(map[string]interface{}(params)); err != nil {
		return &ParameterError{Action: id, Err: err}
	}
	return nil
}

// seconds converts a count of seconds to a duration; infinite, NaN and
// non-positive values become 0, meaning unbounded
func seconds(s float64) time.Duration {
	if s <= 0 || math.IsInf(s, 0) || math.IsNaN(s) {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// count converts a float count to an int; infinite and non-positive values
// become 0, meaning unbounded
func count(f float64) int {
	if f <= 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return int(f)
}

// lawParams select a controller
type lawParams struct {
	Controller string  `param:"controller"`
	Kp         float64 `param:"kp"`
	Ki         float64 `param:"ki"`
	Kd         float64 `param:"kd"`
}

// law builds a position.Law.  No controller, or "none", leaves the zero Law
// so the positioner's default is used; gains without a controller are
// applied to it.
func (l lawParams) law(id ID, def position.Law) (position.Law, error) {
	kind, err := control.ParseKind(l.Controller)
	if err != nil && !errors.Is(err, control.ErrNoController) {
		return position.Law{}, &ParameterError{Action: id, Key: "controller", Err: err}
	}
	out := def
	if kind != control.KindNone {
		out.Kind = kind
	}
	if l.Kp != 0 || l.Ki != 0 || l.Kd != 0 {
		out.Gains = control.Gains{Kp: l.Kp, Ki: l.Ki, Kd: l.Kd}
	}
	if out.Gains == (control.Gains{}) {
		return out, &ParameterError{Action: id, Key: "kp", Err: fmt.Errorf("controller %s needs gains", out.Kind)}
	}
	return out, nil
}
