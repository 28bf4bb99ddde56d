// Package position drives the actuator to positions under hard and soft
// bounds.  Seeking uses successive approximation on the sensor-ready stream;
// monitoring, regulation, load setting, oscillation and calibration are built
// on the same session and guard machinery.
package position

import (
	"errors"
	"fmt"

	"github.com/nasa-jpl/ecrig/hal"
)

var (
	// ErrSafetyLimit is the sentinel wrapped by SafetyLimitExceeded
	ErrSafetyLimit = errors.New("position: hard limit exceeded")

	// ErrThresholdOrder is returned when thresholds are not ordered
	// low_min <= low_threshold <= high_threshold <= high_max
	ErrThresholdOrder = errors.New("position: thresholds out of order")

	// ErrTarget is returned when a target is outside the converter range or the hard limits
	ErrTarget = errors.New("position: target out of range")
)

// Thresholds are the two pairs of position bounds.  The hard pair is never to
// be crossed; the soft pair marks where monitoring reverses.
type Thresholds struct {
	LowMin        int `yaml:"lower_limit" json:"lower_limit"`
	LowThreshold  int `yaml:"low_threshold" json:"low_threshold"`
	HighThreshold int `yaml:"high_threshold" json:"high_threshold"`
	HighMax       int `yaml:"upper_limit" json:"upper_limit"`
}

// Validate checks the ordering and that every bound lies in [0, hal.MaxLevel]
func (t Thresholds) Validate() error {
	if t.LowMin < 0 || t.HighMax > hal.MaxLevel {
		return fmt.Errorf("%w: [%d, %d] exceeds [0, %d]", ErrThresholdOrder, t.LowMin, t.HighMax, hal.MaxLevel)
	}
	if !(t.LowMin <= t.LowThreshold && t.LowThreshold <= t.HighThreshold && t.HighThreshold <= t.HighMax) {
		return fmt.Errorf("%w: %d, %d, %d, %d", ErrThresholdOrder, t.LowMin, t.LowThreshold, t.HighThreshold, t.HighMax)
	}
	return nil
}

// Contains reports if level is within the hard limits, inclusive
func (t Thresholds) Contains(level int) bool {
	return level >= t.LowMin && level <= t.HighMax
}

// HardViolation reports if a reading taken while travelling in dir is at or
// past the hard limit in that direction.  It says nothing about the limit
// behind; use Contains for that.
func (t Thresholds) HardViolation(level int, dir hal.Direction) bool {
	if dir == hal.Forward {
		return level >= t.HighMax
	}
	return level <= t.LowMin
}

// Nearest returns the soft threshold closest to level; ties go low
func (t Thresholds) Nearest(level int) int {
	dl, dh := level-t.LowThreshold, t.HighThreshold-level
	if dl < 0 {
		dl = -dl
	}
	if dh < 0 {
		dh = -dh
	}
	if dh < dl {
		return t.HighThreshold
	}
	return t.LowThreshold
}

func (t Thresholds) String() string {
	return fmt.Sprintf("hard [%d, %d] soft [%d, %d]", t.LowMin, t.HighMax, t.LowThreshold, t.HighThreshold)
}

// SafetyLimitExceeded is returned when a reading is outside the hard limits,
// or at one while travelling into it.  The HAL has already been stopped when it is returned.
type SafetyLimitExceeded struct {
	Level     int
	Limit     int
	Direction hal.Direction
}

func (e *SafetyLimitExceeded) Error() string {
	return fmt.Sprintf("position: hard limit %d reached at level %d travelling %s", e.Limit, e.Level, e.Direction)
}

// Unwrap allows errors.Is(err, ErrSafetyLimit)
func (e *SafetyLimitExceeded) Unwrap() error {
	return ErrSafetyLimit
}
