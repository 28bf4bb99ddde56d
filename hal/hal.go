// Package hal describes the hardware the rig core drives: a position ADC with
// a conversion-ready alert pin, a DAC that sets actuator speed, and a relay
// that sets its direction.
//
// Only the contract lives here, plus a Sampler which turns edge callbacks into
// a bounded stream of samples and a Mock rig used for tests and dry runs.
package hal

import (
	"errors"
	"time"
)

const (
	// MaxLevel is the largest position reading, the positive range of a 16 bit
	// single ended conversion
	MaxLevel = 1<<15 - 1

	// MaxOutput is the largest actuator command, the range of a 12 bit DAC
	MaxOutput = 1<<12 - 1

	// DefaultAlertPin is the GPIO wired to the ADC ALERT/RDY output
	DefaultAlertPin = 21

	// DefaultSampleRate is the ADC data rate in samples per second
	DefaultSampleRate = 128
)

var (
	// ErrHardwareTimeout is generated when no sensor notification arrives within
	// the window the caller was willing to wait
	ErrHardwareTimeout = errors.New("hal: no sensor notification within the expected window")

	// ErrSamplerStopped is generated when a stopped Sampler is read from
	ErrSamplerStopped = errors.New("hal: sampler is not running")
)

// Direction is the direction of actuator travel
type Direction bool

const (
	// Forward extends the actuator, increasing the position reading
	Forward = Direction(true)

	// Backward retracts the actuator, decreasing the position reading
	Backward = Direction(false)
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "backward"
}

// Reverse returns the opposite direction
func (d Direction) Reverse() Direction {
	return !d
}

// Edge is the transition of a digital input a callback is registered for
type Edge int

const (
	// Rising edges only
	Rising Edge = iota + 1
	// Falling edges only; the ADC ALERT/RDY pin pulses low when a conversion is ready
	Falling
	// Both edges
	Both
)

// EdgeFunc is called with the pin number when a subscribed edge occurs.
// It may be called from any goroutine and must not block.
type EdgeFunc func(pin int)

// ADC reads the actuator position
type ADC interface {
	// ReadLevel returns the most recent conversion, in [0, MaxLevel]
	ReadLevel() (int, error)
}

// Actuator commands the actuator
type Actuator interface {
	// SetOutput sets the speed command, in [0, MaxOutput]
	SetOutput(magnitude int) error

	// SetDirection sets the direction of travel
	SetDirection(Direction) error
}

// EdgeNotifier delivers edge notifications for digital inputs
type EdgeNotifier interface {
	// Subscribe registers cb for edges on pin, starting conversions if needed
	Subscribe(pin int, edge Edge, cb EdgeFunc) error

	// Unsubscribe removes the callback on pin.  Unsubscribing a pin with no
	// callback is not an error.
	Unsubscribe(pin int) error
}

// Interface is everything the core needs from the hardware
type Interface interface {
	ADC
	Actuator
	EdgeNotifier

	// StopAll zeroes the actuator output and disables sensor polling.
	// It is idempotent and safe to call from any goroutine, including signal
	// and exit handlers.
	StopAll() error
}

// ClampOutput limits a command to [0, MaxOutput]
func ClampOutput(m int) int {
	if m < 0 {
		return 0
	}
	if m > MaxOutput {
		return MaxOutput
	}
	return m
}

// ClampLevel limits a position to [0, MaxLevel]
func ClampLevel(l int) int {
	if l < 0 {
		return 0
	}
	if l > MaxLevel {
		return MaxLevel
	}
	return l
}

// Sample is a single position conversion
type Sample struct {
	// Level is the position reading
	Level int

	// Time is when the conversion was read
	Time time.Time

	// Seq counts samples since the sampler was started, from 1
	Seq uint64
}
