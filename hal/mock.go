package hal

import (
	"context"
	"errors"
	"math"
	"sync"
)

// EventKind identifies a command recorded by the Mock
type EventKind string

const (
	// EventOutput is a SetOutput call
	EventOutput EventKind = "out"
	// EventDirection is a SetDirection call
	EventDirection EventKind = "dir"
	// EventStop is a StopAll call
	EventStop EventKind = "stop"
)

// Event is one command received by the Mock
type Event struct {
	Kind EventKind

	// Value is the magnitude for EventOutput and 1 (forward) or 0 (backward)
	// for EventDirection
	Value int

	// Level is the position when the command arrived
	Level int
}

// Mock is a simulated rig.  The actuator moves Gain * output counts per
// conversion in the current direction, and the position is clamped to
// [0, MaxLevel].
//
// With StepOnCommand, every SetOutput produces exactly one conversion, which
// makes tests deterministic.  Otherwise conversions happen when Tick is
// called or while Run is running.
type Mock struct {
	// StepOnCommand makes each SetOutput call move the rig and raise one edge
	StepOnCommand bool

	// Gain is counts moved per unit of output per conversion; zero means 1
	Gain float64

	mu     sync.Mutex
	level  int
	dir    Direction
	output int
	events []Event
	stops  int
	edges  *PolledNotifier
}

// NewMock returns a mock rig at the given position that converts at most hz
// times a second while running
func NewMock(level int, hz float64) *Mock {
	return &Mock{level: ClampLevel(level), dir: Forward, edges: NewPolledNotifier(hz)}
}

// ReadLevel returns the current position
func (m *Mock) ReadLevel() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level, nil
}

// SetOutput sets the speed command
func (m *Mock) SetOutput(magnitude int) error {
	if magnitude < 0 || magnitude > MaxOutput {
		return errors.New("hal: output magnitude out of range")
	}
	m.mu.Lock()
	m.output = magnitude
	m.events = append(m.events, Event{Kind: EventOutput, Value: magnitude, Level: m.level})
	step := m.StepOnCommand
	m.mu.Unlock()
	if step {
		m.Tick()
	}
	return nil
}

// SetDirection sets the direction of travel
func (m *Mock) SetDirection(d Direction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dir = d
	v := 0
	if d == Forward {
		v = 1
	}
	m.events = append(m.events, Event{Kind: EventDirection, Value: v, Level: m.level})
	return nil
}

// Subscribe registers cb for conversions on pin
func (m *Mock) Subscribe(pin int, edge Edge, cb EdgeFunc) error {
	return m.edges.Subscribe(pin, edge, cb)
}

// Unsubscribe removes the callback on pin
func (m *Mock) Unsubscribe(pin int) error {
	return m.edges.Unsubscribe(pin)
}

// StopAll zeroes the output and drops every subscription
func (m *Mock) StopAll() error {
	m.mu.Lock()
	m.output = 0
	m.stops++
	m.events = append(m.events, Event{Kind: EventStop, Level: m.level})
	m.mu.Unlock()
	m.edges.UnsubscribeAll()
	return nil
}

// Tick moves the rig by one conversion and notifies subscribers
func (m *Mock) Tick() {
	m.advance()
	m.edges.Fire()
}

func (m *Mock) advance() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.Gain
	if g == 0 {
		g = 1
	}
	delta := int(math.Round(float64(m.output) * g))
	if m.dir == Backward {
		delta = -delta
	}
	m.level = ClampLevel(m.level + delta)
	return nil
}

// Run free-runs the converter at the rate given to NewMock until ctx is done
func (m *Mock) Run(ctx context.Context) error {
	return m.edges.Run(ctx, m.advance)
}

// SetLevel teleports the rig
func (m *Mock) SetLevel(l int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = ClampLevel(l)
}

// Output returns the current speed command
func (m *Mock) Output() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.output
}

// Direction returns the current direction of travel
func (m *Mock) Direction() Direction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dir
}

// Stops returns the number of StopAll calls
func (m *Mock) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// Events returns a copy of the command log
func (m *Mock) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Subscribed reports if anything listens on pin
func (m *Mock) Subscribed(pin int) bool {
	return m.edges.Subscribed(pin)
}

// MockSpring is a load cell pressed by the rig: no force until the position
// passes Contact, then Stiffness units of force per count
type MockSpring struct {
	Rig       *Mock
	Contact   int
	Stiffness float64
}

// Force returns the simulated load
func (s *MockSpring) Force() (float64, error) {
	l, err := s.Rig.ReadLevel()
	if err != nil {
		return math.NaN(), err
	}
	if l <= s.Contact {
		return 0, nil
	}
	return float64(l-s.Contact) * s.Stiffness, nil
}
