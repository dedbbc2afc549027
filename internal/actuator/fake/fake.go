// Package fake provides an in-memory actuator for tests and dry runs.
package fake

import (
	"context"
	"sync"

	"github.com/rover-control/rover/internal/actuator"
)

// Call records one DriveWheel invocation.
type Call struct {
	Side      actuator.Side
	Direction actuator.Direction
	Magnitude float64
}

// Wheel is the last commanded output of one wheel.
type Wheel struct {
	Direction actuator.Direction
	Magnitude float64
}

// FakeActuator implements actuator.Actuator and records every write.
type FakeActuator struct {
	mu     sync.Mutex
	calls  []Call
	wheels [2]Wheel
	closed bool

	// Error simulation
	failErr   error
	failCount int // remaining failures; negative fails forever
	failOnly  func(Call) bool
}

// NewFakeActuator creates a fake actuator with both wheels released.
func NewFakeActuator() *FakeActuator {
	return &FakeActuator{}
}

// DriveWheel records the call and updates the simulated wheel output.
func (f *FakeActuator) DriveWheel(ctx context.Context, side actuator.Side, dir actuator.Direction, magnitude float64) error {
	// Check for context cancellation
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return actuator.ErrClosed
	}

	call := Call{Side: side, Direction: dir, Magnitude: magnitude}
	f.calls = append(f.calls, call)

	if f.failErr != nil && f.failCount != 0 && (f.failOnly == nil || f.failOnly(call)) {
		if f.failCount > 0 {
			f.failCount--
		}
		return f.failErr
	}

	if side == actuator.Left || side == actuator.Right {
		f.wheels[side] = Wheel{Direction: dir, Magnitude: magnitude}
	}
	return nil
}

// Close marks the actuator closed; later writes fail with ErrClosed.
func (f *FakeActuator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// FailNext makes the next n writes return err.
func (f *FakeActuator) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
	f.failCount = n
	f.failOnly = nil
}

// FailWhen makes every write matching pred return err until Heal is called.
func (f *FakeActuator) FailWhen(pred func(Call) bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
	f.failCount = -1
	f.failOnly = pred
}

// Heal clears any simulated failure.
func (f *FakeActuator) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = nil
	f.failCount = 0
	f.failOnly = nil
}

// Calls returns a copy of all recorded writes.
func (f *FakeActuator) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Reset forgets recorded writes but keeps wheel outputs.
func (f *FakeActuator) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Wheel returns the last successful output of a wheel.
func (f *FakeActuator) Wheel(side actuator.Side) Wheel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wheels[side]
}

// Closed reports whether Close was called.
func (f *FakeActuator) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
