package actuator

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Side identifies one wheel of the differential drive.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// Direction is the rotation sense of a wheel.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Actuator drives the two wheel motors.
//
// Magnitude is a duty fraction in [0, 1]; zero releases the wheel regardless
// of direction. Implementations must be safe to call from a single goroutine
// at a time; callers serialize access.
type Actuator interface {
	DriveWheel(ctx context.Context, side Side, dir Direction, magnitude float64) error
	Close() error
}

// Normalized actuator errors
var (
	ErrUnavailable = errors.New("UNAVAILABLE")
	ErrClosed      = errors.New("actuator closed")
)

// ActuatorError wraps a backend failure with the wheel that was being driven.
type ActuatorError struct {
	Side Side
	Op   string
	Err  error
}

func (e *ActuatorError) Error() string {
	return fmt.Sprintf("actuator %s %s wheel: %v", e.Op, e.Side, e.Err)
}

func (e *ActuatorError) Unwrap() error {
	return e.Err
}

// Clamp limits a magnitude to [0, 1]. NaN maps to 0.
func Clamp(magnitude float64) float64 {
	if math.IsNaN(magnitude) || magnitude <= 0 {
		return 0
	}
	if magnitude >= 1 {
		return 1
	}
	return magnitude
}
