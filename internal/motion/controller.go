package motion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rover-control/rover/internal/actuator"
	"github.com/rover-control/rover/internal/logging"
)

// Speed bounds accepted by SetSpeed.
const (
	MinSpeed = 0.1
	MaxSpeed = 1.0
)

// ErrSpeedOutOfRange is returned by SetSpeed for values outside [MinSpeed, MaxSpeed].
var ErrSpeedOutOfRange = errors.New("speed out of range")

// Direction is the active motion of the vehicle.
type Direction int

const (
	None Direction = iota
	Forward
	Backward
	Left
	Right
)

func (d Direction) String() string {
	switch d {
	case None:
		return "none"
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// MarshalText encodes the direction by name.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// TurnMode selects how left and right turns split power between wheels.
type TurnMode string

const (
	// Pivot drives the outer wheel forward and the inner wheel backward at a reduced ratio.
	Pivot TurnMode = "pivot"
	// Spin drives both wheels in opposite directions at full speed.
	Spin TurnMode = "spin"
)

// SpeedPolicy selects whether a speed change re-drives an active motion.
type SpeedPolicy string

const (
	Immediate SpeedPolicy = "immediate"
	Deferred  SpeedPolicy = "deferred"
)

// State is a snapshot of the controller.
type State struct {
	Speed     float64   `json:"speed"`
	Moving    bool      `json:"moving"`
	Direction Direction `json:"direction"`
}

// Options configures a Controller.
type Options struct {
	DefaultSpeed   float64
	TurnMode       TurnMode
	PivotTurnRatio float64
	SpeedPolicy    SpeedPolicy
	Logger         *slog.Logger
}

// DefaultOptions returns the stock drive configuration.
func DefaultOptions() Options {
	return Options{
		DefaultSpeed:   0.7,
		TurnMode:       Pivot,
		PivotTurnRatio: 0.7,
		SpeedPolicy:    Immediate,
	}
}

// Controller translates motion commands into per-wheel actuator writes.
type Controller struct {
	mu    sync.Mutex
	act   actuator.Actuator
	opts  Options
	log   *slog.Logger
	state State
}

// NewController creates a stopped controller at the default speed.
func NewController(act actuator.Actuator, opts Options) (*Controller, error) {
	if act == nil {
		return nil, fmt.Errorf("actuator is required")
	}
	if !inRange(opts.DefaultSpeed) {
		return nil, fmt.Errorf("default speed %v: %w", opts.DefaultSpeed, ErrSpeedOutOfRange)
	}
	if !(opts.PivotTurnRatio >= 0 && opts.PivotTurnRatio <= 1) {
		return nil, fmt.Errorf("pivot turn ratio %v is outside [0, 1]", opts.PivotTurnRatio)
	}
	switch opts.TurnMode {
	case Pivot, Spin:
	default:
		return nil, fmt.Errorf("unknown turn mode %q", opts.TurnMode)
	}
	switch opts.SpeedPolicy {
	case Immediate, Deferred:
	default:
		return nil, fmt.Errorf("unknown speed policy %q", opts.SpeedPolicy)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Controller{
		act:   act,
		opts:  opts,
		log:   logger.With("component", "motion"),
		state: State{Speed: opts.DefaultSpeed},
	}, nil
}

// Forward drives both wheels forward at the current speed.
func (c *Controller) Forward(ctx context.Context) error { return c.Drive(ctx, Forward) }

// Backward drives both wheels backward at the current speed.
func (c *Controller) Backward(ctx context.Context) error { return c.Drive(ctx, Backward) }

// Left turns the vehicle left according to the turn mode.
func (c *Controller) Left(ctx context.Context) error { return c.Drive(ctx, Left) }

// Right turns the vehicle right according to the turn mode.
func (c *Controller) Right(ctx context.Context) error { return c.Drive(ctx, Right) }

// Drive starts a motion in the given direction. None is equivalent to Stop.
func (c *Controller) Drive(ctx context.Context, dir Direction) error {
	if dir == None {
		return c.Stop(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.driveLocked(ctx, dir)
}

// Stop releases both wheels. It is idempotent and always leaves the state stopped.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(ctx)
}

// SetSpeed changes the drive speed without changing direction.
// Under the immediate policy an active motion is re-driven at the new speed;
// if that fails the vehicle stops and the previous speed is kept.
func (c *Controller) SetSpeed(ctx context.Context, v float64) error {
	if !inRange(v) {
		return fmt.Errorf("speed %v not in [%.1f, %.1f]: %w", v, MinSpeed, MaxSpeed, ErrSpeedOutOfRange)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.state.Speed
	c.state.Speed = v
	if c.state.Moving && c.opts.SpeedPolicy == Immediate {
		if err := c.driveLocked(ctx, c.state.Direction); err != nil {
			c.state.Speed = prev
			return err
		}
	}
	return nil
}

// State returns a snapshot of the current motion state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Shutdown stops the vehicle on a best-effort basis. Errors are logged, never returned.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.stopLocked(ctx); err != nil {
		c.log.Error("stop during shutdown failed", "error", err)
		return
	}
	c.log.Info("motors stopped for shutdown")
}

// driveLocked writes both wheels; on failure it falls back to a stop.
func (c *Controller) driveLocked(ctx context.Context, dir Direction) error {
	cmds := c.wheelCommands(dir, c.state.Speed)
	for _, wc := range cmds {
		if err := c.act.DriveWheel(ctx, wc.side, wc.dir, actuator.Clamp(wc.magnitude)); err != nil {
			werr := wrap(wc.side, "drive", err)
			c.log.Warn("wheel write failed, stopping", "direction", dir, "error", werr)
			if serr := c.stopLocked(ctx); serr != nil {
				c.log.Error("fallback stop failed", "error", serr)
			}
			return werr
		}
	}

	c.state.Moving = true
	c.state.Direction = dir
	c.log.Debug("driving", "direction", dir, "speed", c.state.Speed)
	return nil
}

// stopLocked writes zero to both wheels even if the first write fails.
func (c *Controller) stopLocked(ctx context.Context) error {
	var first error
	for _, side := range []actuator.Side{actuator.Left, actuator.Right} {
		if err := c.act.DriveWheel(ctx, side, actuator.Forward, 0); err != nil && first == nil {
			first = wrap(side, "stop", err)
		}
	}
	c.state.Moving = false
	c.state.Direction = None
	return first
}

type wheelCommand struct {
	side      actuator.Side
	dir       actuator.Direction
	magnitude float64
}

// wheelCommands maps a motion direction to per-wheel outputs.
func (c *Controller) wheelCommands(dir Direction, speed float64) [2]wheelCommand {
	inner := speed
	if c.opts.TurnMode == Pivot {
		inner = speed * c.opts.PivotTurnRatio
	}

	switch dir {
	case Forward:
		return [2]wheelCommand{
			{actuator.Left, actuator.Forward, speed},
			{actuator.Right, actuator.Forward, speed},
		}
	case Backward:
		return [2]wheelCommand{
			{actuator.Left, actuator.Backward, speed},
			{actuator.Right, actuator.Backward, speed},
		}
	case Left:
		return [2]wheelCommand{
			{actuator.Left, actuator.Backward, inner},
			{actuator.Right, actuator.Forward, speed},
		}
	case Right:
		return [2]wheelCommand{
			{actuator.Left, actuator.Forward, speed},
			{actuator.Right, actuator.Backward, inner},
		}
	default:
		return [2]wheelCommand{
			{actuator.Left, actuator.Forward, 0},
			{actuator.Right, actuator.Forward, 0},
		}
	}
}

func wrap(side actuator.Side, op string, err error) error {
	var aerr *actuator.ActuatorError
	if errors.As(err, &aerr) {
		return err
	}
	return &actuator.ActuatorError{Side: side, Op: op, Err: err}
}

// inRange rejects NaN along with out-of-bounds values.
func inRange(v float64) bool {
	return v >= MinSpeed && v <= MaxSpeed
}
