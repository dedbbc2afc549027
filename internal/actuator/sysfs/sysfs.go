// Package sysfs drives H-bridge direction lines through the Linux GPIO sysfs interface.
//
// Each wheel has a forward and a backward line. The lines are digital, so any
// non-zero magnitude switches the selected line fully on. Pins are reached
// through periph's sysfs GPIO driver, which exports them on first use.
package sysfs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"periph.io/x/conn/v3/driver/driverreg"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	_ "periph.io/x/host/v3/sysfs"

	"github.com/rover-control/rover/internal/actuator"
	"github.com/rover-control/rover/internal/config"
)

// line is the part of a GPIO pin the backend drives.
type line interface {
	Out(l gpio.Level) error
	Halt() error
}

// lookupFunc resolves a GPIO number to its line.
type lookupFunc func(pin int) (line, error)

type pinLine struct {
	num  int
	line line
}

type wheelLines struct {
	forward  pinLine
	backward pinLine
}

// Actuator implements actuator.Actuator over /sys/class/gpio.
type Actuator struct {
	mu     sync.Mutex
	wheels [2]wheelLines
	lines  []pinLine // every line set up, in order
	closed bool
}

// Open configures every pin as an output driven low. Enable pins, when
// configured, are driven high. If any pin fails, the ones already set up
// are driven low and released again.
func Open(cfg config.SysfsConfig) (*Actuator, error) {
	if _, err := driverreg.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialise gpio drivers: %w", err)
	}
	return open(cfg, lookupSysfs)
}

func lookupSysfs(pin int) (line, error) {
	p := gpioreg.ByName("GPIO" + strconv.Itoa(pin))
	if p == nil {
		return nil, fmt.Errorf("gpio %d not found: %w", pin, actuator.ErrUnavailable)
	}
	return p, nil
}

func open(cfg config.SysfsConfig, lookup lookupFunc) (*Actuator, error) {
	a := &Actuator{}

	setup := func(pin int, level gpio.Level) (pinLine, error) {
		l, err := lookup(pin)
		if err != nil {
			return pinLine{}, err
		}
		pl := pinLine{num: pin, line: l}
		if err := l.Out(level); err != nil {
			l.Halt()
			return pinLine{}, fmt.Errorf("failed to set gpio %d as output: %w", pin, err)
		}
		a.lines = append(a.lines, pl)
		return pl, nil
	}

	wheelPins := [2][2]int{
		actuator.Left:  {cfg.LeftForward, cfg.LeftBackward},
		actuator.Right: {cfg.RightForward, cfg.RightBackward},
	}
	for side, pins := range wheelPins {
		fwd, err := setup(pins[0], gpio.Low)
		if err != nil {
			a.release()
			return nil, err
		}
		back, err := setup(pins[1], gpio.Low)
		if err != nil {
			a.release()
			return nil, err
		}
		a.wheels[side] = wheelLines{forward: fwd, backward: back}
	}

	for _, pin := range []int{cfg.LeftEnable, cfg.RightEnable} {
		if pin <= 0 {
			continue
		}
		if _, err := setup(pin, gpio.High); err != nil {
			a.release()
			return nil, err
		}
	}

	return a, nil
}

// DriveWheel sets the direction lines of one wheel.
func (a *Actuator) DriveWheel(ctx context.Context, side actuator.Side, dir actuator.Direction, magnitude float64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return actuator.ErrClosed
	}
	if side != actuator.Left && side != actuator.Right {
		return fmt.Errorf("unknown wheel %v", side)
	}

	on := actuator.Clamp(magnitude) > 0
	wl := a.wheels[side]

	// Release the opposing line first so both are never high together
	if on && dir == actuator.Forward {
		if err := write(wl.backward, gpio.Low); err != nil {
			return err
		}
		return write(wl.forward, gpio.High)
	}
	if err := write(wl.forward, gpio.Low); err != nil {
		return err
	}
	return write(wl.backward, gpio.Level(on && dir == actuator.Backward))
}

// Close drives every line low and releases it.
func (a *Actuator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	return a.release()
}

// release drives every set-up line low and halts it.
func (a *Actuator) release() error {
	var errs []error
	for _, pl := range a.lines {
		if err := write(pl, gpio.Low); err != nil {
			errs = append(errs, err)
		}
		if err := pl.line.Halt(); err != nil {
			errs = append(errs, fmt.Errorf("failed to release gpio %d: %w", pl.num, err))
		}
	}
	a.lines = nil
	return errors.Join(errs...)
}

func write(pl pinLine, level gpio.Level) error {
	if err := pl.line.Out(level); err != nil {
		return fmt.Errorf("failed to write gpio %d: %w", pl.num, err)
	}
	return nil
}
