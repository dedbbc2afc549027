// Package serial drives a motor controller board over a serial line.
//
// Each write is one ASCII frame "<wheel><sign><duty>\n" where wheel is L or R,
// sign is + (forward) or - (backward) and duty is a four digit per-mille value,
// e.g. "L+0700\n". The board is expected to hold the last frame per wheel.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	goserial "go.bug.st/serial"

	"github.com/rover-control/rover/internal/actuator"
	"github.com/rover-control/rover/internal/config"
)

// Actuator implements actuator.Actuator over a serial port.
type Actuator struct {
	mu     sync.Mutex
	port   io.WriteCloser
	closed bool
}

// Open opens the configured port and releases both wheels.
func Open(cfg config.SerialConfig) (*Actuator, error) {
	port, err := goserial.Open(cfg.Port, &goserial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}
	a, err := New(port)
	if err != nil {
		port.Close()
		return nil, err
	}
	return a, nil
}

// New wraps an already open port and releases both wheels.
func New(port io.WriteCloser) (*Actuator, error) {
	a := &Actuator{port: port}
	if err := a.releaseAll(); err != nil {
		return nil, fmt.Errorf("failed to initialise motor board: %w", err)
	}
	return a, nil
}

// DriveWheel sends one frame for the given wheel.
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
	frame, err := Frame(side, dir, magnitude)
	if err != nil {
		return err
	}
	_, err = io.WriteString(a.port, frame)
	return err
}

// Close releases both wheels and closes the port.
func (a *Actuator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	return errors.Join(a.releaseAll(), a.port.Close())
}

func (a *Actuator) releaseAll() error {
	for _, side := range []actuator.Side{actuator.Left, actuator.Right} {
		frame, _ := Frame(side, actuator.Forward, 0)
		if _, err := io.WriteString(a.port, frame); err != nil {
			return err
		}
	}
	return nil
}

// Frame encodes a drive request in the board's line format.
func Frame(side actuator.Side, dir actuator.Direction, magnitude float64) (string, error) {
	var wheel byte
	switch side {
	case actuator.Left:
		wheel = 'L'
	case actuator.Right:
		wheel = 'R'
	default:
		return "", fmt.Errorf("unknown wheel %v", side)
	}
	sign := byte('+')
	if dir == actuator.Backward {
		sign = '-'
	}
	duty := int(math.Round(actuator.Clamp(magnitude) * 1000))
	return fmt.Sprintf("%c%c%04d\n", wheel, sign, duty), nil
}
