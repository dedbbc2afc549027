package serial

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rover-control/rover/internal/actuator"
)

// mockPort records writes and can fail on demand.
type mockPort struct {
	buf      bytes.Buffer
	closed   bool
	writeErr error
}

func (m *mockPort) Write(p []byte) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.buf.Write(p)
}

func (m *mockPort) Close() error {
	m.closed = true
	return nil
}

func TestFrame(t *testing.T) {
	tests := []struct {
		name      string
		side      actuator.Side
		dir       actuator.Direction
		magnitude float64
		want      string
	}{
		{"left forward", actuator.Left, actuator.Forward, 0.7, "L+0700\n"},
		{"right backward", actuator.Right, actuator.Backward, 0.49, "R-0490\n"},
		{"clamped above one", actuator.Left, actuator.Forward, 1.5, "L+1000\n"},
		{"clamped below zero", actuator.Right, actuator.Forward, -0.2, "R+0000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Frame(tt.side, tt.dir, tt.magnitude)
			if err != nil {
				t.Fatalf("Frame failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}

	if _, err := Frame(actuator.Side(7), actuator.Forward, 1); err == nil {
		t.Error("Expected error for unknown wheel")
	}
}

func TestNewReleasesWheels(t *testing.T) {
	port := &mockPort{}
	if _, err := New(port); err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got := port.buf.String(); got != "L+0000\nR+0000\n" {
		t.Errorf("Expected release frames, got %q", got)
	}
}

func TestDriveWheelAndClose(t *testing.T) {
	port := &mockPort{}
	a, err := New(port)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	port.buf.Reset()

	if err := a.DriveWheel(context.Background(), actuator.Right, actuator.Forward, 0.5); err != nil {
		t.Fatalf("DriveWheel failed: %v", err)
	}
	if got := port.buf.String(); got != "R+0500\n" {
		t.Errorf("Expected R+0500 frame, got %q", got)
	}

	port.buf.Reset()
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !port.closed {
		t.Error("Expected port to be closed")
	}
	if got := port.buf.String(); got != "L+0000\nR+0000\n" {
		t.Errorf("Expected release frames on close, got %q", got)
	}
	if err := a.DriveWheel(context.Background(), actuator.Left, actuator.Forward, 1); !errors.Is(err, actuator.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestDriveWheelWriteError(t *testing.T) {
	port := &mockPort{}
	a, err := New(port)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	port.writeErr = errors.New("i/o error")

	if err := a.DriveWheel(context.Background(), actuator.Left, actuator.Forward, 1); err == nil {
		t.Error("Expected write error to propagate")
	}
}
