package command

import (
	"context"

	"github.com/rover-control/rover/internal/audit"
	"github.com/rover-control/rover/internal/motion"
)

// MotionPort is the part of the motion controller the dispatcher drives.
type MotionPort interface {
	Forward(ctx context.Context) error
	Backward(ctx context.Context) error
	Left(ctx context.Context) error
	Right(ctx context.Context) error
	Stop(ctx context.Context) error
	SetSpeed(ctx context.Context, v float64) error
	State() motion.State
	Shutdown(ctx context.Context)
}

// AuditLogger records command outcomes.
type AuditLogger interface {
	Record(ctx context.Context, command, status string, response map[string]interface{}) (audit.Entry, error)
}

// Handler processes one raw command and returns its reply.
type Handler interface {
	Handle(ctx context.Context, raw string) Reply
}

// Compile-time assertions
var (
	_ MotionPort  = (*motion.Controller)(nil)
	_ AuditLogger = (*audit.Log)(nil)
	_ Handler     = (*Orchestrator)(nil)
)
