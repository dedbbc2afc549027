package api

import (
	"context"

	"github.com/rover-control/rover/internal/audit"
	"github.com/rover-control/rover/internal/command"
	"github.com/rover-control/rover/internal/motion"
)

// DispatcherPort is what the API needs from the command dispatcher.
type DispatcherPort interface {
	Handle(ctx context.Context, raw string) command.Reply
	State() motion.State
}

// HistoryPort is what the API needs from the audit log.
type HistoryPort interface {
	Recent(n int) []audit.Entry
	Len() int
	MaxEntries() int
	Clear(ctx context.Context) error
}

// Compile-time assertions for port conformance
var (
	_ DispatcherPort = (*command.Orchestrator)(nil)
	_ HistoryPort    = (*audit.Log)(nil)
)
