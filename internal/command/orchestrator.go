package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rover-control/rover/internal/actuator"
	"github.com/rover-control/rover/internal/audit"
	"github.com/rover-control/rover/internal/logging"
	"github.com/rover-control/rover/internal/motion"
)

// Reply is the structured answer to one command.
type Reply struct {
	Status  string  `json:"status"`
	Command string  `json:"command"`
	Speed   float64 `json:"speed"`
	Error   string  `json:"error,omitempty"`

	// Code is ErrBusy or ErrUnavailable when the request never reached the
	// worker. It stays in process.
	Code error `json:"-"`
}

// OK reports whether the command was accepted.
func (r Reply) OK() bool {
	return r.Status == audit.StatusSuccess
}

// Rejection reasons recorded in the audit payload
const (
	ReasonInvalidSpeed       = "invalid_speed"
	ReasonInvalidSpeedFormat = "invalid_speed_format"
	ReasonUnknownCommand     = "unknown_command"
	ReasonActuatorFault      = "actuator_fault"
)

// Errors returned in replies for requests that never reached processing
var (
	ErrBusy        = errors.New("BUSY")
	ErrUnavailable = errors.New("UNAVAILABLE")
)

// Options configures an Orchestrator.
type Options struct {
	// CommandTimeout bounds actuator work for one command.
	CommandTimeout time.Duration
	// QueueSize is the number of requests that may wait for the worker.
	QueueSize int
	Logger    *slog.Logger
}

// Orchestrator serializes commands from every transport through one worker.
//
// The worker validates, actuates, audits and then replies, one command at a
// time, so no two commands ever touch the motion controller concurrently.
type Orchestrator struct {
	motion  MotionPort
	audit   AuditLogger
	log     *slog.Logger
	timeout time.Duration

	queue    chan request
	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type request struct {
	raw   string
	reply chan Reply
}

// NewOrchestrator creates the dispatcher and starts its worker.
func NewOrchestrator(motionPort MotionPort, auditLogger AuditLogger, opts Options) *Orchestrator {
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	o := &Orchestrator{
		motion:   motionPort,
		audit:    auditLogger,
		log:      logger.With("component", "dispatcher"),
		timeout:  opts.CommandTimeout,
		queue:    make(chan request, opts.QueueSize),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}

	go o.commandWorker()

	return o
}

// Handle queues a raw command and waits for its reply.
//
// If the request cannot be queued before ctx ends it is answered with a busy
// error and is neither executed nor audited. Once queued it always runs to
// completion, even if the caller stops waiting.
func (o *Orchestrator) Handle(ctx context.Context, raw string) Reply {
	req := request{raw: raw, reply: make(chan Reply, 1)}

	select {
	case o.queue <- req:
	case <-ctx.Done():
		return o.rejected(raw, ErrBusy, "command queue full")
	case <-o.stopChan:
		return o.rejected(raw, ErrUnavailable, "shutting down")
	}

	select {
	case r := <-req.reply:
		return r
	case <-o.done:
		// The worker may have answered just before exiting
		select {
		case r := <-req.reply:
			return r
		default:
			return o.rejected(raw, ErrUnavailable, "shutting down")
		}
	}
}

// State returns the current motion state.
func (o *Orchestrator) State() motion.State {
	return o.motion.State()
}

// Close stops accepting commands, finishes queued ones and stops the vehicle.
func (o *Orchestrator) Close() error {
	o.stopOnce.Do(func() {
		close(o.stopChan)
	})
	<-o.done
	return nil
}

// commandWorker processes commands in FIFO order
func (o *Orchestrator) commandWorker() {
	defer close(o.done)

	for {
		select {
		case req := <-o.queue:
			req.reply <- o.process(req.raw)
		case <-o.stopChan:
			o.drain()
			ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
			o.motion.Shutdown(ctx)
			cancel()
			return
		}
	}
}

// drain answers requests that were queued before shutdown began.
func (o *Orchestrator) drain() {
	for {
		select {
		case req := <-o.queue:
			req.reply <- o.process(req.raw)
		default:
			return
		}
	}
}

// process runs validate, actuate and audit for one command.
func (o *Orchestrator) process(raw string) Reply {
	start := time.Now()
	text := strings.TrimSpace(raw)

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	cmd, err := Parse(text)
	if err != nil {
		return o.finish(text, err, rejectionPayload(err), start)
	}

	var payload map[string]interface{}
	switch cmd.Verb {
	case VerbForward:
		err = o.motion.Forward(ctx)
	case VerbBackward:
		err = o.motion.Backward(ctx)
	case VerbLeft:
		err = o.motion.Left(ctx)
	case VerbRight:
		err = o.motion.Right(ctx)
	case VerbStop:
		err = o.motion.Stop(ctx)
	case VerbSpeed:
		err = o.motion.SetSpeed(ctx, cmd.Value)
	}

	switch {
	case err != nil:
		payload = rejectionPayload(err)
	case cmd.Verb == VerbSpeed:
		payload = map[string]interface{}{"new_speed": cmd.Value}
	case cmd.Verb != VerbStop:
		payload = map[string]interface{}{"speed": o.motion.State().Speed}
	}

	return o.finish(text, err, payload, start)
}

// finish audits the outcome and builds the reply.
func (o *Orchestrator) finish(text string, cmdErr error, payload map[string]interface{}, start time.Time) Reply {
	status := audit.StatusSuccess
	if cmdErr != nil {
		status = audit.StatusError
	}

	// Audit gets its own deadline so a slow actuator cannot starve it
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	if _, err := o.audit.Record(ctx, text, status, payload); err != nil {
		o.log.Warn("failed to audit command", "command", text, "error", err)
	}

	reply := Reply{
		Status:  status,
		Command: text,
		Speed:   o.motion.State().Speed,
	}
	if cmdErr != nil {
		reply.Error = cmdErr.Error()
		o.log.Info("command rejected", "command", text, "error", cmdErr, "latency", time.Since(start))
	} else {
		o.log.Debug("command processed", "command", text, "speed", reply.Speed, "latency", time.Since(start))
	}
	return reply
}

// rejected builds a reply for a request that never reached the worker.
func (o *Orchestrator) rejected(raw string, code error, reason string) Reply {
	text := strings.TrimSpace(raw)
	o.log.Warn("command not processed", "command", text, "code", code, "reason", reason)
	return Reply{
		Status:  audit.StatusError,
		Command: text,
		Speed:   o.motion.State().Speed,
		Error:   fmt.Sprintf("%v: %s", code, reason),
		Code:    code,
	}
}

// rejectionPayload maps an error to the audit response payload.
func rejectionPayload(err error) map[string]interface{} {
	var (
		rangeErr   *RangeError
		parseErr   *ParseError
		unknownErr *UnknownCommandError
		actErr     *actuator.ActuatorError
	)
	switch {
	case errors.As(err, &rangeErr):
		return map[string]interface{}{"reason": ReasonInvalidSpeed, "value": rangeErr.Value}
	case errors.Is(err, motion.ErrSpeedOutOfRange):
		return map[string]interface{}{"reason": ReasonInvalidSpeed}
	case errors.As(err, &parseErr):
		return map[string]interface{}{"reason": ReasonInvalidSpeedFormat, "error": parseErr.Error()}
	case errors.As(err, &unknownErr):
		return map[string]interface{}{"reason": ReasonUnknownCommand}
	case errors.As(err, &actErr):
		return map[string]interface{}{"reason": ReasonActuatorFault, "error": actErr.Error()}
	default:
		return map[string]interface{}{"error": err.Error()}
	}
}
