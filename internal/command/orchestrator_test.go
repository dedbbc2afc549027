package command

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rover-control/rover/internal/actuator"
	"github.com/rover-control/rover/internal/actuator/fake"
	"github.com/rover-control/rover/internal/audit"
	"github.com/rover-control/rover/internal/motion"
)

type harness struct {
	orch  *Orchestrator
	act   *fake.FakeActuator
	ctrl  *motion.Controller
	audit *audit.Log
	path  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	act := fake.NewFakeActuator()
	ctrl, err := motion.NewController(act, motion.DefaultOptions())
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "history.json")
	log, err := audit.NewLog(audit.NewFileStore(path), 100, nil)
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	log.Load(context.Background())

	orch := NewOrchestrator(ctrl, log, Options{CommandTimeout: time.Second, QueueSize: 4})
	t.Cleanup(func() { orch.Close() })

	return &harness{orch: orch, act: act, ctrl: ctrl, audit: log, path: path}
}

func TestEndToEndScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r1 := h.orch.Handle(ctx, "speed:0.5")
	if r1.Status != "success" || r1.Command != "speed:0.5" || r1.Speed != 0.5 || r1.Error != "" {
		t.Errorf("Expected success reply at 0.5, got %+v", r1)
	}

	r2 := h.orch.Handle(ctx, "forward")
	if r2.Status != "success" || r2.Speed != 0.5 {
		t.Errorf("Expected forward success at 0.5, got %+v", r2)
	}
	for _, side := range []actuator.Side{actuator.Left, actuator.Right} {
		w := h.act.Wheel(side)
		if w.Direction != actuator.Forward || w.Magnitude != 0.5 {
			t.Errorf("Expected %v wheel forward at 0.5, got %+v", side, w)
		}
	}

	r3 := h.orch.Handle(ctx, "speed:5")
	if r3.Status != "error" || r3.Speed != 0.5 || r3.Error == "" {
		t.Errorf("Expected range error reply at 0.5, got %+v", r3)
	}
	if st := h.ctrl.State(); !st.Moving || st.Direction != motion.Forward || st.Speed != 0.5 {
		t.Errorf("Expected still moving forward at 0.5, got %+v", st)
	}

	entries := h.audit.All()
	if len(entries) != 3 {
		t.Fatalf("Expected 3 audit entries, got %d", len(entries))
	}
	wantCmds := []string{"speed:0.5", "forward", "speed:5"}
	wantStatus := []string{"success", "success", "error"}
	for i, e := range entries {
		if e.Command != wantCmds[i] || e.Status != wantStatus[i] {
			t.Errorf("Entry %d: expected %s/%s, got %s/%s", i, wantCmds[i], wantStatus[i], e.Command, e.Status)
		}
	}
	if entries[0].Response["new_speed"] != 0.5 {
		t.Errorf("Expected new_speed payload, got %v", entries[0].Response)
	}
	if entries[1].Response["speed"] != 0.5 {
		t.Errorf("Expected speed payload, got %v", entries[1].Response)
	}
	if entries[2].Response["reason"] != ReasonInvalidSpeed {
		t.Errorf("Expected invalid_speed reason, got %v", entries[2].Response)
	}

	// The trail was persisted before each reply
	reloaded, err := audit.NewLog(audit.NewFileStore(h.path), 100, nil)
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	if got := reloaded.Load(ctx); len(got) != 3 {
		t.Errorf("Expected 3 persisted entries, got %d", len(got))
	}
}

func TestRejectedCommands(t *testing.T) {
	tests := []struct {
		raw    string
		reason string
	}{
		{"jump", ReasonUnknownCommand},
		{"Forward", ReasonUnknownCommand},
		{"speed:abc", ReasonInvalidSpeedFormat},
		{"speed:0.05", ReasonInvalidSpeed},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			h := newHarness(t)
			before := h.ctrl.State()

			r := h.orch.Handle(context.Background(), tt.raw)
			if r.OK() {
				t.Fatalf("Expected error reply, got %+v", r)
			}
			if r.Command != tt.raw {
				t.Errorf("Expected echoed command %q, got %q", tt.raw, r.Command)
			}
			if h.ctrl.State() != before {
				t.Errorf("Expected motion state unchanged")
			}
			if len(h.act.Calls()) != 0 {
				t.Errorf("Expected no actuator writes, got %d", len(h.act.Calls()))
			}
			last := h.audit.Recent(1)
			if len(last) != 1 || last[0].Status != "error" || last[0].Response["reason"] != tt.reason {
				t.Errorf("Expected audited error with reason %s, got %+v", tt.reason, last)
			}
		})
	}
}

func TestStopHasNoPayload(t *testing.T) {
	h := newHarness(t)
	r := h.orch.Handle(context.Background(), " stop ")
	if !r.OK() || r.Command != "stop" {
		t.Fatalf("Expected stop success with trimmed echo, got %+v", r)
	}
	last := h.audit.Recent(1)
	if len(last) != 1 || last[0].Response != nil {
		t.Errorf("Expected stop entry without response, got %+v", last)
	}
}

func TestActuatorFaultReply(t *testing.T) {
	h := newHarness(t)
	h.act.FailWhen(func(c fake.Call) bool { return c.Magnitude > 0 }, errors.New("driver overheated"))

	r := h.orch.Handle(context.Background(), "forward")
	if r.OK() {
		t.Fatalf("Expected error reply, got %+v", r)
	}
	if st := h.ctrl.State(); st.Moving {
		t.Errorf("Expected stopped after actuator fault, got %+v", st)
	}
	if r.Code != nil {
		t.Errorf("Expected no dispatch code on a processed command, got %v", r.Code)
	}
	last := h.audit.Recent(1)
	if len(last) != 1 || last[0].Response["reason"] != ReasonActuatorFault {
		t.Errorf("Expected actuator_fault audit entry, got %+v", last)
	}
}

// serialMotion detects overlapping calls.
type serialMotion struct {
	inFlight int32
	overlaps int32
	calls    int32
	speed    float64
}

func (m *serialMotion) enter() error {
	if atomic.AddInt32(&m.inFlight, 1) > 1 {
		atomic.AddInt32(&m.overlaps, 1)
	}
	time.Sleep(time.Millisecond)
	atomic.AddInt32(&m.calls, 1)
	atomic.AddInt32(&m.inFlight, -1)
	return nil
}

func (m *serialMotion) Forward(ctx context.Context) error { return m.enter() }
func (m *serialMotion) Backward(ctx context.Context) error { return m.enter() }
func (m *serialMotion) Left(ctx context.Context) error { return m.enter() }
func (m *serialMotion) Right(ctx context.Context) error { return m.enter() }
func (m *serialMotion) Stop(ctx context.Context) error { return m.enter() }
func (m *serialMotion) SetSpeed(ctx context.Context, v float64) error { return m.enter() }
func (m *serialMotion) State() motion.State { return motion.State{Speed: 0.7} }
func (m *serialMotion) Shutdown(ctx context.Context) {}

type memAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *memAudit) Record(ctx context.Context, command, status string, response map[string]interface{}) (audit.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := audit.Entry{Command: command, Status: status, Response: response}
	a.entries = append(a.entries, e)
	return e, nil
}

func TestSingleInFlight(t *testing.T) {
	m := &serialMotion{}
	a := &memAudit{}
	orch := NewOrchestrator(m, a, Options{CommandTimeout: time.Second, QueueSize: 2})
	defer orch.Close()

	var wg sync.WaitGroup
	verbs := []string{"forward", "left", "right", "backward", "stop"}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orch.Handle(context.Background(), verbs[i%len(verbs)])
		}(i)
	}
	wg.Wait()

	if m.overlaps != 0 {
		t.Errorf("Expected no overlapping commands, got %d", m.overlaps)
	}
	if m.calls != 20 {
		t.Errorf("Expected 20 processed commands, got %d", m.calls)
	}
	if len(a.entries) != 20 {
		t.Errorf("Expected 20 audit entries, got %d", len(a.entries))
	}
}

func TestCloseStopsVehicleAndRejectsLateCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if r := h.orch.Handle(ctx, "forward"); !r.OK() {
		t.Fatalf("Expected forward success, got %+v", r)
	}
	if err := h.orch.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if st := h.ctrl.State(); st.Moving {
		t.Errorf("Expected vehicle stopped after close, got %+v", st)
	}

	r := h.orch.Handle(ctx, "forward")
	if r.OK() || !errors.Is(r.Code, ErrUnavailable) {
		t.Errorf("Expected unavailable rejection after close, got %+v", r)
	}
	if h.ctrl.State().Moving {
		t.Error("Expected late command not to move the vehicle")
	}
	if got := h.audit.Len(); got != 1 {
		t.Errorf("Expected late command not audited, got %d entries", got)
	}
}

func TestBusyWhenQueueFull(t *testing.T) {
	m := &blockingMotion{release: make(chan struct{})}
	orch := NewOrchestrator(m, &memAudit{}, Options{CommandTimeout: time.Second, QueueSize: 1})
	defer orch.Close()
	defer close(m.release)

	// One command occupies the worker, one fills the queue
	go orch.Handle(context.Background(), "forward")
	go orch.Handle(context.Background(), "left")
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r := orch.Handle(ctx, "stop")
	if r.OK() || !errors.Is(r.Code, ErrBusy) {
		t.Errorf("Expected busy rejection, got %+v", r)
	}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(data), "Code") || strings.Contains(string(data), "code") {
		t.Errorf("Expected dispatch code kept off the wire, got %s", data)
	}
}

// blockingMotion holds every command until release is closed.
type blockingMotion struct {
	serialMotion
	release chan struct{}
}

func (m *blockingMotion) Forward(ctx context.Context) error {
	<-m.release
	return nil
}

func (m *blockingMotion) Left(ctx context.Context) error {
	<-m.release
	return nil
}
