package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rover-control/rover/internal/actuator"
	"github.com/rover-control/rover/internal/actuator/fake"
	"github.com/rover-control/rover/internal/audit"
	"github.com/rover-control/rover/internal/config"
	"github.com/rover-control/rover/internal/logging"
	"github.com/rover-control/rover/internal/protocol"
	"github.com/rover-control/rover/internal/telemetry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Command.ListenAddr = "127.0.0.1:0"
	cfg.API.Enabled = true
	cfg.API.ListenAddr = "127.0.0.1:0"
	cfg.Audit.HistoryFile = filepath.Join(t.TempDir(), "robot_command_history.json")
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Transport = "websocket"
	cfg.Telemetry.TargetFPS = 50
	cfg.Telemetry.FrameWidth = 32
	cfg.Telemetry.FrameHeight = 24
	return cfg
}

func TestDaemonLifecycle(t *testing.T) {
	cfg := testConfig(t)
	d, err := newDaemon(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("newDaemon failed: %v", err)
	}
	act := d.act.(*fake.FakeActuator)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.run(ctx) }()

	client, err := protocol.Dial(context.Background(), d.proto.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	reply, err := client.Send(context.Background(), "forward")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !reply.OK() || reply.Speed != 0.7 {
		t.Fatalf("Expected forward success at 0.7, got %+v", reply)
	}
	if w := act.Wheel(actuator.Left); w.Direction != actuator.Forward || w.Magnitude != 0.7 {
		t.Errorf("Expected left wheel forward at 0.7, got %+v", w)
	}

	// Telemetry is independent of the command path
	recv := telemetry.NewReceiver(2*time.Second, nil)
	feed, err := telemetry.DialWebSocket(context.Background(),
		"ws://"+d.apiListener.Addr().String()+"/api/v1/telemetry", nil, recv)
	if err != nil {
		t.Fatalf("DialWebSocket failed: %v", err)
	}
	defer feed.Close()
	frame, err := recv.Receive(context.Background())
	if err != nil {
		t.Fatalf("Expected a telemetry frame, got %v", err)
	}
	if len(frame) < 2 || frame[0] != 0xff || frame[1] != 0xd8 {
		t.Errorf("Expected JPEG frame, got % x", frame[:min(len(frame), 4)])
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	if st := d.ctrl.State(); st.Moving {
		t.Errorf("Expected vehicle stopped on shutdown, got %+v", st)
	}
	if !act.Closed() {
		t.Error("Expected actuator released on shutdown")
	}
	for _, side := range []actuator.Side{actuator.Left, actuator.Right} {
		if w := act.Wheel(side); w.Magnitude != 0 {
			t.Errorf("Expected %v wheel at rest, got %+v", side, w)
		}
	}

	data, err := os.ReadFile(cfg.Audit.HistoryFile)
	if err != nil {
		t.Fatalf("Expected audit trail on disk: %v", err)
	}
	if !strings.Contains(string(data), `"command": "forward"`) {
		t.Errorf("Expected forward in persisted trail, got %s", data)
	}
}

func TestNewDaemonFailsWithoutActuator(t *testing.T) {
	cfg := testConfig(t)
	cfg.Actuator.Backend = "serial"
	cfg.Actuator.Serial.Port = filepath.Join(t.TempDir(), "no-such-tty")

	if _, err := newDaemon(cfg, logging.Discard()); err == nil {
		t.Fatal("Expected startup to fail when the actuator cannot be opened")
	}
}

func TestNewDaemonFailsOnBusyPort(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer taken.Close()

	tests := []struct {
		name  string
		apply func(cfg *config.Config)
	}{
		{"command", func(cfg *config.Config) { cfg.Command.ListenAddr = taken.Addr().String() }},
		{"api", func(cfg *config.Config) { cfg.API.ListenAddr = taken.Addr().String() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.apply(cfg)
			d, err := newDaemon(cfg, logging.Discard())
			if err == nil {
				t.Fatal("Expected startup to fail on a busy port")
			}
			if d != nil {
				t.Errorf("Expected no daemon on failure, got %+v", d)
			}

			// Everything opened before the failure was released, so the
			// same configuration starts once the port is free
			cfg.Command.ListenAddr = "127.0.0.1:0"
			cfg.API.ListenAddr = "127.0.0.1:0"
			d, err = newDaemon(cfg, logging.Discard())
			if err != nil {
				t.Fatalf("Expected startup to succeed, got %v", err)
			}
			d.release()
		})
	}
}

func TestOpenAuditStore(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		backend string
		wantErr bool
	}{
		{"json", false},
		{"", false},
		{"sqlite", false},
		{"redis", true},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			store, err := openAuditStore(config.AuditConfig{
				Backend:     tt.backend,
				HistoryFile: filepath.Join(dir, "history-"+tt.backend+".db"),
				MaxEntries:  10,
			})
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("openAuditStore failed: %v", err)
			}
			defer store.Close()

			if err := store.Save(context.Background(), []audit.Entry{{Timestamp: "t", Command: "stop", Status: "success"}}); err != nil {
				t.Errorf("Save failed: %v", err)
			}
		})
	}
}

func TestOpenActuatorUnknownBackend(t *testing.T) {
	if _, err := openActuator(config.ActuatorConfig{Backend: "can"}); err == nil {
		t.Error("Expected error for unknown backend")
	}
}
