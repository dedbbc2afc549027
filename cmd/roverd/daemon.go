package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rover-control/rover/internal/actuator"
	"github.com/rover-control/rover/internal/actuator/fake"
	"github.com/rover-control/rover/internal/actuator/serial"
	"github.com/rover-control/rover/internal/actuator/sysfs"
	"github.com/rover-control/rover/internal/api"
	"github.com/rover-control/rover/internal/audit"
	"github.com/rover-control/rover/internal/auth"
	"github.com/rover-control/rover/internal/command"
	"github.com/rover-control/rover/internal/config"
	"github.com/rover-control/rover/internal/motion"
	"github.com/rover-control/rover/internal/protocol"
	"github.com/rover-control/rover/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// daemon owns every long-lived component of roverd.
type daemon struct {
	cfg *config.Config
	log *slog.Logger

	act     actuator.Actuator
	ctrl    *motion.Controller
	history *audit.Log
	orch    *command.Orchestrator
	proto   *protocol.Server

	hub       *telemetry.Hub
	transport telemetry.Transport
	publisher *telemetry.Publisher

	api         *api.Server
	apiListener net.Listener
}

// newDaemon builds and binds every component. Anything opened before a
// failure is released again.
func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, log: logger}
	if err := d.open(); err != nil {
		d.release()
		return nil, err
	}
	return d, nil
}

// open constructs the components in dependency order.
func (d *daemon) open() error {
	cfg, logger := d.cfg, d.log
	var err error

	// A rover without a working actuator must not run
	if d.act, err = openActuator(cfg.Actuator); err != nil {
		return fmt.Errorf("failed to open %s actuator: %w", cfg.Actuator.Backend, err)
	}

	d.ctrl, err = motion.NewController(d.act, motion.Options{
		DefaultSpeed:   cfg.Motion.DefaultSpeed,
		TurnMode:       motion.TurnMode(cfg.Motion.TurnMode),
		PivotTurnRatio: cfg.Motion.PivotTurnRatio,
		SpeedPolicy:    motion.SpeedPolicy(cfg.Motion.SpeedPolicy),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	store, err := openAuditStore(cfg.Audit)
	if err != nil {
		return err
	}
	if d.history, err = audit.NewLog(store, cfg.Audit.MaxEntries, logger); err != nil {
		store.Close()
		return err
	}
	loaded := d.history.Load(context.Background())
	logger.Info("audit trail loaded", "entries", len(loaded), "backend", cfg.Audit.Backend)

	d.orch = command.NewOrchestrator(d.ctrl, d.history, command.Options{
		CommandTimeout: cfg.Command.CommandTimeout(),
		QueueSize:      cfg.Command.QueueSize,
		Logger:         logger,
	})

	d.proto, err = protocol.NewServer(d.orch, protocol.Options{
		AllowedCIDRs:   cfg.Command.AllowedCIDRs,
		MaxConnections: cfg.Command.MaxConnections,
		IdleTimeout:    cfg.Command.IdleTimeout(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	if err = d.proto.Listen(cfg.Command.ListenAddr); err != nil {
		return err
	}

	if cfg.Telemetry.Enabled {
		if err = d.setupTelemetry(); err != nil {
			return err
		}
	}

	if cfg.API.Enabled {
		if err = d.setupAPI(); err != nil {
			return err
		}
	}

	return nil
}

func (d *daemon) setupTelemetry() error {
	tc := d.cfg.Telemetry
	source, err := telemetry.NewPatternSource(tc.FrameWidth, tc.FrameHeight, tc.JPEGQuality)
	if err != nil {
		return err
	}

	switch tc.Transport {
	case "mqtt":
		client := telemetry.NewMQTTClient(tc.MQTT, d.log)
		// Auto-reconnect keeps trying in the background; frames drop until then
		if err := telemetry.ConnectMQTT(client, 5*time.Second); err != nil {
			d.log.Warn("mqtt broker not reachable yet", "error", err)
		}
		d.transport = telemetry.NewMQTTTransport(client, tc.MQTT.Topic, d.log)
	default:
		d.hub = telemetry.NewHub(telemetry.HubOptions{Logger: d.log})
		d.transport = d.hub
	}

	d.publisher, err = telemetry.NewPublisher(source, d.transport, telemetry.PublisherOptions{
		TargetFPS: tc.TargetFPS,
		Logger:    d.log,
	})
	return err
}

func (d *daemon) setupAPI() error {
	var verifier *auth.Verifier
	if d.cfg.API.AuthSecret != "" {
		v, err := auth.NewVerifier(d.cfg.API.AuthSecret)
		if err != nil {
			return err
		}
		verifier = v
	} else {
		d.log.Warn("http api running without authentication")
	}

	opts := api.Options{
		Dispatcher: d.orch,
		History:    d.history,
		Auth:       auth.NewMiddleware(verifier),
		Version:    Version,
		Logger:     d.log,
	}
	if d.hub != nil {
		opts.Telemetry = d.hub
	}

	var err error
	if d.api, err = api.NewServer(opts); err != nil {
		return err
	}
	if d.apiListener, err = net.Listen("tcp", d.cfg.API.ListenAddr); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.API.ListenAddr, err)
	}
	return nil
}

// run serves until ctx ends or a server fails, then shuts down in order.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// Telemetry has its own lifetime so it stops last
	telemetryCtx, stopTelemetry := context.WithCancel(context.Background())
	defer stopTelemetry()

	g.Go(func() error {
		if err := d.proto.Serve(); err != nil && !errors.Is(err, protocol.ErrServerClosed) {
			return fmt.Errorf("command server: %w", err)
		}
		return nil
	})

	if d.api != nil {
		g.Go(func() error {
			return d.api.Serve(d.apiListener)
		})
	}

	telemetryDone := make(chan struct{})
	if d.publisher != nil {
		go func() {
			defer close(telemetryDone)
			d.publisher.Run(telemetryCtx)
		}()
	} else {
		close(telemetryDone)
	}

	g.Go(func() error {
		<-gctx.Done()
		d.log.Info("shutting down")
		d.shutdown(stopTelemetry, telemetryDone)
		return nil
	})

	return g.Wait()
}

// shutdown stops accepting, stops the vehicle, flushes the audit trail,
// releases the actuator and finally ends telemetry.
func (d *daemon) shutdown(stopTelemetry context.CancelFunc, telemetryDone <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.proto.Shutdown(ctx); err != nil {
		d.log.Warn("command server did not drain in time", "error", err)
	}
	if d.api != nil {
		if err := d.api.Stop(ctx); err != nil {
			d.log.Warn("http api did not stop cleanly", "error", err)
		}
	}

	// Drains queued commands and forces a stop
	d.orch.Close()
	d.log.Info("vehicle stopped", "state", d.ctrl.State())

	if err := d.history.Flush(ctx); err != nil {
		d.log.Error("failed to flush audit trail", "error", err)
	}
	if err := d.history.Close(); err != nil {
		d.log.Warn("failed to close audit store", "error", err)
	}

	if err := d.act.Close(); err != nil {
		d.log.Error("failed to release actuator", "error", err)
	}

	stopTelemetry()
	<-telemetryDone
	if d.transport != nil {
		d.transport.Close()
	}
}

// release undoes a partial newDaemon.
func (d *daemon) release() {
	if d.apiListener != nil {
		d.apiListener.Close()
	}
	if d.transport != nil {
		d.transport.Close()
	}
	if d.proto != nil {
		d.proto.Shutdown(context.Background())
	}
	if d.orch != nil {
		d.orch.Close()
	}
	if d.history != nil {
		d.history.Close()
	}
	if d.act != nil {
		d.act.Close()
	}
}

// openActuator selects the wheel driver backend.
func openActuator(cfg config.ActuatorConfig) (actuator.Actuator, error) {
	switch cfg.Backend {
	case "fake":
		return fake.NewFakeActuator(), nil
	case "sysfs":
		act, err := sysfs.Open(cfg.Sysfs)
		if err != nil {
			return nil, err
		}
		return act, nil
	case "serial":
		act, err := serial.Open(cfg.Serial)
		if err != nil {
			return nil, err
		}
		return act, nil
	default:
		return nil, fmt.Errorf("unknown actuator backend %q", cfg.Backend)
	}
}

// openAuditStore selects the audit persistence backend.
func openAuditStore(cfg config.AuditConfig) (audit.Store, error) {
	switch cfg.Backend {
	case "json", "":
		return audit.NewFileStore(cfg.HistoryFile), nil
	case "sqlite":
		store, err := audit.OpenSQLite(cfg.HistoryFile)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.Backend)
	}
}
