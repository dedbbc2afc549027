// Command roverd drives the rover: it serves motion commands over TCP,
// records them in the audit trail and streams camera telemetry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/rover-control/rover/internal/config"
	"github.com/rover-control/rover/internal/logging"
)

// Version is set at build time.
var Version = "dev"

type Options struct {
	Config   string `short:"c" long:"config" env:"ROVER_CONFIG" description:"Path to YAML configuration file"`
	LogLevel string `long:"log-level" description:"Override log level (debug, info, warn, error)"`
	Version  bool   `long:"version" description:"Print version and exit"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	parser.LongDescription = "roverd - two-wheel rover control daemon"

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if opts.Version {
		fmt.Println(Version)
		return
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "roverd: %v\n", err)
		os.Exit(1)
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}

	logger, closer, err := logging.New(logging.FromConfig(cfg.Log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "roverd: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	logger.Info("starting roverd", "version", Version, "actuator", cfg.Actuator.Backend, "audit", cfg.Audit.Backend)

	d, err := newDaemon(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		closer.Close()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.run(ctx); err != nil {
		logger.Error("roverd stopped with error", "error", err)
		closer.Close()
		os.Exit(1)
	}
	logger.Info("roverd shutdown complete")
}
