// Command roverview watches the rover's camera stream and keeps the newest
// frame in a file, so any image viewer that reloads on change can display it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/rover-control/rover/internal/auth"
	"github.com/rover-control/rover/internal/config"
	"github.com/rover-control/rover/internal/logging"
	"github.com/rover-control/rover/internal/telemetry"
)

type Options struct {
	URL      string        `short:"u" long:"url" default:"ws://127.0.0.1:8080/api/v1/telemetry" description:"Telemetry WebSocket URL"`
	Broker   string        `long:"mqtt-broker" description:"Subscribe over MQTT to this broker instead of WebSocket"`
	Topic    string        `long:"mqtt-topic" default:"rover/video" description:"MQTT topic carrying frames"`
	Out      string        `short:"o" long:"out" default:"rover.jpg" description:"File that receives the newest frame"`
	Interval time.Duration `long:"interval" default:"100ms" description:"How often to check for a new frame"`
	Timeout  time.Duration `long:"timeout" default:"5s" description:"Report a stall after this long without frames"`
	Token    string        `long:"token" env:"ROVER_TOKEN" description:"Bearer token for the telemetry endpoint"`
	Secret   string        `long:"secret" env:"ROVER_AUTH_SECRET" description:"Mint a telemetry token with this shared secret"`
	LogLevel string        `long:"log-level" default:"info" description:"Log level"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	parser.LongDescription = "roverview - save the newest rover camera frame to a file"

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	logger, closer, err := logging.New(logging.Options{Level: opts.LogLevel, Console: os.Stderr})
	if err != nil {
		fmt.Fprintf(os.Stderr, "roverview: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recv := telemetry.NewReceiver(opts.Timeout, logger)
	if opts.Broker != "" {
		client := telemetry.NewMQTTClient(config.MQTTConfig{
			Broker:   opts.Broker,
			Topic:    opts.Topic,
			ClientID: fmt.Sprintf("roverview-%d", os.Getpid()),
		}, logger)
		if err := telemetry.ConnectMQTT(client, 10*time.Second); err != nil {
			logger.Error("mqtt connect failed", "error", err)
			os.Exit(1)
		}
		defer client.Disconnect(250)
		if err := telemetry.SubscribeMQTT(client, opts.Topic, recv, 10*time.Second); err != nil {
			logger.Error("mqtt subscribe failed", "error", err)
			os.Exit(1)
		}
	} else {
		header, err := authHeader(opts)
		if err != nil {
			logger.Error("cannot build credentials", "error", err)
			os.Exit(1)
		}
		go keepDialing(ctx, opts.URL, header, recv, logger)
	}

	sink := &fileSink{path: opts.Out}
	watch(ctx, recv, sink, opts.Interval, logger)
}

func authHeader(opts Options) (http.Header, error) {
	token := opts.Token
	if token == "" && opts.Secret != "" {
		var err error
		token, err = auth.IssueToken(opts.Secret, "roverview", []string{auth.ScopeTelemetry}, 24*time.Hour)
		if err != nil {
			return nil, err
		}
	}
	if token == "" {
		return nil, nil
	}
	return http.Header{"Authorization": []string{"Bearer " + token}}, nil
}

// keepDialing holds a WebSocket feed open, redialing after the link drops.
func keepDialing(ctx context.Context, url string, header http.Header, recv *telemetry.Receiver, log *slog.Logger) {
	const retry = 2 * time.Second
	for ctx.Err() == nil {
		feed, err := telemetry.DialWebSocket(ctx, url, header, recv)
		if err != nil {
			log.Warn("telemetry dial failed", "url", url, "error", err)
		} else {
			log.Info("telemetry connected", "url", url)
			select {
			case <-ctx.Done():
				feed.Close()
				return
			case <-feed.Done():
				log.Warn("telemetry link closed", "error", feed.Err())
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

// frameSink receives frames the viewer decided to show.
type frameSink interface {
	Show(f telemetry.Frame) error
}

// watch polls the receiver at its own cadence and reports stalls once per episode.
func watch(ctx context.Context, recv *telemetry.Receiver, sink frameSink, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	stalled := false
	shown := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("viewer stopped", "shown", shown, "received", recv.Received(), "skipped", recv.Dropped())
			return
		case <-ticker.C:
		}

		frame, res := recv.Poll()
		switch res {
		case telemetry.FrameReady:
			if stalled {
				log.Info("telemetry resumed")
				stalled = false
			}
			if err := sink.Show(frame); err != nil {
				log.Warn("failed to show frame", "error", err)
				continue
			}
			shown++
			log.Debug("frame shown", "size", humanize.Bytes(uint64(len(frame))), "skipped", recv.Dropped())
		case telemetry.Stalled:
			if !stalled {
				log.Warn("telemetry stalled", "received", recv.Received())
				stalled = true
			}
		}
	}
}

// fileSink replaces a file with each frame, so readers never see a partial image.
type fileSink struct {
	path string
}

func (s *fileSink) Show(f telemetry.Frame) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".frame-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(f); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}
