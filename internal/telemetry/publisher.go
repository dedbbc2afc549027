package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/rover-control/rover/internal/logging"
)

// ErrLinkDown is returned by a transport that dropped a payload because it
// has no live connection.
var ErrLinkDown = errors.New("telemetry: link down")

// Transport pushes encoded frames outward. Publish must not block on slow
// or absent receivers.
type Transport interface {
	Publish(payload []byte) error
	Close() error
}

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	TargetFPS float64
	Logger    *slog.Logger
}

// PublisherStats counts what the publish loop did.
type PublisherStats struct {
	Published uint64
	Skipped   uint64
	Failed    uint64
}

// Publisher pulls frames from a source at a fixed cadence and hands them to a transport.
type Publisher struct {
	source    FrameSource
	transport Transport
	interval  time.Duration
	log       *slog.Logger

	published atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
}

// NewPublisher creates a publisher.
func NewPublisher(source FrameSource, transport Transport, opts PublisherOptions) (*Publisher, error) {
	if source == nil {
		return nil, fmt.Errorf("frame source is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if !(opts.TargetFPS > 0) || math.IsInf(opts.TargetFPS, 0) {
		return nil, fmt.Errorf("target fps must be positive, got %v", opts.TargetFPS)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Publisher{
		source:    source,
		transport: transport,
		interval:  time.Duration(float64(time.Second) / opts.TargetFPS),
		log:       logger.With("component", "telemetry"),
	}, nil
}

// Interval returns the time between two publish attempts.
func (p *Publisher) Interval() time.Duration {
	return p.interval
}

// Run publishes until ctx ends or the source reports io.EOF.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("telemetry publisher started", "interval", p.interval)
	defer p.log.Info("telemetry publisher stopped",
		"published", p.published.Load(), "skipped", p.skipped.Load(), "failed", p.failed.Load())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, err := p.source.NextFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			p.skipped.Add(1)
			p.log.Warn("frame capture failed, skipping tick", "error", err)
			continue
		}

		// Fire and forget
		if err := p.transport.Publish(Encode(frame)); err != nil {
			p.failed.Add(1)
			p.log.Debug("frame dropped", "error", err)
			continue
		}
		p.published.Add(1)
	}
}

// Stats returns a snapshot of the loop counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Skipped:   p.skipped.Load(),
		Failed:    p.failed.Load(),
	}
}
