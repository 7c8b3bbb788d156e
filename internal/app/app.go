// Package app boots the synchronization client for the netprobe
// diagnostic binary: configuration from the environment, signal
// handling, and a periodic stats report.
package app

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	client "skirmish/client"
	"skirmish/client/internal/telemetry"
)

// Config carries the overridable collaborators.
type Config struct {
	Logger        telemetry.Logger
	StatsInterval time.Duration
}

// Run connects, then reports session stats and command failures until
// interrupted.
func Run(ctx context.Context, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	interval := cfg.StatsInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	clientCfg, err := client.FromEnv()
	if err != nil {
		return err
	}
	c, err := client.New(clientCfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case err := <-runErr:
			return err
		case <-ctx.Done():
			c.Close()
			return <-runErr
		case failure := <-c.Failures():
			logger.Printf("command seq=%d verb=%s failed: %s", failure.Seq, failure.Verb, failure.Reason)
		case <-ticker.C:
			stats := c.Stats()
			logger.Printf("state=%s epoch=%d entities=%d inflight=%d rtt=%s frames_in=%d frames_out=%d resyncs=%d reconnects=%d",
				stats.State, stats.Epoch, stats.Entities, stats.InFlight, stats.RTT,
				stats.FramesIn, stats.FramesOut, stats.Resyncs, stats.Reconnects)
		}
	}
}
