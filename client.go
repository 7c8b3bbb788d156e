// Package client is the embedding surface for the synchronization
// engine: it owns the session controller, the logging router, and their
// lifecycles, and exposes the render-facing read and command APIs.
package client

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"skirmish/client/internal/outbox"
	"skirmish/client/internal/reconcile"
	"skirmish/client/internal/registry"
	"skirmish/client/internal/session"
	"skirmish/client/internal/telemetry"
	"skirmish/client/logging"
	"skirmish/client/logging/sinks"
)

// Command re-exports the session command type for embedders.
type Command = session.Command

// CommandFailure re-exports the failure notification type.
type CommandFailure = session.CommandFailure

// Stats re-exports the session diagnostics snapshot.
type Stats = session.Stats

// Client wires a session controller to a logging router and runs both.
type Client struct {
	cfg    Config
	router *logging.Router
	ctrl   *session.Controller
	memory *sinks.MemorySink
}

// New validates cfg and assembles a stopped client; Run starts it.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	memory := sinks.NewMemorySink()
	router := logging.NewRouter(logging.Config{
		EnabledSinks:    cfg.LogSinks,
		BufferSize:      cfg.LogBuffer,
		MinimumSeverity: logging.SeverityDebug,
		Fields:          map[string]any{"clientId": cfg.ClientID},
	}, nil, []logging.NamedSink{
		{Name: "console", Sink: sinks.NewConsoleSink(os.Stderr)},
		{Name: "memory", Sink: memory},
	})

	ctrl := session.New(session.Config{
		URL:               cfg.URL,
		ClientID:          cfg.ClientID,
		DialTimeout:       cfg.DialTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ResyncTimeout:     cfg.ResyncTimeout,
		MaxFrameBytes:     cfg.MaxFrameBytes,
		Resend:            outbox.Config{ResendTimeout: cfg.ResendTimeout, MaxRetries: cfg.MaxRetries},
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
	}, session.Deps{
		Logger:    telemetry.WrapLogger(log.New(os.Stderr, "[session] ", log.LstdFlags)),
		Publisher: router,
	})

	return &Client{cfg: cfg, router: router, ctrl: ctrl, memory: memory}, nil
}

// Run drives the network timeline until ctx is cancelled or Close is
// called, then flushes the logging router.
func (c *Client) Run(ctx context.Context) error {
	err := c.ctrl.Run(ctx)
	flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if closeErr := c.router.Close(flushCtx); err == nil {
		err = closeErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close requests shutdown; Run returns once the network timeline stops.
func (c *Client) Close() {
	c.ctrl.Shutdown()
}

// Submit queues one command against a render-layer ref.
func (c *Client) Submit(cmd Command) (uint64, error) {
	return c.ctrl.Submit(cmd)
}

// Cancel withdraws an unacknowledged command.
func (c *Client) Cancel(seq uint64) bool {
	return c.ctrl.Cancel(seq)
}

// Snapshot copies out every visible entity for rendering.
func (c *Client) Snapshot() []reconcile.EntityView {
	return c.ctrl.Snapshot()
}

// Lookup reads one entity by ref; stale refs read as absent.
func (c *Client) Lookup(ref registry.Ref) (reconcile.EntityView, bool) {
	return c.ctrl.Lookup(ref)
}

// Failures delivers command-failure notifications.
func (c *Client) Failures() <-chan CommandFailure {
	return c.ctrl.Failures()
}

// Stats reports session diagnostics.
func (c *Client) Stats() Stats {
	return c.ctrl.Stats()
}

// State reports the session lifecycle state.
func (c *Client) State() session.State {
	return c.ctrl.State()
}

// Events returns the buffered event log when the memory sink is
// enabled, newest last.
func (c *Client) Events() []logging.Event {
	if c.router.Sink("memory") == nil {
		return nil
	}
	return c.memory.Events()
}
