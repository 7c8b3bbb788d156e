// Package session is the top-level state machine coordinating the
// transport, codec, reconciliation engine, and command outbox across
// connection lifecycles. State transitions are the only place a
// transport is opened or closed and the only place the session epoch
// moves.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fxamacker/cbor/v2"

	"skirmish/client/internal/outbox"
	"skirmish/client/internal/proto"
	"skirmish/client/internal/reconcile"
	"skirmish/client/internal/registry"
	"skirmish/client/internal/telemetry"
	"skirmish/client/internal/transport"
	"skirmish/client/logging"
	"skirmish/client/logging/netevents"
)

// ErrShuttingDown reports a submission against a session that is going
// away.
var ErrShuttingDown = errors.New("session: shutting down")

// State names one node of the session lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSyncing
	StateLive
	StateReconnecting
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// Command is one locally issued intent, addressed by the render-layer
// ref. DX/DY and Facing double as the optimistic prediction applied
// until the server confirms.
type Command struct {
	Target registry.Ref
	Verb   string
	DX     float64
	DY     float64
	Facing *float64
	Params map[string]cbor.RawMessage
}

// CommandFailure is the notification surfaced to the caller when a
// command is rejected, loses its target, or exhausts its retries.
type CommandFailure struct {
	Seq    uint64
	Verb   string
	Reason string
}

// Failure reasons.
const (
	FailReasonRetriesExhausted = "retries_exhausted"
	FailReasonRejected         = "rejected"
	FailReasonStaleRef         = "stale_ref"
	FailReasonEntityGone       = "entity_gone"
)

// Config is the startup configuration surface, read once at
// construction.
type Config struct {
	URL               string
	ClientID          string
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	ResyncTimeout     time.Duration
	MaxFrameBytes     int64
	Resend            outbox.Config
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
}

// Link is the controller's view of one transport session. Satisfied by
// *transport.Session; tests substitute an in-memory pair.
type Link interface {
	Send(frame []byte) error
	Inbound() <-chan []byte
	Closed() <-chan struct{}
	Err() error
	Close() error
}

// DialFunc opens one transport session.
type DialFunc func(ctx context.Context, cfg transport.Config, logger telemetry.Logger) (Link, error)

// NetDial adapts transport.Dial to DialFunc.
func NetDial(ctx context.Context, cfg transport.Config, logger telemetry.Logger) (Link, error) {
	return transport.Dial(ctx, cfg, logger)
}

// Deps carries the controller's collaborators.
type Deps struct {
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Dial      DialFunc
	Clock     func() time.Time
}

// submitRequest names its outbox entry by stable id, not sequence: a
// resync may renumber sequences while the request is still queued.
type submitRequest struct {
	id     uint64
	target registry.Ref
	cmd    Command
}

// Metric keys.
const (
	metricFramesIn       = "session_frames_in_total"
	metricFramesOut      = "session_frames_out_total"
	metricDecodeFailures = "session_decode_failures_total"
	metricStaleFrames    = "session_stale_frames_total"
	metricResyncs        = "session_resyncs_total"
	metricReconnects     = "session_reconnects_total"
)

// Stats is a point-in-time diagnostics snapshot.
type Stats struct {
	State          State
	Epoch          uint32
	Entities       int
	InFlight       int
	RTT            time.Duration
	FramesIn       uint64
	FramesOut      uint64
	DecodeFailures uint64
	StaleFrames    uint64
	Resyncs        uint64
	Reconnects     uint64
}

// Controller runs the network timeline. All registry and snapshot
// mutation happens on its Run goroutine; the render timeline talks to
// it through Submit/Cancel/Snapshot and the failure channel.
type Controller struct {
	cfg      Config
	dial     DialFunc
	logger   telemetry.Logger
	pub      logging.Publisher
	clock    func() time.Time
	engine   *reconcile.Engine
	store    *reconcile.Store
	box      *outbox.Outbox
	metrics  *telemetry.Counters
	backoff  *backoff.ExponentialBackOff
	link     Link
	epoch    atomic.Uint32
	state    atomic.Int32
	rttNanos atomic.Int64
	peerBeat atomic.Int64

	submits   chan submitRequest
	rollbacks chan uint64
	failures  chan CommandFailure
	shutdown  chan struct{}
	stopOnce  sync.Once

	nextDelay time.Duration
	attempt   int
}

// newBackoff builds the reconnect schedule. A fresh instance replaces
// the old one after every successful connect so the delay sequence
// starts over.
func newBackoff(cfg Config) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	if cfg.BackoffInitial > 0 {
		bo.InitialInterval = cfg.BackoffInitial
	}
	if cfg.BackoffMax > 0 {
		bo.MaxInterval = cfg.BackoffMax
	}
	return bo
}

// New builds a controller. Run must be called to start the network
// timeline.
func New(cfg Config, deps Deps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	pub := deps.Publisher
	if pub == nil {
		pub = logging.NopPublisher()
	}
	dialFn := deps.Dial
	if dialFn == nil {
		dialFn = NetDial
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	store := reconcile.NewStore()
	engine := reconcile.NewEngine(registry.New(), store, pub)

	return &Controller{
		cfg:       cfg,
		dial:      dialFn,
		logger:    logger,
		pub:       pub,
		clock:     clock,
		engine:    engine,
		store:     store,
		box:       outbox.New(cfg.Resend, clock),
		metrics:   telemetry.NewCounters(),
		backoff:   newBackoff(cfg),
		submits:   make(chan submitRequest, 256),
		rollbacks: make(chan uint64, 256),
		failures:  make(chan CommandFailure, 64),
		shutdown:  make(chan struct{}),
	}
}

// State reports the current lifecycle node.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Epoch reports the current session epoch.
func (c *Controller) Epoch() uint32 {
	return c.epoch.Load()
}

// Snapshot copies out the render-facing entity views.
func (c *Controller) Snapshot() []reconcile.EntityView {
	return c.store.Snapshot()
}

// Lookup returns the view for a ref; stale refs read as absent.
func (c *Controller) Lookup(ref registry.Ref) (reconcile.EntityView, bool) {
	return c.store.Get(ref)
}

// Failures delivers command-failure notifications for UI feedback.
func (c *Controller) Failures() <-chan CommandFailure {
	return c.failures
}

// Stats assembles the diagnostics snapshot.
func (c *Controller) Stats() Stats {
	return Stats{
		State:          c.State(),
		Epoch:          c.Epoch(),
		Entities:       c.store.Len(),
		InFlight:       c.box.InFlight(),
		RTT:            time.Duration(c.rttNanos.Load()),
		FramesIn:       c.metrics.Load(metricFramesIn),
		FramesOut:      c.metrics.Load(metricFramesOut),
		DecodeFailures: c.metrics.Load(metricDecodeFailures),
		StaleFrames:    c.metrics.Load(metricStaleFrames),
		Resyncs:        c.metrics.Load(metricResyncs),
		Reconnects:     c.metrics.Load(metricReconnects),
	}
}

// Submit queues one intent. The returned sequence number can be used
// to cancel the command before it is acknowledged.
func (c *Controller) Submit(cmd Command) (uint64, error) {
	if c.State() == StateShuttingDown {
		return 0, ErrShuttingDown
	}
	entry := c.box.Submit(proto.Command{
		Verb:   cmd.Verb,
		DX:     cmd.DX,
		DY:     cmd.DY,
		Facing: cmd.Facing,
		Params: cmd.Params,
	})
	select {
	case c.submits <- submitRequest{id: entry.ID, target: cmd.Target, cmd: cmd}:
		return entry.Seq, nil
	case <-c.shutdown:
		c.box.Cancel(entry.Seq)
		return 0, ErrShuttingDown
	}
}

// Cancel removes an unacknowledged command. The outbox entry goes away
// synchronously; the predicted mutation is rolled back on the message
// path, addressed by the entry's stable id so a concurrent epoch rebase
// cannot redirect the rollback onto a live command.
func (c *Controller) Cancel(seq uint64) bool {
	entry, ok := c.box.Cancel(seq)
	if !ok {
		return false
	}
	select {
	case c.rollbacks <- entry.ID:
	case <-c.shutdown:
	}
	return true
}

// Shutdown requests a terminal stop. Idempotent.
func (c *Controller) Shutdown() {
	c.stopOnce.Do(func() { close(c.shutdown) })
}

// Run drives the state machine until shutdown or context cancellation.
func (c *Controller) Run(ctx context.Context) error {
	defer func() {
		c.setState(StateShuttingDown)
		c.closeLink()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.shutdown:
			return nil
		default:
		}
		switch c.State() {
		case StateDisconnected:
			c.setState(StateConnecting)
		case StateConnecting:
			c.connect(ctx)
		case StateSyncing:
			c.sync(ctx)
		case StateLive:
			c.live(ctx)
		case StateReconnecting:
			if !c.waitBackoff(ctx) {
				return nil
			}
			c.setState(StateConnecting)
		case StateShuttingDown:
			return nil
		}
	}
}

func (c *Controller) setState(next State) {
	c.state.Store(int32(next))
}

func (c *Controller) closeLink() {
	if c.link != nil {
		c.link.Close()
		c.link = nil
	}
}

func (c *Controller) waitBackoff(ctx context.Context) bool {
	delay := c.nextDelay
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.shutdown:
		return false
	}
}

func (c *Controller) connect(ctx context.Context) {
	c.attempt++
	link, err := c.dial(ctx, transport.Config{
		URL:               c.cfg.URL,
		DialTimeout:       c.cfg.DialTimeout,
		WriteTimeout:      c.cfg.WriteTimeout,
		HeartbeatInterval: c.cfg.HeartbeatInterval,
		MaxFrameBytes:     c.cfg.MaxFrameBytes,
		Heartbeat:         c.heartbeatFrame,
	}, c.logger)
	if err != nil {
		netevents.ConnectFailed(ctx, c.pub, c.Epoch(), netevents.ConnectPayload{
			URL:     c.cfg.URL,
			Attempt: c.attempt,
			Error:   err.Error(),
		})
		c.nextDelay = c.backoff.NextBackOff()
		c.setState(StateReconnecting)
		return
	}
	c.link = link
	c.backoff = newBackoff(c.cfg)
	c.nextDelay = 0
	netevents.Connected(ctx, c.pub, c.Epoch(), netevents.ConnectPayload{URL: c.cfg.URL, Attempt: c.attempt})
	c.attempt = 0

	if err := c.sendHello(ctx); err != nil {
		c.dropLink(ctx, fmt.Sprintf("hello failed: %v", err))
		return
	}
	c.setState(StateSyncing)
}

func (c *Controller) sendHello(ctx context.Context) error {
	return c.sendFrame(proto.Frame{
		Epoch: c.Epoch(),
		Msg:   proto.SessionHello{ClientID: c.cfg.ClientID, ResumeEpoch: c.Epoch()},
	})
}

// dropLink tears down the current transport and schedules a reconnect.
func (c *Controller) dropLink(ctx context.Context, reason string) {
	netevents.Disconnected(ctx, c.pub, c.Epoch(), reason)
	c.metrics.Add(metricReconnects, 1)
	c.closeLink()
	c.engine.Disconnect()
	c.nextDelay = c.backoff.NextBackOff()
	c.setState(StateReconnecting)
}

func (c *Controller) sync(ctx context.Context) {
	resyncTimeout := c.cfg.ResyncTimeout
	if resyncTimeout <= 0 {
		resyncTimeout = 10 * time.Second
	}
	timer := time.NewTimer(resyncTimeout)
	defer timer.Stop()
	for c.State() == StateSyncing {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			c.setState(StateShuttingDown)
			return
		case <-timer.C:
			c.dropLink(ctx, "resync timeout")
			return
		case <-c.link.Closed():
			c.dropLink(ctx, closeReason(c.link))
			return
		case raw, ok := <-c.link.Inbound():
			if !ok {
				c.dropLink(ctx, closeReason(c.link))
				return
			}
			c.handleFrame(ctx, raw)
		}
	}
}

func (c *Controller) live(ctx context.Context) {
	interval := c.cfg.Resend.ResendTimeout
	if interval <= 0 {
		interval = outbox.DefaultConfig().ResendTimeout
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for c.State() == StateLive {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			c.setState(StateShuttingDown)
			return
		case <-c.link.Closed():
			c.dropLink(ctx, closeReason(c.link))
			return
		case raw, ok := <-c.link.Inbound():
			if !ok {
				c.dropLink(ctx, closeReason(c.link))
				return
			}
			c.handleFrame(ctx, raw)
			c.escalateIfNeeded(ctx)
		case <-ticker.C:
			c.resendDue(ctx)
		case req := <-c.submits:
			c.processSubmit(ctx, req)
		case id := <-c.rollbacks:
			c.engine.DropPrediction(id)
		}
	}
}

func closeReason(link Link) string {
	if err := link.Err(); err != nil {
		return err.Error()
	}
	return "closed"
}

func (c *Controller) handleFrame(ctx context.Context, raw []byte) {
	c.metrics.Add(metricFramesIn, 1)
	frame, err := proto.Decode(raw)
	switch {
	case err == nil:
	case errors.Is(err, proto.ErrUnknownTag):
		netevents.UnknownTag(ctx, c.pub, c.Epoch(), err)
		return
	default:
		// Truncated or malformed frames mean the stream itself cannot be
		// trusted any further.
		c.metrics.Add(metricDecodeFailures, 1)
		netevents.DecodeFailed(ctx, c.pub, c.Epoch(), err)
		c.dropLink(ctx, "decode failure")
		return
	}

	switch msg := frame.Msg.(type) {
	case proto.SessionResync:
		c.applyResync(ctx, msg)
	case proto.Heartbeat:
		c.handleHeartbeat(msg)
	default:
		if frame.Epoch != c.Epoch() {
			c.metrics.Add(metricStaleFrames, 1)
			netevents.StaleFrame(ctx, c.pub, c.Epoch(), frame.Epoch)
			return
		}
		c.dispatch(ctx, frame, msg)
	}
}

func (c *Controller) dispatch(ctx context.Context, frame proto.Frame, msg proto.Message) {
	switch m := msg.(type) {
	case proto.EntityAppeared:
		if err := c.engine.ApplyAppeared(ctx, m); err != nil {
			c.logger.Printf("session: %v", err)
		}
	case proto.EntityUpdated:
		if err := c.engine.ApplyUpdated(ctx, m); err != nil {
			c.logger.Printf("session: %v", err)
		}
	case proto.EntityRemoved:
		if err := c.engine.ApplyRemoved(ctx, m); err != nil {
			c.logger.Printf("session: %v", err)
		}
	case proto.CommandAck:
		previous := c.box.LastAcked()
		if _, regressed := c.box.Ack(frame.Seq); regressed {
			netevents.AckRegression(ctx, c.pub, c.Epoch(), previous, frame.Seq)
			return
		}
		c.engine.ApplyAck(ctx, frame.Seq, m)
	case proto.CommandReject:
		entry, ok := c.box.Reject(frame.Seq)
		c.engine.ApplyReject(ctx, frame.Seq, m)
		if ok {
			c.reportFailure(ctx, entry.Seq, entry.Cmd.Verb, reasonOr(m.Reason, FailReasonRejected), entry.Retries)
		}
	case proto.SessionHello:
		// Server never sends hello; tolerated for symmetry.
		c.logger.Printf("session: unexpected hello from server")
	}
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

func (c *Controller) applyResync(ctx context.Context, msg proto.SessionResync) {
	c.metrics.Add(metricResyncs, 1)

	// Queued submits bind and predict against the world the server is
	// about to replace, so the resync can retain or drop them like any
	// other in-flight command.
	c.drainSubmits(ctx)

	result := c.engine.ApplyResync(ctx, msg)
	c.epoch.Store(msg.Epoch)

	for _, entry := range c.box.Fail(result.DroppedSeqs) {
		c.engine.DropPrediction(entry.ID)
		c.reportFailure(ctx, entry.Seq, entry.Cmd.Verb, FailReasonEntityGone, entry.Retries)
	}

	remaps := c.box.Rebase()
	seqRemaps := make([]reconcile.SeqRemap, len(remaps))
	for i, remap := range remaps {
		seqRemaps[i] = reconcile.SeqRemap{Old: remap.Old, New: remap.New}
	}
	c.engine.RemapPending(seqRemaps)
	for _, remap := range remaps {
		// An unbound command never went out; its submit request is
		// still queued and will send it once processed.
		if remap.Cmd.ServerID == 0 {
			continue
		}
		if err := c.sendFrame(proto.Frame{Epoch: msg.Epoch, Seq: remap.New, Msg: remap.Cmd}); err != nil {
			return
		}
	}
	if c.State() == StateSyncing {
		c.setState(StateLive)
	}
}

func (c *Controller) drainSubmits(ctx context.Context) {
	for {
		select {
		case req := <-c.submits:
			c.processSubmit(ctx, req)
		default:
			return
		}
	}
}

func (c *Controller) handleHeartbeat(msg proto.Heartbeat) {
	c.peerBeat.Store(msg.SentAt)
	if msg.Echo != 0 {
		rtt := c.clock().UnixMilli() - msg.Echo
		if rtt >= 0 {
			c.rttNanos.Store(int64(time.Duration(rtt) * time.Millisecond))
		}
	}
}

// heartbeatFrame builds the periodic heartbeat. Called from the
// transport's timer goroutine; touches atomics and the pure codec only.
func (c *Controller) heartbeatFrame() ([]byte, error) {
	return proto.Encode(proto.Frame{
		Epoch: c.Epoch(),
		Msg: proto.Heartbeat{
			SentAt: c.clock().UnixMilli(),
			Echo:   c.peerBeat.Load(),
		},
	})
}

func (c *Controller) escalateIfNeeded(ctx context.Context) {
	reasons, need := c.engine.NeedResync()
	if !need {
		return
	}
	netevents.ResyncRequested(ctx, c.pub, c.Epoch(), reasons)
	if err := c.sendHello(ctx); err != nil {
		c.dropLink(ctx, fmt.Sprintf("resync request failed: %v", err))
	}
}

func (c *Controller) resendDue(ctx context.Context) {
	resend, failed := c.box.Due(c.clock())
	for _, entry := range failed {
		c.engine.DropPrediction(entry.ID)
		c.reportFailure(ctx, entry.Seq, entry.Cmd.Verb, FailReasonRetriesExhausted, entry.Retries)
	}
	for _, entry := range resend {
		netevents.CommandRetried(ctx, c.pub, c.Epoch(), entry.Seq, netevents.CommandPayload{
			Verb:    entry.Cmd.Verb,
			Retries: entry.Retries,
		})
		if err := c.sendFrame(proto.Frame{Epoch: c.Epoch(), Seq: entry.Seq, Msg: entry.Cmd}); err != nil {
			return
		}
	}
}

func (c *Controller) processSubmit(ctx context.Context, req submitRequest) {
	// The command may have been cancelled between Submit and now; a
	// resync may also have renumbered its sequence, so the lookup goes
	// by stable id.
	entry, ok := c.box.EntryByID(req.id)
	if !ok {
		return
	}
	serverID, ok := c.engine.ResolveRef(req.target)
	if !ok {
		c.box.Cancel(entry.Seq)
		c.reportFailure(ctx, entry.Seq, entry.Cmd.Verb, FailReasonStaleRef, 0)
		return
	}
	c.box.BindEntity(req.id, serverID)
	if err := c.engine.Predict(req.target, entry.Seq, reconcile.Mutation{
		ID:     entry.ID,
		DX:     req.cmd.DX,
		DY:     req.cmd.DY,
		Facing: req.cmd.Facing,
	}); err != nil {
		c.logger.Printf("session: %v", err)
	}
	cmd := entry.Cmd
	cmd.ServerID = serverID
	if err := c.sendFrame(proto.Frame{Epoch: c.Epoch(), Seq: entry.Seq, Msg: cmd}); err != nil {
		return
	}
}

func (c *Controller) sendFrame(frame proto.Frame) error {
	data, err := proto.Encode(frame)
	if err != nil {
		return err
	}
	if c.link == nil {
		return transport.ErrClosed
	}
	if err := c.link.Send(data); err != nil {
		return err
	}
	c.metrics.Add(metricFramesOut, 1)
	return nil
}

func (c *Controller) reportFailure(ctx context.Context, seq uint64, verb, reason string, retries int) {
	failure := CommandFailure{Seq: seq, Verb: verb, Reason: reason}
	select {
	case c.failures <- failure:
	default:
		c.logger.Printf("session: failure queue full, dropping notification seq=%d reason=%s", seq, reason)
	}
	netevents.CommandFailed(ctx, c.pub, c.Epoch(), seq, netevents.CommandPayload{
		Verb:    verb,
		Retries: retries,
		Reason:  reason,
	})
}
