// Package netevents publishes the sync engine's structured events.
package netevents

import (
	"context"

	"skirmish/client/logging"
)

const (
	// EventConnected is emitted when a transport stream is established.
	EventConnected logging.EventType = "session.connected"
	// EventConnectFailed is emitted when a connect attempt fails.
	EventConnectFailed logging.EventType = "session.connect_failed"
	// EventDisconnected is emitted when the live stream closes.
	EventDisconnected logging.EventType = "session.disconnected"
	// EventEpochAdvanced is emitted when a resync opens a new epoch.
	EventEpochAdvanced logging.EventType = "session.epoch_advanced"
	// EventResyncRequested is emitted when the client asks the server to
	// restate the world after an invariant violation.
	EventResyncRequested logging.EventType = "session.resync_requested"
	// EventStaleFrame is emitted when a frame from an old epoch is dropped.
	EventStaleFrame logging.EventType = "session.stale_frame"
	// EventDecodeFailed is emitted when an inbound frame cannot be decoded.
	EventDecodeFailed logging.EventType = "transport.decode_failed"
	// EventUnknownTag is emitted when a frame carries a tag this client
	// predates. The frame is dropped, the stream survives.
	EventUnknownTag logging.EventType = "transport.unknown_tag"
	// EventProtocolViolation is emitted on duplicate appears, updates for
	// unknown entities, and similar server-side invariant breaks.
	EventProtocolViolation logging.EventType = "entity.protocol_violation"
	// EventCommandRetried is emitted when an unacknowledged command is resent.
	EventCommandRetried logging.EventType = "command.retried"
	// EventCommandFailed is emitted when a command exhausts its retries.
	EventCommandFailed logging.EventType = "command.failed"
	// EventAckRegression is emitted when the server acknowledges a
	// sequence lower than one it already acknowledged.
	EventAckRegression logging.EventType = "command.ack_regression"
)

// ConnectPayload carries connection attempt details.
type ConnectPayload struct {
	URL     string `json:"url"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Connected publishes an info event for an established stream.
func Connected(ctx context.Context, pub logging.Publisher, epoch uint32, payload ConnectPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventConnected,
		Epoch:    epoch,
		Subject:  logging.Subject{Kind: logging.SubjectTransport},
		Severity: logging.SeverityInfo,
		Payload:  payload,
	})
}

// ConnectFailed publishes a warning for a failed connect attempt.
func ConnectFailed(ctx context.Context, pub logging.Publisher, epoch uint32, payload ConnectPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventConnectFailed,
		Epoch:    epoch,
		Subject:  logging.Subject{Kind: logging.SubjectTransport},
		Severity: logging.SeverityWarn,
		Payload:  payload,
	})
}

// Disconnected publishes a warning when the live stream closes.
func Disconnected(ctx context.Context, pub logging.Publisher, epoch uint32, reason string) {
	publish(ctx, pub, logging.Event{
		Type:     EventDisconnected,
		Epoch:    epoch,
		Subject:  logging.Subject{Kind: logging.SubjectTransport},
		Severity: logging.SeverityWarn,
		Extra:    map[string]any{"reason": reason},
	})
}

// EpochPayload describes an epoch transition.
type EpochPayload struct {
	Previous uint32 `json:"previous"`
	Epoch    uint32 `json:"epoch"`
	Entities int    `json:"entities"`
}

// EpochAdvanced publishes an info event for a completed resync.
func EpochAdvanced(ctx context.Context, pub logging.Publisher, payload EpochPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventEpochAdvanced,
		Epoch:    payload.Epoch,
		Subject:  logging.Subject{Kind: logging.SubjectSession},
		Severity: logging.SeverityInfo,
		Payload:  payload,
	})
}

// ResyncRequested publishes a warning with the violations that forced it.
func ResyncRequested(ctx context.Context, pub logging.Publisher, epoch uint32, reasons []string) {
	publish(ctx, pub, logging.Event{
		Type:     EventResyncRequested,
		Epoch:    epoch,
		Subject:  logging.Subject{Kind: logging.SubjectSession},
		Severity: logging.SeverityWarn,
		Extra:    map[string]any{"reasons": reasons},
	})
}

// StaleFrame publishes a debug event for a dropped stale-epoch frame.
func StaleFrame(ctx context.Context, pub logging.Publisher, current, frameEpoch uint32) {
	publish(ctx, pub, logging.Event{
		Type:     EventStaleFrame,
		Epoch:    current,
		Subject:  logging.Subject{Kind: logging.SubjectSession},
		Severity: logging.SeverityDebug,
		Extra:    map[string]any{"frameEpoch": frameEpoch},
	})
}

// DecodeFailed publishes an error for an undecodable frame.
func DecodeFailed(ctx context.Context, pub logging.Publisher, epoch uint32, err error) {
	publish(ctx, pub, logging.Event{
		Type:     EventDecodeFailed,
		Epoch:    epoch,
		Subject:  logging.Subject{Kind: logging.SubjectTransport},
		Severity: logging.SeverityError,
		Extra:    map[string]any{"error": err.Error()},
	})
}

// UnknownTag publishes a debug event for a dropped unknown-tag frame.
func UnknownTag(ctx context.Context, pub logging.Publisher, epoch uint32, err error) {
	publish(ctx, pub, logging.Event{
		Type:     EventUnknownTag,
		Epoch:    epoch,
		Subject:  logging.Subject{Kind: logging.SubjectTransport},
		Severity: logging.SeverityDebug,
		Extra:    map[string]any{"error": err.Error()},
	})
}

// ProtocolViolation publishes a warning for a server-side invariant break.
func ProtocolViolation(ctx context.Context, pub logging.Publisher, epoch uint32, serverID uint64, kind string) {
	publish(ctx, pub, logging.Event{
		Type:     EventProtocolViolation,
		Epoch:    epoch,
		Subject:  logging.Subject{Kind: logging.SubjectEntity, ServerID: serverID},
		Severity: logging.SeverityWarn,
		Extra:    map[string]any{"kind": kind},
	})
}

// CommandPayload carries retry bookkeeping for one command.
type CommandPayload struct {
	Verb    string `json:"verb"`
	Retries int    `json:"retries"`
	Reason  string `json:"reason,omitempty"`
}

// CommandRetried publishes a debug event for a resent command.
func CommandRetried(ctx context.Context, pub logging.Publisher, epoch uint32, seq uint64, payload CommandPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventCommandRetried,
		Epoch:    epoch,
		Seq:      seq,
		Subject:  logging.Subject{Kind: logging.SubjectCommand},
		Severity: logging.SeverityDebug,
		Payload:  payload,
	})
}

// CommandFailed publishes a warning for a command that exhausted retries.
func CommandFailed(ctx context.Context, pub logging.Publisher, epoch uint32, seq uint64, payload CommandPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventCommandFailed,
		Epoch:    epoch,
		Seq:      seq,
		Subject:  logging.Subject{Kind: logging.SubjectCommand},
		Severity: logging.SeverityWarn,
		Payload:  payload,
	})
}

// AckRegression publishes a warning when the acked sequence goes backwards.
func AckRegression(ctx context.Context, pub logging.Publisher, epoch uint32, previous, acked uint64) {
	publish(ctx, pub, logging.Event{
		Type:     EventAckRegression,
		Epoch:    epoch,
		Seq:      acked,
		Subject:  logging.Subject{Kind: logging.SubjectCommand},
		Severity: logging.SeverityWarn,
		Extra:    map[string]any{"previous": previous},
	})
}

func publish(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, event)
}
