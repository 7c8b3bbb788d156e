// Package logging is the client's structured event pipeline. Components
// publish typed events; an async router fans them out to configured
// sinks without blocking the network loop.
package logging

import (
	"context"
	"time"
)

// EventType names one kind of event, namespaced like "session.connected".
type EventType string

// Severity orders events for filtering.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// SubjectKind classifies what an event is about.
type SubjectKind string

const (
	SubjectSession   SubjectKind = "session"
	SubjectTransport SubjectKind = "transport"
	SubjectEntity    SubjectKind = "entity"
	SubjectCommand   SubjectKind = "command"
)

// Subject identifies the thing an event concerns. ServerID and Slot are
// zero when the subject is not an entity.
type Subject struct {
	Kind     SubjectKind `json:"kind"`
	ServerID uint64      `json:"serverId,omitempty"`
	Slot     int         `json:"slot,omitempty"`
}

// Event is one structured log record. Epoch and Seq scope the event to
// the session timeline the same way frames are scoped on the wire.
type Event struct {
	Type     EventType      `json:"type"`
	Epoch    uint32         `json:"epoch"`
	Seq      uint64         `json:"seq,omitempty"`
	Time     time.Time      `json:"time"`
	Subject  Subject        `json:"subject"`
	Severity Severity       `json:"severity"`
	Payload  any            `json:"payload,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Publisher accepts events for routing.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// PublisherFunc adapts functions into the Publisher interface.
type PublisherFunc func(ctx context.Context, event Event)

// Publish implements Publisher for PublisherFunc.
func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f == nil {
		return
	}
	f(ctx, event)
}

// NopPublisher drops every event.
func NopPublisher() Publisher {
	return PublisherFunc(func(context.Context, Event) {})
}

func cloneEvent(event Event) Event {
	cloned := event
	if event.Extra != nil {
		copied := make(map[string]any, len(event.Extra))
		for k, v := range event.Extra {
			copied[k] = v
		}
		cloned.Extra = copied
	}
	return cloned
}
