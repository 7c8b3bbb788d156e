package proto

import "github.com/fxamacker/cbor/v2"

const (
	// Version tracks the wire-protocol revision spoken by this client.
	Version = 1
)

// Tag identifies the payload variant carried by a frame.
type Tag uint8

const (
	// TagSessionHello is sent by the client after the stream is
	// established and whenever it wants the server to restate the world.
	TagSessionHello Tag = 1
	// TagSessionResync carries the full authoritative entity set and
	// opens a new session epoch.
	TagSessionResync Tag = 2
	// TagEntityAppeared introduces one entity mid-epoch.
	TagEntityAppeared Tag = 3
	// TagEntityUpdated carries an authoritative field diff for one entity.
	TagEntityUpdated Tag = 4
	// TagEntityRemoved retires one entity.
	TagEntityRemoved Tag = 5
	// TagCommandAck acknowledges every command up to the frame's sequence.
	TagCommandAck Tag = 6
	// TagCommandReject refuses exactly the command named by the frame's
	// sequence.
	TagCommandReject Tag = 7
	// TagHeartbeat keeps the stream warm and measures round-trip time.
	TagHeartbeat Tag = 8
	// TagCommand carries one client intent to the server.
	TagCommand Tag = 9
)

func (t Tag) String() string {
	switch t {
	case TagSessionHello:
		return "session-hello"
	case TagSessionResync:
		return "session-resync"
	case TagEntityAppeared:
		return "entity-appeared"
	case TagEntityUpdated:
		return "entity-updated"
	case TagEntityRemoved:
		return "entity-removed"
	case TagCommandAck:
		return "command-ack"
	case TagCommandReject:
		return "command-reject"
	case TagHeartbeat:
		return "heartbeat"
	case TagCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Message is the closed set of payload variants. The unexported method
// keeps the set closed to this package.
type Message interface {
	tag() Tag
}

// EntityState is the full authoritative field set for one entity.
type EntityState struct {
	X      float64                    `cbor:"x"`
	Y      float64                    `cbor:"y"`
	Facing float64                    `cbor:"facing"`
	Owner  uint32                     `cbor:"owner"`
	Custom map[string]cbor.RawMessage `cbor:"custom,omitempty"`
}

// EntityDiff is a partial update; nil fields are untouched.
type EntityDiff struct {
	X      *float64                   `cbor:"x,omitempty"`
	Y      *float64                   `cbor:"y,omitempty"`
	Facing *float64                   `cbor:"facing,omitempty"`
	Owner  *uint32                    `cbor:"owner,omitempty"`
	Custom map[string]cbor.RawMessage `cbor:"custom,omitempty"`
}

// ApplyTo overwrites the populated fields onto state.
func (d EntityDiff) ApplyTo(state *EntityState) {
	if state == nil {
		return
	}
	if d.X != nil {
		state.X = *d.X
	}
	if d.Y != nil {
		state.Y = *d.Y
	}
	if d.Facing != nil {
		state.Facing = *d.Facing
	}
	if d.Owner != nil {
		state.Owner = *d.Owner
	}
	if len(d.Custom) > 0 {
		if state.Custom == nil {
			state.Custom = make(map[string]cbor.RawMessage, len(d.Custom))
		}
		for k, v := range d.Custom {
			state.Custom[k] = v
		}
	}
}

// SessionHello requests admission (or a restatement of the world when
// ResumeEpoch is non-zero).
type SessionHello struct {
	ClientID    string `cbor:"clientId"`
	ResumeEpoch uint32 `cbor:"resumeEpoch,omitempty"`
}

// ResyncEntity is one entity inside a resync payload.
type ResyncEntity struct {
	ServerID uint64      `cbor:"id"`
	State    EntityState `cbor:"state"`
}

// SessionResync restates the complete world and opens epoch Epoch.
type SessionResync struct {
	Epoch    uint32         `cbor:"epoch"`
	Entities []ResyncEntity `cbor:"entities,omitempty"`
}

// EntityAppeared introduces ServerID with its initial state.
type EntityAppeared struct {
	ServerID uint64      `cbor:"id"`
	State    EntityState `cbor:"state"`
}

// EntityUpdated carries an authoritative diff. LastAppliedSeq names the
// highest client command sequence folded into the diff.
type EntityUpdated struct {
	ServerID       uint64     `cbor:"id"`
	LastAppliedSeq uint64     `cbor:"lastAppliedSeq"`
	Diff           EntityDiff `cbor:"diff"`
}

// EntityRemoved retires ServerID.
type EntityRemoved struct {
	ServerID uint64 `cbor:"id"`
}

// CommandAck confirms every command with sequence at or below the
// frame's sequence. Authoritative, when present, is the entity state the
// acknowledged command produced.
type CommandAck struct {
	ServerID      uint64      `cbor:"id,omitempty"`
	Authoritative *EntityDiff `cbor:"authoritative,omitempty"`
}

// CommandReject refuses the command named by the frame's sequence.
type CommandReject struct {
	ServerID uint64 `cbor:"id,omitempty"`
	Reason   string `cbor:"reason,omitempty"`
}

// Heartbeat carries the sender's clock; Echo repeats the peer's last
// SentAt so either side can derive round-trip time.
type Heartbeat struct {
	SentAt int64 `cbor:"sentAt"`
	Echo   int64 `cbor:"echo,omitempty"`
}

// Command is one client intent. The frame's sequence is the command
// sequence assigned by the outbox.
type Command struct {
	ServerID uint64                     `cbor:"id"`
	Verb     string                     `cbor:"verb"`
	DX       float64                    `cbor:"dx,omitempty"`
	DY       float64                    `cbor:"dy,omitempty"`
	Facing   *float64                   `cbor:"facing,omitempty"`
	Params   map[string]cbor.RawMessage `cbor:"params,omitempty"`
}

func (SessionHello) tag() Tag   { return TagSessionHello }
func (SessionResync) tag() Tag  { return TagSessionResync }
func (EntityAppeared) tag() Tag { return TagEntityAppeared }
func (EntityUpdated) tag() Tag  { return TagEntityUpdated }
func (EntityRemoved) tag() Tag  { return TagEntityRemoved }
func (CommandAck) tag() Tag     { return TagCommandAck }
func (CommandReject) tag() Tag  { return TagCommandReject }
func (Heartbeat) tag() Tag      { return TagHeartbeat }
func (Command) tag() Tag        { return TagCommand }
