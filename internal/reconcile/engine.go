// Package reconcile applies inbound authoritative state to the entity
// registry and merges it with locally predicted, not-yet-acknowledged
// mutations. Server state is always the merge base; unacknowledged
// local intents are replayed on top, never discarded speculatively.
package reconcile

import (
	"context"
	"fmt"
	"sort"

	"skirmish/client/internal/proto"
	"skirmish/client/internal/registry"
	"skirmish/client/logging"
	"skirmish/client/logging/netevents"

	"github.com/fxamacker/cbor/v2"
)

// Mutation is one locally predicted change, tagged with the outbound
// command sequence that produced it. It is discarded once the server
// acknowledges or supersedes that sequence. ID is the command's stable
// outbox id: sequence numbers are renumbered when an epoch boundary
// rebases the in-flight window, so caller-initiated rollback goes by ID.
type Mutation struct {
	ID     uint64
	Seq    uint64
	DX     float64
	DY     float64
	Facing *float64
}

func (m Mutation) applyTo(state *proto.EntityState) {
	state.X += m.DX
	state.Y += m.DY
	if m.Facing != nil {
		state.Facing = *m.Facing
	}
}

// SeqRemap renumbers one in-flight command across an epoch boundary.
type SeqRemap struct {
	Old uint64
	New uint64
}

// ResyncResult reports what a full resync invalidated.
type ResyncResult struct {
	// Released holds the refs that were live before the reset; the
	// render layer must treat them as stale from now on.
	Released []registry.Ref
	// DroppedSeqs holds the sequences of predicted mutations whose
	// entities did not survive the resync. Their commands can never be
	// acknowledged and must be failed, not silently dropped.
	DroppedSeqs []uint64
}

type trackedEntity struct {
	ref           registry.Ref
	serverID      uint64
	authoritative proto.EntityState
}

// Engine is the single writer of the registry and the store. Every
// method must be called from the serialized message path; the render
// timeline reads through Store only.
type Engine struct {
	reg      *registry.Registry
	store    *Store
	entities map[uint64]*trackedEntity
	// pending survives epoch resets so predictions can be replayed
	// against the next resync; it is dropped per entity on removal.
	pending map[uint64][]Mutation
	monitor *violationMonitor
	pub     logging.Publisher
	epoch   uint32
}

// NewEngine wires an engine over its registry and render store.
func NewEngine(reg *registry.Registry, store *Store, pub logging.Publisher) *Engine {
	if pub == nil {
		pub = logging.NopPublisher()
	}
	return &Engine{
		reg:      reg,
		store:    store,
		entities: make(map[uint64]*trackedEntity),
		pending:  make(map[uint64][]Mutation),
		monitor:  newViolationMonitor(),
		pub:      pub,
	}
}

// Store returns the render-facing read side.
func (e *Engine) Store() *Store {
	return e.store
}

// Epoch returns the epoch of the last applied resync.
func (e *Engine) Epoch() uint32 {
	return e.epoch
}

// ResolveRef maps a render-layer ref back to its server id. Stale refs
// resolve to false.
func (e *Engine) ResolveRef(ref registry.Ref) (uint64, bool) {
	if !e.reg.Valid(ref) {
		return 0, false
	}
	return e.reg.ReverseLookup(ref.Slot)
}

// Disconnect wipes the registry and render store when the live stream
// drops, so the render layer positively observes "everything
// disconnected." Predicted mutations are retained for replay against
// the next resync.
func (e *Engine) Disconnect() []registry.Ref {
	released := e.reg.EpochReset()
	e.entities = make(map[uint64]*trackedEntity)
	e.store.clear()
	return released
}

// ApplyResync wipes the previous epoch's mappings and rebuilds the
// world from the resync payload. Predicted mutations are retained and
// replayed for entities that survive; mutations for entities the resync
// omits are dropped and their sequences reported.
func (e *Engine) ApplyResync(ctx context.Context, msg proto.SessionResync) ResyncResult {
	previous := e.epoch
	result := ResyncResult{Released: e.reg.EpochReset()}
	e.entities = make(map[uint64]*trackedEntity, len(msg.Entities))
	e.store.clear()
	e.epoch = msg.Epoch

	for _, entity := range msg.Entities {
		if err := e.applyAppeared(entity.ServerID, entity.State); err != nil {
			// Duplicate ids inside a resync payload: keep the first.
			netevents.ProtocolViolation(ctx, e.pub, e.epoch, entity.ServerID, "duplicate_in_resync")
		}
	}

	for serverID, mutations := range e.pending {
		if _, ok := e.entities[serverID]; ok {
			continue
		}
		for _, m := range mutations {
			result.DroppedSeqs = append(result.DroppedSeqs, m.Seq)
		}
		delete(e.pending, serverID)
	}
	sort.Slice(result.DroppedSeqs, func(i, j int) bool { return result.DroppedSeqs[i] < result.DroppedSeqs[j] })

	netevents.EpochAdvanced(ctx, e.pub, netevents.EpochPayload{
		Previous: previous,
		Epoch:    msg.Epoch,
		Entities: len(msg.Entities),
	})
	return result
}

// ApplyAppeared introduces one entity mid-epoch. A duplicate appearance
// is a protocol error: it is recorded for resync escalation, never a
// panic.
func (e *Engine) ApplyAppeared(ctx context.Context, msg proto.EntityAppeared) error {
	e.monitor.noteEvent()
	if err := e.applyAppeared(msg.ServerID, msg.State); err != nil {
		e.monitor.noteViolation("duplicate_appeared", msg.ServerID)
		netevents.ProtocolViolation(ctx, e.pub, e.epoch, msg.ServerID, "duplicate_appeared")
		return err
	}
	return nil
}

func (e *Engine) applyAppeared(serverID uint64, state proto.EntityState) error {
	ref, err := e.reg.Allocate(serverID)
	if err != nil {
		return err
	}
	tracked := &trackedEntity{ref: ref, serverID: serverID, authoritative: cloneState(state)}
	e.entities[serverID] = tracked
	e.refreshVisible(tracked)
	return nil
}

// ApplyUpdated merges an authoritative diff. Mutations at or below the
// server's last applied sequence are superseded and dropped; the rest
// are replayed on top of the new base so local prediction stays
// visually consistent until its own acknowledgment arrives.
func (e *Engine) ApplyUpdated(ctx context.Context, msg proto.EntityUpdated) error {
	e.monitor.noteEvent()
	tracked, ok := e.entities[msg.ServerID]
	if !ok {
		e.monitor.noteViolation("update_unknown", msg.ServerID)
		netevents.ProtocolViolation(ctx, e.pub, e.epoch, msg.ServerID, "update_unknown")
		return fmt.Errorf("reconcile: update for unknown entity %d", msg.ServerID)
	}
	e.dropPendingThrough(msg.ServerID, msg.LastAppliedSeq)
	msg.Diff.ApplyTo(&tracked.authoritative)
	e.refreshVisible(tracked)
	return nil
}

// ApplyRemoved retires one entity, draining its predicted mutations and
// returning its slot to the free-list.
func (e *Engine) ApplyRemoved(ctx context.Context, msg proto.EntityRemoved) error {
	e.monitor.noteEvent()
	tracked, ok := e.entities[msg.ServerID]
	if !ok {
		e.monitor.noteViolation("remove_unknown", msg.ServerID)
		netevents.ProtocolViolation(ctx, e.pub, e.epoch, msg.ServerID, "remove_unknown")
		return fmt.Errorf("reconcile: removal of unknown entity %d", msg.ServerID)
	}
	delete(e.pending, msg.ServerID)
	delete(e.entities, msg.ServerID)
	if _, err := e.reg.Release(msg.ServerID); err != nil {
		e.monitor.noteViolation("release_failed", msg.ServerID)
		return err
	}
	e.store.remove(tracked.ref.Slot)
	return nil
}

// ApplyAck folds a cumulative acknowledgment into the predicted state:
// every mutation with sequence at or below ackSeq is drained, and the
// optional authoritative diff becomes the new base for its entity.
func (e *Engine) ApplyAck(ctx context.Context, ackSeq uint64, msg proto.CommandAck) {
	e.monitor.noteEvent()
	if msg.ServerID != 0 && msg.Authoritative != nil {
		if tracked, ok := e.entities[msg.ServerID]; ok {
			msg.Authoritative.ApplyTo(&tracked.authoritative)
		}
	}
	for serverID := range e.pending {
		e.dropPendingThrough(serverID, ackSeq)
		if tracked, ok := e.entities[serverID]; ok {
			e.refreshVisible(tracked)
		}
	}
	if tracked, ok := e.entities[msg.ServerID]; ok {
		e.refreshVisible(tracked)
	}
}

// ApplyReject rolls back exactly one predicted mutation: the entity's
// snapshot is re-derived from authoritative state plus the surviving
// mutations.
func (e *Engine) ApplyReject(ctx context.Context, seq uint64, msg proto.CommandReject) {
	e.monitor.noteEvent()
	e.removePending(func(m Mutation) bool { return m.Seq == seq })
}

func (e *Engine) removePending(match func(Mutation) bool) {
	for serverID, mutations := range e.pending {
		kept := mutations[:0]
		removed := false
		for _, m := range mutations {
			if match(m) {
				removed = true
				continue
			}
			kept = append(kept, m)
		}
		if !removed {
			continue
		}
		if len(kept) == 0 {
			delete(e.pending, serverID)
		} else {
			e.pending[serverID] = kept
		}
		if tracked, ok := e.entities[serverID]; ok {
			e.refreshVisible(tracked)
		}
		return
	}
}

// Predict applies a local mutation ahead of server confirmation. The
// ref must still be live; a stale ref means the target entity is gone.
func (e *Engine) Predict(ref registry.Ref, seq uint64, mutation Mutation) error {
	serverID, ok := e.ResolveRef(ref)
	if !ok {
		return fmt.Errorf("reconcile: predict against stale ref slot=%d gen=%d", ref.Slot, ref.Generation)
	}
	tracked := e.entities[serverID]
	mutation.Seq = seq
	e.pending[serverID] = append(e.pending[serverID], mutation)
	e.refreshVisible(tracked)
	return nil
}

// DropPrediction removes the mutation carrying the stable command id
// without touching the authoritative base, for caller-initiated
// cancellation and retry exhaustion. Matching by id, never by sequence,
// keeps a rollback from hitting a live command whose sequence was
// renumbered onto the cancelled one's by an epoch rebase.
func (e *Engine) DropPrediction(id uint64) {
	if id == 0 {
		return
	}
	e.removePending(func(m Mutation) bool { return m.ID == id })
}

// RemapPending renumbers surviving mutations after the outbox rebases
// in-flight commands onto a new epoch.
func (e *Engine) RemapPending(remaps []SeqRemap) {
	if len(remaps) == 0 {
		return
	}
	byOld := make(map[uint64]uint64, len(remaps))
	for _, remap := range remaps {
		byOld[remap.Old] = remap.New
	}
	for serverID, mutations := range e.pending {
		for i := range mutations {
			if newSeq, ok := byOld[mutations[i].Seq]; ok {
				mutations[i].Seq = newSeq
			}
		}
		sort.Slice(mutations, func(i, j int) bool { return mutations[i].Seq < mutations[j].Seq })
		e.pending[serverID] = mutations
	}
}

// PendingCount reports the number of unacknowledged mutations for an
// entity, for tests and diagnostics.
func (e *Engine) PendingCount(serverID uint64) int {
	return len(e.pending[serverID])
}

// NeedResync reports, once, whether accumulated protocol violations
// warrant asking the server to restate the world.
func (e *Engine) NeedResync() ([]string, bool) {
	return e.monitor.consume()
}

func (e *Engine) dropPendingThrough(serverID uint64, seq uint64) {
	mutations, ok := e.pending[serverID]
	if !ok {
		return
	}
	kept := mutations[:0]
	for _, m := range mutations {
		if m.Seq > seq {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		delete(e.pending, serverID)
		return
	}
	e.pending[serverID] = kept
}

// refreshVisible recomputes the render view: authoritative base with
// every pending mutation replayed in sequence order.
func (e *Engine) refreshVisible(tracked *trackedEntity) {
	if tracked == nil {
		return
	}
	visible := cloneState(tracked.authoritative)
	for _, m := range e.pending[tracked.serverID] {
		m.applyTo(&visible)
	}
	e.store.put(viewFromState(tracked.ref, visible))
}

func cloneState(state proto.EntityState) proto.EntityState {
	cloned := state
	if len(state.Custom) > 0 {
		cloned.Custom = make(map[string]cbor.RawMessage, len(state.Custom))
		for k, v := range state.Custom {
			cloned.Custom[k] = v
		}
	}
	return cloned
}
