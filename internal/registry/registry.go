// Package registry maintains the bidirectional mapping between
// server-assigned entity identifiers and stable local slots. The render
// layer only ever sees slots; server identifiers never leak past the
// reconciliation engine.
package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyAllocated reports a server id that is already mapped in
	// the current epoch. A protocol invariant violation, not a crash.
	ErrAlreadyAllocated = errors.New("registry: server id already allocated")
	// ErrNotFound reports a server id with no mapping.
	ErrNotFound = errors.New("registry: server id not found")
)

// Slot is a stable local handle the render layer attaches visuals to.
// Slots are recycled through a free-list; a Ref pairs a slot with the
// generation it was issued under so reuse is detectable.
type Slot int

// Ref is a slot plus the generation it was issued under. A Ref whose
// generation no longer matches the slot's current generation is stale:
// the entity it pointed at is gone, even if the slot has been reissued.
type Ref struct {
	Slot       Slot
	Generation uint64
}

type slotEntry struct {
	serverID   uint64
	generation uint64
	inUse      bool
}

// Registry owns the server-id to slot mapping. It is not goroutine
// safe: all mutation flows through the single serialized message path,
// and cross-goroutine reads go through the reconcile store's copy-out
// snapshots instead.
type Registry struct {
	byServer map[uint64]Slot
	slots    []slotEntry
	free     []Slot
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byServer: make(map[uint64]Slot)}
}

// Allocate maps serverID to a slot taken from the free-list, growing
// storage when the free-list is empty.
func (r *Registry) Allocate(serverID uint64) (Ref, error) {
	if existing, ok := r.byServer[serverID]; ok {
		return Ref{}, fmt.Errorf("%w: id %d already on slot %d", ErrAlreadyAllocated, serverID, existing)
	}
	var slot Slot
	if n := len(r.free); n > 0 {
		slot = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		slot = Slot(len(r.slots))
		r.slots = append(r.slots, slotEntry{})
	}
	entry := &r.slots[slot]
	entry.serverID = serverID
	entry.inUse = true
	r.byServer[serverID] = slot
	return Ref{Slot: slot, Generation: entry.generation}, nil
}

// Lookup returns the live ref for serverID.
func (r *Registry) Lookup(serverID uint64) (Ref, bool) {
	slot, ok := r.byServer[serverID]
	if !ok {
		return Ref{}, false
	}
	return Ref{Slot: slot, Generation: r.slots[slot].generation}, true
}

// ReverseLookup returns the server id occupying slot.
func (r *Registry) ReverseLookup(slot Slot) (uint64, bool) {
	if slot < 0 || int(slot) >= len(r.slots) {
		return 0, false
	}
	entry := r.slots[slot]
	if !entry.inUse {
		return 0, false
	}
	return entry.serverID, true
}

// Release unmaps serverID and returns its slot to the free-list. The
// slot's generation is bumped so refs issued before the release read as
// stale from now on, including after the slot is reissued.
func (r *Registry) Release(serverID uint64) (Ref, error) {
	slot, ok := r.byServer[serverID]
	if !ok {
		return Ref{}, fmt.Errorf("%w: id %d", ErrNotFound, serverID)
	}
	released := r.releaseSlot(serverID, slot)
	return released, nil
}

func (r *Registry) releaseSlot(serverID uint64, slot Slot) Ref {
	entry := &r.slots[slot]
	released := Ref{Slot: slot, Generation: entry.generation}
	entry.inUse = false
	entry.serverID = 0
	entry.generation++
	delete(r.byServer, serverID)
	r.free = append(r.free, slot)
	return released
}

// EpochReset clears every mapping for a reconnection. Generations keep
// counting up, never back, so the render layer can tell "everything
// disconnected" apart from a stale update for a dead slot. The refs that
// were live at reset time are returned so callers can report them stale.
func (r *Registry) EpochReset() []Ref {
	if len(r.byServer) == 0 {
		return nil
	}
	released := make([]Ref, 0, len(r.byServer))
	for _, slot := range r.byServer {
		released = append(released, Ref{Slot: slot, Generation: r.slots[slot].generation})
		entry := &r.slots[slot]
		entry.inUse = false
		entry.serverID = 0
		entry.generation++
		r.free = append(r.free, slot)
	}
	r.byServer = make(map[uint64]Slot)
	return released
}

// Valid reports whether ref still names a live entity.
func (r *Registry) Valid(ref Ref) bool {
	if ref.Slot < 0 || int(ref.Slot) >= len(r.slots) {
		return false
	}
	entry := r.slots[ref.Slot]
	return entry.inUse && entry.generation == ref.Generation
}

// Len reports the number of live mappings.
func (r *Registry) Len() int {
	return len(r.byServer)
}
