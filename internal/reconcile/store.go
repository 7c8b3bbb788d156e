package reconcile

import (
	"sort"
	"sync"

	"skirmish/client/internal/proto"
	"skirmish/client/internal/registry"

	"github.com/fxamacker/cbor/v2"
)

// EntityView is the render-facing projection of one entity: its stable
// local ref plus the visible field set (authoritative state with any
// unacknowledged local mutations replayed on top). Server identifiers
// never appear here.
type EntityView struct {
	Ref    registry.Ref
	X      float64
	Y      float64
	Facing float64
	Owner  uint32
	Custom map[string]cbor.RawMessage
}

// Store is the read side handed to the render timeline. The engine is
// its only writer and publishes whole views, one entity per message, so
// readers never observe a torn snapshot.
type Store struct {
	mu    sync.RWMutex
	views map[registry.Slot]EntityView
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{views: make(map[registry.Slot]EntityView)}
}

// Snapshot copies out every live view, ordered by slot.
func (s *Store) Snapshot() []EntityView {
	s.mu.RLock()
	views := make([]EntityView, 0, len(s.views))
	for _, view := range s.views {
		views = append(views, view)
	}
	s.mu.RUnlock()
	sort.Slice(views, func(i, j int) bool { return views[i].Ref.Slot < views[j].Ref.Slot })
	return views
}

// Get returns the view for ref. A ref whose generation no longer
// matches reads as absent: the caller is holding a stale handle.
func (s *Store) Get(ref registry.Ref) (EntityView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.views[ref.Slot]
	if !ok || view.Ref.Generation != ref.Generation {
		return EntityView{}, false
	}
	return view, true
}

// Len reports the number of live views.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.views)
}

func (s *Store) put(view EntityView) {
	s.mu.Lock()
	s.views[view.Ref.Slot] = view
	s.mu.Unlock()
}

func (s *Store) remove(slot registry.Slot) {
	s.mu.Lock()
	delete(s.views, slot)
	s.mu.Unlock()
}

func (s *Store) clear() {
	s.mu.Lock()
	s.views = make(map[registry.Slot]EntityView)
	s.mu.Unlock()
}

func viewFromState(ref registry.Ref, state proto.EntityState) EntityView {
	view := EntityView{
		Ref:    ref,
		X:      state.X,
		Y:      state.Y,
		Facing: state.Facing,
		Owner:  state.Owner,
	}
	if len(state.Custom) > 0 {
		view.Custom = make(map[string]cbor.RawMessage, len(state.Custom))
		for k, v := range state.Custom {
			view.Custom[k] = v
		}
	}
	return view
}
