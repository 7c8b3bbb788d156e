package reconcile

import (
	"context"
	"testing"

	"skirmish/client/internal/proto"
	"skirmish/client/internal/registry"
)

func newTestEngine() (*Engine, *registry.Registry, *Store) {
	reg := registry.New()
	store := NewStore()
	return NewEngine(reg, store, nil), reg, store
}

func appear(t *testing.T, e *Engine, serverID uint64, x, y float64) registry.Ref {
	t.Helper()
	if err := e.ApplyAppeared(context.Background(), proto.EntityAppeared{
		ServerID: serverID,
		State:    proto.EntityState{X: x, Y: y},
	}); err != nil {
		t.Fatalf("appear %d: %v", serverID, err)
	}
	ref, ok := e.reg.Lookup(serverID)
	if !ok {
		t.Fatalf("no ref after appear %d", serverID)
	}
	return ref
}

func viewAt(t *testing.T, store *Store, ref registry.Ref) EntityView {
	t.Helper()
	view, ok := store.Get(ref)
	if !ok {
		t.Fatalf("no view for slot %d gen %d", ref.Slot, ref.Generation)
	}
	return view
}

func TestPredictionSurvivesOlderAuthoritativeUpdate(t *testing.T) {
	// Entity 7 appears at (0,0); a local move +1,0 is predicted under
	// seq 1; the server then confirms pos (0,0) having applied nothing
	// (lastAppliedSeq 0). The prediction is not yet superseded and must
	// stay visible.
	e, _, store := newTestEngine()
	ref := appear(t, e, 7, 0, 0)

	if err := e.Predict(ref, 1, Mutation{DX: 1}); err != nil {
		t.Fatalf("predict: %v", err)
	}
	view := viewAt(t, store, ref)
	if view.X != 1 || view.Y != 0 {
		t.Fatalf("predicted view = (%v,%v), want (1,0)", view.X, view.Y)
	}

	zero := 0.0
	if err := e.ApplyUpdated(context.Background(), proto.EntityUpdated{
		ServerID:       7,
		LastAppliedSeq: 0,
		Diff:           proto.EntityDiff{X: &zero, Y: &zero},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	view = viewAt(t, store, ref)
	if view.X != 1 || view.Y != 0 {
		t.Fatalf("view after authoritative (0,0) = (%v,%v), want predicted (1,0)", view.X, view.Y)
	}
	if e.PendingCount(7) != 1 {
		t.Fatalf("expected mutation seq 1 retained, pending=%d", e.PendingCount(7))
	}
}

func TestAckDrainsPredictionAndMatchesAuthoritative(t *testing.T) {
	e, _, store := newTestEngine()
	ref := appear(t, e, 7, 0, 0)
	if err := e.Predict(ref, 1, Mutation{DX: 1}); err != nil {
		t.Fatalf("predict: %v", err)
	}

	one := 1.0
	zero := 0.0
	e.ApplyAck(context.Background(), 1, proto.CommandAck{
		ServerID:      7,
		Authoritative: &proto.EntityDiff{X: &one, Y: &zero},
	})

	view := viewAt(t, store, ref)
	if view.X != 1 || view.Y != 0 {
		t.Fatalf("view after ack = (%v,%v), want authoritative (1,0)", view.X, view.Y)
	}
	if e.PendingCount(7) != 0 {
		t.Fatalf("expected prediction drained, pending=%d", e.PendingCount(7))
	}
}

func TestCumulativeAckDrainsAcrossEntities(t *testing.T) {
	e, _, _ := newTestEngine()
	refA := appear(t, e, 1, 0, 0)
	refB := appear(t, e, 2, 0, 0)
	if err := e.Predict(refA, 1, Mutation{DX: 1}); err != nil {
		t.Fatalf("predict a: %v", err)
	}
	if err := e.Predict(refB, 2, Mutation{DY: 1}); err != nil {
		t.Fatalf("predict b: %v", err)
	}
	if err := e.Predict(refA, 3, Mutation{DX: 1}); err != nil {
		t.Fatalf("predict a again: %v", err)
	}

	e.ApplyAck(context.Background(), 2, proto.CommandAck{})

	if e.PendingCount(1) != 1 {
		t.Fatalf("entity 1: want seq 3 retained, pending=%d", e.PendingCount(1))
	}
	if e.PendingCount(2) != 0 {
		t.Fatalf("entity 2: want drained, pending=%d", e.PendingCount(2))
	}
}

func TestRejectRollsBackSingleMutation(t *testing.T) {
	e, _, store := newTestEngine()
	ref := appear(t, e, 7, 0, 0)
	if err := e.Predict(ref, 1, Mutation{DX: 1}); err != nil {
		t.Fatalf("predict: %v", err)
	}
	if err := e.Predict(ref, 2, Mutation{DY: 2}); err != nil {
		t.Fatalf("predict: %v", err)
	}

	e.ApplyReject(context.Background(), 1, proto.CommandReject{ServerID: 7, Reason: "blocked"})

	view := viewAt(t, store, ref)
	if view.X != 0 || view.Y != 2 {
		t.Fatalf("view after reject = (%v,%v), want (0,2)", view.X, view.Y)
	}
	if e.PendingCount(7) != 1 {
		t.Fatalf("expected one surviving mutation, pending=%d", e.PendingCount(7))
	}
}

func TestUpdateReplaysNewerMutationsOnNewBase(t *testing.T) {
	e, _, store := newTestEngine()
	ref := appear(t, e, 7, 0, 0)
	if err := e.Predict(ref, 1, Mutation{DX: 1}); err != nil {
		t.Fatalf("predict: %v", err)
	}
	if err := e.Predict(ref, 2, Mutation{DX: 1}); err != nil {
		t.Fatalf("predict: %v", err)
	}

	// Server folded seq 1 into its state: base (1, 5), seq 2 still ours.
	one := 1.0
	five := 5.0
	if err := e.ApplyUpdated(context.Background(), proto.EntityUpdated{
		ServerID:       7,
		LastAppliedSeq: 1,
		Diff:           proto.EntityDiff{X: &one, Y: &five},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	view := viewAt(t, store, ref)
	if view.X != 2 || view.Y != 5 {
		t.Fatalf("view = (%v,%v), want base (1,5) + replayed seq 2 = (2,5)", view.X, view.Y)
	}
	if e.PendingCount(7) != 1 {
		t.Fatalf("expected seq 2 retained, pending=%d", e.PendingCount(7))
	}
}

func TestRemoveDrainsPendingAndFreesSlot(t *testing.T) {
	e, reg, store := newTestEngine()
	ref := appear(t, e, 7, 0, 0)
	if err := e.Predict(ref, 1, Mutation{DX: 1}); err != nil {
		t.Fatalf("predict: %v", err)
	}

	if err := e.ApplyRemoved(context.Background(), proto.EntityRemoved{ServerID: 7}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := store.Get(ref); ok {
		t.Fatalf("view survived removal")
	}
	if reg.Valid(ref) {
		t.Fatalf("ref survived removal")
	}
	if e.PendingCount(7) != 0 {
		t.Fatalf("pending survived removal")
	}
}

func TestDuplicateAppearSignalsResync(t *testing.T) {
	e, _, _ := newTestEngine()
	appear(t, e, 7, 0, 0)
	if err := e.ApplyAppeared(context.Background(), proto.EntityAppeared{ServerID: 7}); err == nil {
		t.Fatalf("expected duplicate appear to error")
	}
	reasons, need := e.NeedResync()
	if !need || len(reasons) == 0 {
		t.Fatalf("expected resync signal, got need=%v reasons=%v", need, reasons)
	}
	// Signal is consumed exactly once.
	if _, again := e.NeedResync(); again {
		t.Fatalf("resync signal not consumed")
	}
}

func TestUpdateUnknownEntitySignalsResync(t *testing.T) {
	e, _, _ := newTestEngine()
	if err := e.ApplyUpdated(context.Background(), proto.EntityUpdated{ServerID: 9}); err == nil {
		t.Fatalf("expected unknown update to error")
	}
	if _, need := e.NeedResync(); !need {
		t.Fatalf("expected resync signal")
	}
}

func TestResyncOmittingEntityDropsItsPendingAndStalesRef(t *testing.T) {
	// Connection drops mid-Live; the next resync omits entity 7. Its
	// slot is released with a bumped generation and the mutation seq 1
	// is reported dropped so the command can be failed.
	e, reg, store := newTestEngine()
	ref7 := appear(t, e, 7, 0, 0)
	appear(t, e, 8, 3, 3)
	if err := e.Predict(ref7, 1, Mutation{DX: 1}); err != nil {
		t.Fatalf("predict: %v", err)
	}

	result := e.ApplyResync(context.Background(), proto.SessionResync{
		Epoch: 2,
		Entities: []proto.ResyncEntity{
			{ServerID: 8, State: proto.EntityState{X: 4, Y: 4}},
		},
	})

	if len(result.DroppedSeqs) != 1 || result.DroppedSeqs[0] != 1 {
		t.Fatalf("expected dropped seq [1], got %v", result.DroppedSeqs)
	}
	if reg.Valid(ref7) {
		t.Fatalf("pre-resync ref still valid")
	}
	if _, ok := store.Get(ref7); ok {
		t.Fatalf("stale ref resolved to a view")
	}
	newRef7, err := reg.Allocate(7)
	if err != nil {
		t.Fatalf("re-allocate 7: %v", err)
	}
	if newRef7.Generation <= ref7.Generation {
		t.Fatalf("expected strictly greater generation, got %d then %d", ref7.Generation, newRef7.Generation)
	}
	if e.Epoch() != 2 {
		t.Fatalf("epoch = %d, want 2", e.Epoch())
	}
}

func TestResyncReplaysRetainedMutations(t *testing.T) {
	e, reg, store := newTestEngine()
	ref := appear(t, e, 7, 0, 0)
	if err := e.Predict(ref, 1, Mutation{DX: 1}); err != nil {
		t.Fatalf("predict: %v", err)
	}

	e.ApplyResync(context.Background(), proto.SessionResync{
		Epoch:    2,
		Entities: []proto.ResyncEntity{{ServerID: 7, State: proto.EntityState{X: 10, Y: 10}}},
	})

	newRef, ok := reg.Lookup(7)
	if !ok {
		t.Fatalf("entity 7 missing after resync")
	}
	view := viewAt(t, store, newRef)
	if view.X != 11 || view.Y != 10 {
		t.Fatalf("view = (%v,%v), want resync base (10,10) + replayed +1,0", view.X, view.Y)
	}
	if e.PendingCount(7) != 1 {
		t.Fatalf("retained mutation missing, pending=%d", e.PendingCount(7))
	}
}

func TestPredictAgainstStaleRefFails(t *testing.T) {
	e, _, _ := newTestEngine()
	ref := appear(t, e, 7, 0, 0)
	if err := e.ApplyRemoved(context.Background(), proto.EntityRemoved{ServerID: 7}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := e.Predict(ref, 1, Mutation{DX: 1}); err == nil {
		t.Fatalf("expected stale-ref predict to fail")
	}
}

func TestRemapPendingRenumbersAcrossEpochs(t *testing.T) {
	e, _, _ := newTestEngine()
	ref := appear(t, e, 7, 0, 0)
	if err := e.Predict(ref, 5, Mutation{DX: 1}); err != nil {
		t.Fatalf("predict: %v", err)
	}
	e.RemapPending([]SeqRemap{{Old: 5, New: 1}})

	// An ack for the new sequence must drain the remapped mutation.
	e.ApplyAck(context.Background(), 1, proto.CommandAck{})
	if e.PendingCount(7) != 0 {
		t.Fatalf("remapped mutation not drained, pending=%d", e.PendingCount(7))
	}
}

func TestDropPredictionAfterRebaseRemovesOnlyCancelled(t *testing.T) {
	// Command id 1 is cancelled just as a resync rebases the in-flight
	// window: ids 2 and 3 get renumbered onto seqs 1 and 2, so the
	// cancelled command's old seq now names a live one. The rollback goes
	// by id and must leave both survivors untouched.
	e, _, store := newTestEngine()
	ref := appear(t, e, 7, 0, 0)
	for i := uint64(1); i <= 3; i++ {
		if err := e.Predict(ref, i, Mutation{ID: i, DX: 1}); err != nil {
			t.Fatalf("predict %d: %v", i, err)
		}
	}

	e.RemapPending([]SeqRemap{{Old: 2, New: 1}, {Old: 3, New: 2}})
	e.DropPrediction(1)

	if e.PendingCount(7) != 2 {
		t.Fatalf("pending = %d, want 2", e.PendingCount(7))
	}
	view := viewAt(t, store, ref)
	if view.X != 2 {
		t.Fatalf("view.X = %v, want both surviving predictions replayed (2)", view.X)
	}
}

func TestDisconnectClearsWorldButKeepsPending(t *testing.T) {
	e, reg, store := newTestEngine()
	ref := appear(t, e, 7, 0, 0)
	if err := e.Predict(ref, 1, Mutation{DX: 1}); err != nil {
		t.Fatalf("predict: %v", err)
	}

	released := e.Disconnect()

	if len(released) != 1 || released[0] != ref {
		t.Fatalf("expected released refs [%v], got %v", ref, released)
	}
	if store.Len() != 0 || reg.Len() != 0 {
		t.Fatalf("disconnect left views=%d mappings=%d", store.Len(), reg.Len())
	}
	if e.PendingCount(7) != 1 {
		t.Fatalf("prediction dropped by disconnect, pending=%d", e.PendingCount(7))
	}

	// The next resync replays the retained mutation on the new base.
	e.ApplyResync(context.Background(), proto.SessionResync{
		Epoch:    2,
		Entities: []proto.ResyncEntity{{ServerID: 7, State: proto.EntityState{X: 5, Y: 5}}},
	})
	newRef, ok := reg.Lookup(7)
	if !ok {
		t.Fatalf("entity 7 missing after resync")
	}
	view := viewAt(t, store, newRef)
	if view.X != 6 || view.Y != 5 {
		t.Fatalf("view = (%v,%v), want (6,5)", view.X, view.Y)
	}
}

func TestSnapshotIsCopyPerEntity(t *testing.T) {
	e, _, store := newTestEngine()
	appear(t, e, 1, 1, 1)
	appear(t, e, 2, 2, 2)
	snapshot := store.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 views, got %d", len(snapshot))
	}
	if snapshot[0].Ref.Slot >= snapshot[1].Ref.Slot {
		t.Fatalf("snapshot not ordered by slot")
	}
}
