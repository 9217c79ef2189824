package anchor

import (
	"context"
	"testing"
	"time"

	"spatialmesh/internal/apierr"
	"spatialmesh/internal/protocol"
)

type fakeStore struct {
	stored  map[string]*Anchor
	deleted map[string]bool
	nearby  []*Anchor
}

func newFakeStore() *fakeStore {
	return &fakeStore{stored: make(map[string]*Anchor), deleted: make(map[string]bool)}
}

func (f *fakeStore) Store(_ context.Context, a *Anchor) error {
	cp := *a
	f.stored[a.ID] = &cp
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.deleted[id] = true
	delete(f.stored, id)
	return nil
}

func (f *fakeStore) FindNearby(_ context.Context, pos protocol.Vector3, radiusMeters float64, limit int) ([]*Anchor, error) {
	return f.nearby, nil
}

type fakeBroadcaster struct {
	created, updated, deleted int
}

func (f *fakeBroadcaster) BroadcastCreated(sessionID string, a *Anchor, originatorUserID string) {
	f.created++
}
func (f *fakeBroadcaster) BroadcastUpdated(sessionID string, a *Anchor, originatorUserID string) {
	f.updated++
}
func (f *fakeBroadcaster) BroadcastDeleted(sessionID, anchorID, originatorUserID string) {
	f.deleted++
}

func newTestManager() (*Manager, *fakeStore, *fakeBroadcaster) {
	store := newFakeStore()
	bcast := &fakeBroadcaster{}
	m := NewManager(DefaultConfig(), store, bcast, nil)
	return m, store, bcast
}

// identityRotation is a valid unit quaternion for tests that don't exercise
// rotation validation itself.
var identityRotation = protocol.Quaternion{W: 1}

// forceExpired backdates an already-created anchor's expiry directly in the
// cache, for tests that need an expired anchor without going through
// Create's expires_at > created_at invariant.
func forceExpired(m *Manager, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	past := time.Now().Add(-time.Hour)
	m.anchors[id].ExpiresAt = &past
}

func TestManager_Create_PersistentAnchorHasNoExpiry(t *testing.T) {
	m, store, bcast := newTestManager()
	ctx := context.Background()

	a, err := m.Create(ctx, CreateInput{
		SessionID:  "sess-1",
		UserID:     "user-1",
		Position:   protocol.Vector3{X: 1, Y: 2, Z: 3},
		Rotation:   identityRotation,
		AnchorType: TypePersistent,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ExpiresAt != nil {
		t.Errorf("persistent anchor should not expire, got %v", a.ExpiresAt)
	}
	if _, ok := store.stored[a.ID]; !ok {
		t.Error("anchor was not persisted")
	}
	if bcast.created != 1 {
		t.Errorf("BroadcastCreated calls = %d, want 1", bcast.created)
	}
}

func TestManager_Create_TemporaryAnchorGetsExpiry(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	before := time.Now()
	a, err := m.Create(ctx, CreateInput{
		SessionID:  "sess-1",
		UserID:     "user-1",
		Rotation:   identityRotation,
		AnchorType: TypeTemporary,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ExpiresAt == nil {
		t.Fatal("temporary anchor should have an expiry")
	}
	if a.ExpiresAt.Before(before.Add(m.cfg.DefaultAnchorLifetime)) {
		t.Errorf("expires_at too soon: %v", a.ExpiresAt)
	}
}

func TestManager_Create_SessionLimitExceeded(t *testing.T) {
	m, _, _ := newTestManager()
	m.cfg.MaxAnchorsPerSession = 2
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.Create(ctx, CreateInput{SessionID: "sess-1", UserID: "u", Rotation: identityRotation, AnchorType: TypePersistent}); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	_, err := m.Create(ctx, CreateInput{SessionID: "sess-1", UserID: "u", Rotation: identityRotation, AnchorType: TypePersistent})
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.AnchorLimitExceeded {
		t.Fatalf("err = %v, want AnchorLimitExceeded", err)
	}
}

func TestManager_Update_UnknownIDReturnsNil(t *testing.T) {
	m, _, _ := newTestManager()
	a, err := m.Update(context.Background(), "missing", UpdateInput{}, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != nil {
		t.Errorf("expected nil anchor for unknown id, got %+v", a)
	}
}

func TestManager_Update_MetadataShallowMerge(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	a, _ := m.Create(ctx, CreateInput{
		SessionID:  "sess-1",
		UserID:     "user-1",
		Rotation:   identityRotation,
		AnchorType: TypePersistent,
		Metadata:   map[string]interface{}{"label": "kitchen", "color": "red"},
	})

	updated, err := m.Update(ctx, a.ID, UpdateInput{
		Metadata: map[string]interface{}{"color": "blue"},
	}, "user-1")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Metadata["label"] != "kitchen" {
		t.Errorf("unrelated metadata key was dropped: %+v", updated.Metadata)
	}
	if updated.Metadata["color"] != "blue" {
		t.Errorf("metadata key was not overwritten: %+v", updated.Metadata)
	}
}

func TestManager_Update_PartialFieldsLeaveOthersUnchanged(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	a, _ := m.Create(ctx, CreateInput{
		SessionID:  "sess-1",
		UserID:     "user-1",
		Position:   protocol.Vector3{X: 1, Y: 1, Z: 1},
		Rotation:   identityRotation,
		AnchorType: TypePersistent,
	})

	newConfidence := 0.9
	updated, err := m.Update(ctx, a.ID, UpdateInput{Confidence: &newConfidence}, "user-1")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", updated.Confidence)
	}
	if updated.Position != a.Position {
		t.Errorf("Position changed unexpectedly: %+v", updated.Position)
	}
}

func TestManager_Delete_IsIdempotent(t *testing.T) {
	m, store, bcast := newTestManager()
	ctx := context.Background()

	a, _ := m.Create(ctx, CreateInput{SessionID: "sess-1", UserID: "user-1", Rotation: identityRotation, AnchorType: TypePersistent})

	if err := m.Delete(ctx, a.ID, "user-1"); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	if err := m.Delete(ctx, a.ID, "user-1"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if !store.deleted[a.ID] {
		t.Error("anchor was not deleted from persistence")
	}
	if bcast.deleted != 1 {
		t.Errorf("BroadcastDeleted calls = %d, want 1 (idempotent no-op on second call)", bcast.deleted)
	}
	if _, ok := m.Get(a.ID); ok {
		t.Error("deleted anchor still resolvable via Get")
	}
}

func TestManager_Query_PositionWithoutSessionDelegatesToStore(t *testing.T) {
	m, store, _ := newTestManager()
	ctx := context.Background()

	// In-memory anchor that the delegated FindNearby does NOT know about.
	if _, err := m.Create(ctx, CreateInput{SessionID: "sess-1", UserID: "u", Rotation: identityRotation, AnchorType: TypePersistent}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	storeOnly := &Anchor{ID: "store-only", SessionID: "sess-2", UserID: "u2"}
	store.nearby = []*Anchor{storeOnly}

	pos := protocol.Vector3{X: 0, Y: 0, Z: 0}
	results, err := m.Query(ctx, Query{Position: &pos, Radius: 10})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].ID != "store-only" {
		t.Fatalf("Query did not delegate to store.FindNearby, got %+v", results)
	}
}

func TestManager_Query_FiltersBySessionAndUser(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	a1, _ := m.Create(ctx, CreateInput{SessionID: "sess-1", UserID: "alice", Rotation: identityRotation, AnchorType: TypePersistent})
	_, _ = m.Create(ctx, CreateInput{SessionID: "sess-1", UserID: "bob", Rotation: identityRotation, AnchorType: TypePersistent})
	_, _ = m.Create(ctx, CreateInput{SessionID: "sess-2", UserID: "alice", Rotation: identityRotation, AnchorType: TypePersistent})

	results, err := m.Query(ctx, Query{SessionID: "sess-1", UserID: "alice"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].ID != a1.ID {
		t.Fatalf("Query = %+v, want only %s", results, a1.ID)
	}
}

func TestManager_Query_ExcludesExpired(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	a, err := m.Create(ctx, CreateInput{
		SessionID:  "sess-1",
		UserID:     "u",
		Rotation:   identityRotation,
		AnchorType: TypeTemporary,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	forceExpired(m, a.ID)

	results, err := m.Query(ctx, Query{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected expired anchor excluded, got %+v", results)
	}
}

func TestManager_SweepExpired_RemovesAndBroadcasts(t *testing.T) {
	m, store, bcast := newTestManager()
	ctx := context.Background()

	a, _ := m.Create(ctx, CreateInput{
		SessionID:  "sess-1",
		UserID:     "u",
		Rotation:   identityRotation,
		AnchorType: TypeTemporary,
	})
	forceExpired(m, a.ID)

	m.sweepExpired(ctx)

	if !store.deleted[a.ID] {
		t.Error("expired anchor was not deleted from persistence")
	}
	if bcast.deleted != 1 {
		t.Errorf("BroadcastDeleted calls = %d, want 1", bcast.deleted)
	}
}
