package anchorsync

import (
	"errors"
	"testing"
	"time"

	"spatialmesh/internal/anchor"
)

type fakeSender struct {
	frames []interface{}
	fail   bool
}

func (f *fakeSender) Send(frame interface{}) error {
	if f.fail {
		return errors.New("send failed")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func TestEngine_Join_SendsInitialAnchorsInBatches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SyncBatchSize = 2
	e := NewEngine(cfg, nil)

	anchors := []*anchor.Anchor{{ID: "a1"}, {ID: "a2"}, {ID: "a3"}}
	sender := &fakeSender{}
	e.Join("sess-1", "user-1", sender, anchors)

	if len(sender.frames) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(sender.frames))
	}
	first := sender.frames[0].(InitialAnchorsBatch)
	if first.TotalBatches != 2 || first.TotalAnchors != 3 || len(first.Anchors) != 2 {
		t.Errorf("unexpected first batch: %+v", first)
	}
	second := sender.frames[1].(InitialAnchorsBatch)
	if len(second.Anchors) != 1 {
		t.Errorf("unexpected second batch: %+v", second)
	}
}

func TestEngine_BroadcastCreated_SkipsOriginator(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	a := &anchor.Anchor{ID: "a1"}

	senderA := &fakeSender{}
	senderB := &fakeSender{}
	e.Join("sess-1", "alice", senderA, nil)
	e.Join("sess-1", "bob", senderB, nil)
	e.Subscribe("sess-1", "bob", "a1")

	e.BroadcastCreated("sess-1", a, "alice")

	if len(senderA.frames) != 0 {
		t.Errorf("originator should not receive its own broadcast, got %d frames", len(senderA.frames))
	}
	if len(senderB.frames) != 1 {
		t.Fatalf("subscribed peer should receive broadcast, got %d frames", len(senderB.frames))
	}
}

func TestEngine_BroadcastCreated_RequiresSubscription(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	a := &anchor.Anchor{ID: "a1"}

	senderB := &fakeSender{}
	e.Join("sess-1", "bob", senderB, nil)
	// bob has not subscribed to a1

	e.BroadcastCreated("sess-1", a, "alice")

	if len(senderB.frames) != 0 {
		t.Errorf("unsubscribed peer should not receive create broadcast, got %d frames", len(senderB.frames))
	}
}

func TestEngine_BroadcastDeleted_IsUnconditional(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)

	senderB := &fakeSender{}
	e.Join("sess-1", "bob", senderB, nil)
	// bob has not subscribed, but delete must still reach him

	e.BroadcastDeleted("sess-1", "a1", "alice")

	if len(senderB.frames) != 1 {
		t.Fatalf("delete broadcast should be unconditional, got %d frames", len(senderB.frames))
	}
	frame := senderB.frames[0].(MutationFrame)
	if frame.Type != frameAnchorDeleted || frame.AnchorID != "a1" {
		t.Errorf("unexpected delete frame: %+v", frame)
	}
}

func TestEngine_Broadcast_SendFailureMarksInactiveWithoutAbortingOthers(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)

	failing := &fakeSender{fail: true}
	ok := &fakeSender{}
	e.Join("sess-1", "bob", failing, nil)
	e.Join("sess-1", "carol", ok, nil)

	e.BroadcastDeleted("sess-1", "a1", "alice")

	if len(ok.frames) != 1 {
		t.Errorf("healthy recipient should still receive broadcast, got %d frames", len(ok.frames))
	}

	// bob should have been dropped from the roster after the failed send.
	sc := e.sessionFor("sess-1")
	sc.mu.RLock()
	_, stillPresent := sc.clients["bob"]
	sc.mu.RUnlock()
	if stillPresent {
		t.Error("client with failed send should be marked inactive/removed")
	}
}

func TestEngine_SweepIdle_RemovesStaleClients(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClientTimeout = 10 * time.Millisecond
	e := NewEngine(cfg, nil)

	e.Join("sess-1", "bob", &fakeSender{}, nil)
	time.Sleep(20 * time.Millisecond)

	removed := e.SweepIdle()
	if len(removed) != 1 || removed[0].UserID != "bob" {
		t.Fatalf("expected bob removed, got %+v", removed)
	}
}

func TestEngine_Leave_EmptiesSession(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	e.Join("sess-1", "bob", &fakeSender{}, nil)
	e.Leave("sess-1", "bob")

	e.mu.RLock()
	_, ok := e.sessions["sess-1"]
	e.mu.RUnlock()
	if ok {
		t.Error("session should be removed once its last client leaves")
	}
}
