package session

import (
	"testing"
	"time"

	"spatialmesh/internal/protocol"
)

func newPlayer(userID string, joinTime time.Time) *Player {
	return &Player{UserID: userID, JoinTime: joinTime, LastPing: time.Now()}
}

func TestStore_CreateJoin_FirstPlayerIsHost(t *testing.T) {
	s := New()
	sess := s.Create(CreateOptions{MaxPlayers: 4, ColocalizationMethod: protocol.ColocalizationQRCode})

	p := newPlayer("alice", time.Now())
	if err := s.Join(sess.ID, p); err != nil {
		t.Fatalf("join: %v", err)
	}
	if !p.IsHost {
		t.Error("first player should be host")
	}
	if sess.HostUserID != "alice" {
		t.Errorf("HostUserID = %q, want alice", sess.HostUserID)
	}
}

func TestStore_Join_SessionFull(t *testing.T) {
	s := New()
	sess := s.Create(CreateOptions{MaxPlayers: 1})
	if err := s.Join(sess.ID, newPlayer("a", time.Now())); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := s.Join(sess.ID, newPlayer("b", time.Now())); err == nil {
		t.Error("want SessionFull error, got nil")
	}
}

func TestStore_Leave_HostTransfer_EarliestJoinTimeWins(t *testing.T) {
	s := New()
	sess := s.Create(CreateOptions{MaxPlayers: 4})
	base := time.Now()

	a := newPlayer("A", base)
	b := newPlayer("B", base.Add(time.Second))
	c := newPlayer("C", base.Add(2*time.Second))
	for _, p := range []*Player{a, b, c} {
		if err := s.Join(sess.ID, p); err != nil {
			t.Fatalf("join %s: %v", p.UserID, err)
		}
	}

	found, _, newHost, changed := s.Leave(sess.ID, "A")
	if !found {
		t.Fatal("expected Leave to find the session and player")
	}
	if !changed {
		t.Fatal("expected a host change")
	}
	if newHost != "B" {
		t.Errorf("newHost = %q, want B", newHost)
	}
}

func TestStore_Leave_HostTransfer_TieBrokenByUserID(t *testing.T) {
	s := New()
	sess := s.Create(CreateOptions{MaxPlayers: 4})
	same := time.Now()

	a := newPlayer("A", same)
	z := newPlayer("Z", same)
	c := newPlayer("C", same)
	for _, p := range []*Player{a, z, c} {
		if err := s.Join(sess.ID, p); err != nil {
			t.Fatalf("join %s: %v", p.UserID, err)
		}
	}

	_, _, newHost, changed := s.Leave(sess.ID, "A")
	if !changed {
		t.Fatal("expected a host change")
	}
	if newHost != "C" {
		t.Errorf("newHost = %q, want C (lowest remaining user_id)", newHost)
	}
}

func TestStore_Leave_LastPlayerEmptiesSession(t *testing.T) {
	s := New()
	sess := s.Create(CreateOptions{MaxPlayers: 4})
	if err := s.Join(sess.ID, newPlayer("solo", time.Now())); err != nil {
		t.Fatalf("join: %v", err)
	}
	found, emptied, _, changed := s.Leave(sess.ID, "solo")
	if !found {
		t.Fatal("expected Leave to find the session and player")
	}
	if changed {
		t.Error("no host transfer expected when session becomes empty")
	}
	if !emptied {
		t.Error("session should be empty after last player leaves")
	}
}

func TestStore_SweepIdle_RemovesStalePlayersAndEmptiesSessions(t *testing.T) {
	s := New()
	sess := s.Create(CreateOptions{MaxPlayers: 4})
	stale := newPlayer("stale", time.Now())
	stale.LastPing = time.Now().Add(-2 * time.Minute)
	if err := s.Join(sess.ID, stale); err != nil {
		t.Fatalf("join: %v", err)
	}

	idle, transfers, emptied := s.SweepIdle(90 * time.Second)
	if len(idle) != 1 || idle[0].UserID != "stale" {
		t.Errorf("idle = %+v, want one ref to stale", idle)
	}
	if len(transfers) != 0 {
		t.Errorf("transfers = %+v, want none when the only player leaves", transfers)
	}
	if len(emptied) != 1 || emptied[0] != sess.ID {
		t.Errorf("emptied = %+v, want session %s", emptied, sess.ID)
	}
	if _, ok := s.Get(sess.ID); ok {
		t.Error("emptied session should have been deleted")
	}
}

func TestStore_SweepIdle_ReelectsHostWhenHostGoesIdle(t *testing.T) {
	s := New()
	sess := s.Create(CreateOptions{MaxPlayers: 4})
	host := newPlayer("host", time.Now())
	host.LastPing = time.Now().Add(-2 * time.Minute)
	if err := s.Join(sess.ID, host); err != nil {
		t.Fatalf("join host: %v", err)
	}
	peer := newPlayer("peer", time.Now().Add(time.Second))
	if err := s.Join(sess.ID, peer); err != nil {
		t.Fatalf("join peer: %v", err)
	}

	_, transfers, emptied := s.SweepIdle(90 * time.Second)
	if len(emptied) != 0 {
		t.Errorf("emptied = %+v, want none", emptied)
	}
	if len(transfers) != 1 || transfers[0].NewHostID != "peer" {
		t.Errorf("transfers = %+v, want one transfer to peer", transfers)
	}
	remaining, _ := s.Get(sess.ID)
	if remaining.HostUserID != "peer" || !remaining.Players["peer"].IsHost {
		t.Error("peer should have been elected host")
	}
}

func TestStore_GetByUser(t *testing.T) {
	s := New()
	sess := s.Create(CreateOptions{MaxPlayers: 4})
	if err := s.Join(sess.ID, newPlayer("alice", time.Now())); err != nil {
		t.Fatalf("join: %v", err)
	}
	got, ok := s.GetByUser("alice")
	if !ok || got.ID != sess.ID {
		t.Errorf("GetByUser(alice) = %v, %v; want %s, true", got, ok, sess.ID)
	}
}
