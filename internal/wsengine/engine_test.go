package wsengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"spatialmesh/internal/anchor"
	"spatialmesh/internal/anchorsync"
	"spatialmesh/internal/anoncode"
	"spatialmesh/internal/identity"
	"spatialmesh/internal/protocol"
	"spatialmesh/internal/ratelimit"
	"spatialmesh/internal/session"
)

// testPersistence is a no-op anchor.Persistence for tests that only exercise
// the live cache, never the durable store.
type testPersistence struct{}

func (testPersistence) Store(_ context.Context, _ *anchor.Anchor) error { return nil }
func (testPersistence) Delete(_ context.Context, _ string) error       { return nil }
func (testPersistence) FindNearby(_ context.Context, _ protocol.Vector3, _ float64, _ int) ([]*anchor.Anchor, error) {
	return nil, nil
}

var _ anchor.Persistence = testPersistence{}

func newTestEngine(t *testing.T) (*Engine, *httptest.Server) {
	t.Helper()
	sessions := session.New()
	syncEngine := anchorsync.NewEngine(anchorsync.DefaultConfig(), zap.NewNop())
	anchors := anchor.NewManager(anchor.DefaultConfig(), testPersistence{}, syncEngine, zap.NewNop())
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	tokens, err := identity.NewTokenManager("test-secret-test-secret-test-secret")
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	codes := anoncode.NewMemoryDirectory()

	e := NewEngine(DefaultConfig(), sessions, anchors, syncEngine, limiter, tokens, codes, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(e.HandleWS))
	return e, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m map[string]interface{}
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return m
}

// joinAndDrain reads the two frames every admitted connection receives
// before any peer activity: session_state (internal/wsengine) followed by
// the sync engine's initial_anchors page (internal/anchorsync), and
// returns the session_state frame.
func joinAndDrain(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	state := readFrame(t, conn)
	if state["type"] != "session_state" {
		t.Fatalf("first frame type = %v, want session_state", state["type"])
	}
	initial := readFrame(t, conn)
	if initial["type"] != "initial_anchors" {
		t.Fatalf("second frame type = %v, want initial_anchors", initial["type"])
	}
	return state
}

func TestEngine_JoinAnonymous_ReceivesSessionState(t *testing.T) {
	e, srv := newTestEngine(t)
	defer srv.Close()

	sess := e.sessions.Create(session.CreateOptions{MaxPlayers: 4})

	conn := dial(t, srv, "session_id="+sess.ID+"&display_name=Alice")
	defer conn.Close()

	frame := joinAndDrain(t, conn)
	if frame["is_host"] != true {
		t.Error("first joiner should be admitted as host")
	}
}

func TestEngine_SecondJoiner_ReceivesUserJoinedBroadcast(t *testing.T) {
	e, srv := newTestEngine(t)
	defer srv.Close()

	sess := e.sessions.Create(session.CreateOptions{MaxPlayers: 4})

	first := dial(t, srv, "session_id="+sess.ID+"&display_name=Alice")
	defer first.Close()
	joinAndDrain(t, first)

	second := dial(t, srv, "session_id="+sess.ID+"&display_name=Bob")
	defer second.Close()
	joinAndDrain(t, second)

	frame := readFrame(t, first) // user_joined broadcast to Alice
	if frame["type"] != "user_joined" {
		t.Fatalf("frame type = %v, want user_joined", frame["type"])
	}
	if frame["display_name"] != "Bob" {
		t.Errorf("display_name = %v, want Bob", frame["display_name"])
	}
}

func TestEngine_ChatMessage_BroadcastsToOtherPeersOnly(t *testing.T) {
	e, srv := newTestEngine(t)
	defer srv.Close()

	sess := e.sessions.Create(session.CreateOptions{MaxPlayers: 4})

	alice := dial(t, srv, "session_id="+sess.ID+"&display_name=Alice")
	defer alice.Close()
	joinAndDrain(t, alice)

	bob := dial(t, srv, "session_id="+sess.ID+"&display_name=Bob")
	defer bob.Close()
	joinAndDrain(t, bob)
	readFrame(t, alice) // user_joined

	now := time.Now().UnixMilli()
	if err := alice.WriteJSON(map[string]interface{}{"type": "chat_message", "timestamp": now, "message": "hi bob"}); err != nil {
		t.Fatalf("write chat: %v", err)
	}

	frame := readFrame(t, bob)
	if frame["type"] != "chat_message" || frame["message"] != "hi bob" {
		t.Errorf("bob received %+v, want chat_message 'hi bob'", frame)
	}
}

func TestEngine_Ping_RepliesWithPongEchoingClientTimestamp(t *testing.T) {
	e, srv := newTestEngine(t)
	defer srv.Close()

	sess := e.sessions.Create(session.CreateOptions{MaxPlayers: 4})
	conn := dial(t, srv, "session_id="+sess.ID)
	defer conn.Close()
	joinAndDrain(t, conn)

	clientTS := time.Now().UnixMilli()
	if err := conn.WriteJSON(map[string]interface{}{"type": "ping", "timestamp": clientTS}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "pong" {
		t.Fatalf("frame type = %v, want pong", frame["type"])
	}
	if int64(frame["client_timestamp"].(float64)) != clientTS {
		t.Errorf("client_timestamp = %v, want %d", frame["client_timestamp"], clientTS)
	}
}

func TestEngine_PoseUpdate_OnlyReachesColocalizedPeers(t *testing.T) {
	e, srv := newTestEngine(t)
	defer srv.Close()

	sess := e.sessions.Create(session.CreateOptions{MaxPlayers: 4})

	alice := dial(t, srv, "session_id="+sess.ID+"&display_name=Alice")
	defer alice.Close()
	joinAndDrain(t, alice)

	bob := dial(t, srv, "session_id="+sess.ID+"&display_name=Bob")
	defer bob.Close()
	joinAndDrain(t, bob)
	readFrame(t, alice) // user_joined

	now := time.Now().UnixMilli()
	pose := map[string]interface{}{
		"type": "pose_update", "timestamp": now,
		"pose": map[string]interface{}{
			"position":       map[string]float64{"x": 1, "y": 2, "z": 3},
			"rotation":       map[string]float64{"x": 0, "y": 0, "z": 0, "w": 1},
			"confidence":     0.9,
			"tracking_state": "tracking",
		},
	}
	if err := alice.WriteJSON(pose); err != nil {
		t.Fatalf("write pose: %v", err)
	}

	bob.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var m map[string]interface{}
	if err := bob.ReadJSON(&m); err == nil {
		t.Errorf("bob should not receive pose_update before reporting colocalized, got %+v", m)
	}
}

func TestEngine_Leave_TransfersHostToRemainingPlayer(t *testing.T) {
	e, srv := newTestEngine(t)
	defer srv.Close()

	sess := e.sessions.Create(session.CreateOptions{MaxPlayers: 4})

	alice := dial(t, srv, "session_id="+sess.ID+"&display_name=Alice")
	joinAndDrain(t, alice)

	bob := dial(t, srv, "session_id="+sess.ID+"&display_name=Bob")
	defer bob.Close()
	joinAndDrain(t, bob)
	readFrame(t, alice) // user_joined

	alice.Close()

	readFrame(t, bob) // user_left
	frame := readFrame(t, bob)
	if frame["type"] != "host_transfer" {
		t.Fatalf("frame type = %v, want host_transfer", frame["type"])
	}
}
