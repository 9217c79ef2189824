// Package wsengine implements the session fan-out engine (§4.G): WebSocket
// admission, the per-connection read loop, inbound dispatch, broadcast, and
// the heartbeat/disconnect sweeper. Grounded on websocket_server.py.
package wsengine

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"spatialmesh/internal/anchor"
	"spatialmesh/internal/anchorsync"
	"spatialmesh/internal/anoncode"
	"spatialmesh/internal/apierr"
	"spatialmesh/internal/identity"
	"spatialmesh/internal/protocol"
	"spatialmesh/internal/ratelimit"
	"spatialmesh/internal/session"
	"spatialmesh/internal/validate"
)

// Config holds the engine's tunables (§4.G/§4.C unified idle threshold).
type Config struct {
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	DefaultMaxPlayers int
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:       90 * time.Second,
		SweepInterval:     30 * time.Second,
		DefaultMaxPlayers: 16,
	}
}

// Engine owns session admission, the fan-out sync registration, and the
// idle sweeper. One Engine serves every session in the process.
type Engine struct {
	cfg       Config
	sessions  *session.Store
	anchors   *anchor.Manager
	sync      *anchorsync.Engine
	limiter   *ratelimit.Limiter
	tokens    *identity.TokenManager
	codes     anoncode.Directory
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

func NewEngine(cfg Config, sessions *session.Store, anchors *anchor.Manager, sync_ *anchorsync.Engine, limiter *ratelimit.Limiter, tokens *identity.TokenManager, codes anoncode.Directory, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		sessions: sessions,
		anchors:  anchors,
		sync:     sync_,
		limiter:  limiter,
		tokens:   tokens,
		codes:    codes,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   logger,
	}
}

// connSender serializes writes to a single gorilla/websocket connection,
// which requires at most one concurrent writer (§4.G Concurrency).
type connSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *connSender) Send(frame interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(frame)
}

// HandleWS upgrades the request, admits the connection per §4.E/§4.G, and
// runs its read loop until disconnect.
func (e *Engine) HandleWS(w http.ResponseWriter, r *http.Request) {
	id, err := e.authenticate(r)
	if err != nil {
		apiErr, _ := apierr.As(err)
		http.Error(w, apiErr.Message, apiErr.HTTPStatus())
		return
	}

	sessionID, err := e.resolveSession(r)
	if err != nil {
		apiErr, _ := apierr.As(err)
		http.Error(w, apiErr.Message, apiErr.HTTPStatus())
		return
	}

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sender := &connSender{conn: conn}
	perms := identity.DerivePermissions(id)
	displayName := id.DisplayName
	if displayName == "" {
		displayName = id.Username
	}
	player := &session.Player{
		UserID:      id.ID,
		DisplayName: displayName,
		Permissions: perms,
		JoinTime:    time.Now(),
		IsAnonymous: id.IsAnonymous(),
		LastPing:    time.Now(),
		Send:        sender.Send,
	}

	if err := e.sessions.Join(sessionID, player); err != nil {
		apiErr, _ := apierr.As(err)
		conn.WriteJSON(protocol.ErrorFrame{Error: true, Code: string(apiErr.Kind), Message: apiErr.Message, Timestamp: time.Now().UnixMilli()})
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(apiErr.Kind.WSCloseCode(), apiErr.Message), time.Now().Add(time.Second))
		return
	}

	e.onJoined(sessionID, player, sender)
	defer e.onLeft(sessionID, player.UserID)

	e.readLoop(r.Context(), conn, sessionID, player)
}

func (e *Engine) authenticate(r *http.Request) (identity.Identity, error) {
	if token := bearerToken(r); token != "" {
		id, err := e.tokens.VerifyAccessToken(token)
		if err != nil {
			return identity.Identity{}, apierr.New(apierr.AuthFailed, "invalid or expired token")
		}
		return id, nil
	}
	id, err := identity.MintAnonymous(r.URL.Query().Get("display_name"))
	if err != nil {
		return identity.Identity{}, apierr.New(apierr.Internal, "failed to mint anonymous identity")
	}
	return id, nil
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

// resolveSession accepts the session id from the /ws/{session_id} path
// variable (the canonical route) or, for callers that address a session by
// its share code, the ?session_id=/?code= query params. An id that matches
// no live session is retried as a share code before failing (§4.D), mirroring
// the {id_or_code} convention used by the public session summary endpoint.
func (e *Engine) resolveSession(r *http.Request) (string, error) {
	idOrCode := mux.Vars(r)["session_id"]
	if idOrCode == "" {
		idOrCode = r.URL.Query().Get("session_id")
	}
	if idOrCode == "" {
		idOrCode = r.URL.Query().Get("code")
	}
	if idOrCode == "" {
		return "", apierr.New(apierr.ValidationError, "session_id or code is required")
	}

	if _, ok := e.sessions.Get(idOrCode); ok {
		return idOrCode, nil
	}
	sid, err := e.codes.Resolve(r.Context(), idOrCode)
	if err != nil {
		return "", apierr.New(apierr.SessionNotFound, "session not found")
	}
	return sid, nil
}

// onJoined emits session_state to the new client and user_joined to its
// peers, and registers the client with the sync engine (§4.G Admission).
func (e *Engine) onJoined(sessionID string, player *session.Player, sender *connSender) {
	summary, ok := e.sessions.SessionSummary(sessionID)
	if !ok {
		return
	}
	roster, _ := e.sessions.Roster(sessionID)
	isHost := e.sessions.PlayerIsHost(sessionID, player.UserID)

	anchors, _ := e.anchors.Query(context.Background(), anchor.Query{SessionID: sessionID})

	sender.Send(sessionStateFrame{
		Type:                 "session_state",
		SessionID:            summary.ID,
		ColocalizationMethod: summary.ColocalizationMethod,
		CoordinateSystem:     summary.CoordinateSystem,
		IsColocalized:        summary.IsColocalized,
		Roster:               roster,
		IsHost:               isHost,
	})

	e.broadcastToPeers(sessionID, player.UserID, userJoinedFrame{
		Type:        "user_joined",
		UserID:      player.UserID,
		DisplayName: player.DisplayName,
		IsHost:      isHost,
	})

	e.sync.Join(sessionID, player.UserID, sender, anchors)
}

func (e *Engine) onLeft(sessionID, userID string) {
	found, emptied, newHost, hostChanged := e.sessions.Leave(sessionID, userID)
	e.limiter.Forget(userID)
	e.sync.Leave(sessionID, userID)
	if !found {
		return
	}

	e.broadcastToPeers(sessionID, userID, userLeftFrame{Type: "user_left", UserID: userID})
	if hostChanged {
		e.broadcastToPeers(sessionID, "", hostTransferFrame{Type: "host_transfer", NewHostUserID: newHost})
	}
	if emptied {
		e.sessions.Delete(sessionID)
	}
}

type sessionStateFrame struct {
	Type                 string                         `json:"type"`
	SessionID            string                         `json:"session_id"`
	ColocalizationMethod protocol.ColocalizationMethod  `json:"colocalization_method"`
	CoordinateSystem     *session.CoordinateSystem      `json:"coordinate_system,omitempty"`
	IsColocalized        bool                           `json:"is_colocalized"`
	Roster               []string                       `json:"roster"`
	IsHost               bool                           `json:"is_host"`
}

type userJoinedFrame struct {
	Type        string `json:"type"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsHost      bool   `json:"is_host"`
}

type userLeftFrame struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

type hostTransferFrame struct {
	Type          string `json:"type"`
	NewHostUserID string `json:"new_host_user_id"`
}
