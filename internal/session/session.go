// Package session implements the in-memory session store, host election,
// and idle sweeper from §4.C.
package session

import (
	"time"

	"spatialmesh/internal/identity"
	"spatialmesh/internal/protocol"
)

// CoordinateSystem is the session-wide world frame published by the host
// (§3). Nil until the host publishes one.
type CoordinateSystem struct {
	Origin     protocol.Vector3    `json:"origin"`
	Rotation   protocol.Quaternion `json:"rotation"`
	PublishedAt time.Time          `json:"published_at"`
}

// Player is a session member, bounded by the lifetime of its WebSocket
// connection (§3).
type Player struct {
	UserID        string
	DisplayName   string
	Permissions   identity.Permissions
	Pose          *protocol.Pose
	JoinTime      time.Time
	IsHost        bool
	IsAnonymous   bool
	LastPing      time.Time
	Colocalized   bool

	// Send delivers a server->client frame to this player's connection.
	// Set by the fan-out engine (internal/wsengine) at admission time; nil
	// in tests that exercise the store directly.
	Send func(frame interface{}) error
}

// Session is a short-lived collaborative AR session (§3). Sessions are
// never persisted: a restart loses them by design (§6).
type Session struct {
	ID                   string
	CreationTime         time.Time
	HostUserID           string
	MaxPlayers           int
	ColocalizationMethod protocol.ColocalizationMethod
	CoordinateSystem     *CoordinateSystem
	IsColocalized        bool
	Players              map[string]*Player
}

// IsEmpty reports whether the session has no players and is eligible for GC.
func (s *Session) IsEmpty() bool { return len(s.Players) == 0 }
