// Package anchor implements spatial anchor CRUD, the in-memory cache with
// write-through persistence, spatial queries, and the expiry sweeper
// (§4.H). Persistence itself lives in internal/anchorstore.
package anchor

import (
	"time"

	"spatialmesh/internal/protocol"
)

// TrackingState is the anchor lifecycle state (§3), distinct from the
// pose-level protocol.TrackingState.
type TrackingState string

const (
	TrackingTracking TrackingState = "tracking"
	TrackingPaused   TrackingState = "paused"
	TrackingStopped  TrackingState = "stopped"
)

// Type is the anchor's durability class.
type Type string

const (
	TypePersistent Type = "persistent"
	TypeTemporary  Type = "temporary"
	TypeShared     Type = "shared"
)

// PermissionLevel is a sharing grant's access level.
type PermissionLevel string

const (
	PermissionRead  PermissionLevel = "read"
	PermissionWrite PermissionLevel = "write"
	PermissionAdmin PermissionLevel = "admin"
)

// HistoryAction enumerates the append-only history log's action kinds.
type HistoryAction string

const (
	ActionCreated HistoryAction = "created"
	ActionUpdated HistoryAction = "updated"
	ActionDeleted HistoryAction = "deleted"
	ActionShared  HistoryAction = "shared"
	ActionExpired HistoryAction = "expired"
)

// Anchor is a persistent 6-DoF pose in a session's world frame (§3).
type Anchor struct {
	ID            string
	SessionID     string
	UserID        string
	Position      protocol.Vector3
	Rotation      protocol.Quaternion
	Confidence    float64
	TrackingState TrackingState
	AnchorType    Type
	Metadata      map[string]interface{}
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     *time.Time
}

// IsExpired reports whether the anchor's expires_at has passed.
func (a *Anchor) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// ShareGrant is a sharing grant independent of the anchor's own lifetime
// (§3); deleting the anchor cascades its grants.
type ShareGrant struct {
	AnchorID       string
	SharedWithUser string
	GrantedBy      string
	Permission     PermissionLevel
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

// HistoryEntry is one append-only row in the anchor history log.
type HistoryEntry struct {
	AnchorID     string
	Action       HistoryAction
	UserID       string
	Before       *Anchor
	After        *Anchor
	MetadataDiff map[string]interface{}
	Timestamp    time.Time
}

// CreateInput is the set of fields a caller may supply when creating an
// anchor.
type CreateInput struct {
	ID         string // optional; generated if empty
	SessionID  string
	UserID     string
	Position   protocol.Vector3
	Rotation   protocol.Quaternion
	AnchorType Type
	Metadata   map[string]interface{}
	// LifetimeOverride, if non-nil, overrides the default temporary-anchor
	// lifetime.
	LifetimeOverride *time.Duration
}

// UpdateInput is a partial update; nil fields are left unchanged.
type UpdateInput struct {
	Position      *protocol.Vector3
	Rotation      *protocol.Quaternion
	Confidence    *float64
	TrackingState *TrackingState
	Metadata      map[string]interface{}
}

// Query filters anchors (§4.H Query).
type Query struct {
	SessionID       string
	UserID          string
	AnchorType      Type
	TrackingState   TrackingState
	MinConfidence   *float64
	Position        *protocol.Vector3
	Radius          float64 // meters; only meaningful when Position != nil
	Limit           int
}
