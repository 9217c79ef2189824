// Package protocol defines the WebSocket wire vocabulary shared between the
// validator (internal/validate), the fan-out engine (internal/wsengine) and
// the anchor sync engine (internal/anchorsync).
package protocol

import "math"

// MessageType is the closed set of client->server frame types (§4.F).
// coordinate_system is deliberately absent: it is server->client only.
type MessageType string

const (
	TypePoseUpdate         MessageType = "pose_update"
	TypeAnchorCreate       MessageType = "anchor_create"
	TypeAnchorUpdate       MessageType = "anchor_update"
	TypeAnchorDelete       MessageType = "anchor_delete"
	TypeColocalizationData MessageType = "colocalization_data"
	TypeChatMessage        MessageType = "chat_message"
	TypePing               MessageType = "ping"
	TypePong               MessageType = "pong"
)

// Server->client emitted types (§6).
const (
	TypeSessionState     MessageType = "session_state"
	TypeUserJoined       MessageType = "user_joined"
	TypeUserLeft         MessageType = "user_left"
	TypeAnchorCreated    MessageType = "anchor_created"
	TypeAnchorUpdated    MessageType = "anchor_updated"
	TypeAnchorDeleted    MessageType = "anchor_deleted"
	TypeInitialAnchors   MessageType = "initial_anchors"
	TypeAnchorState      MessageType = "anchor_state"
	TypeCoordinateSystem MessageType = "coordinate_system"
	TypeError            MessageType = "error"
)

// TrackingState is the pose/message-level tracking state, distinct from the
// anchor lifecycle's tracking_state (anchor.TrackingState).
type TrackingState string

const (
	TrackingStateTracking    TrackingState = "tracking"
	TrackingStateLimited     TrackingState = "limited"
	TrackingStateUnavailable TrackingState = "not_available"
)

// ColocalizationMethod enumerates how a session's peers agree on a shared
// world coordinate frame.
type ColocalizationMethod string

const (
	ColocalizationQRCode ColocalizationMethod = "qr_code"
	ColocalizationVisual ColocalizationMethod = "visual"
	ColocalizationGPS    ColocalizationMethod = "gps"
	ColocalizationManual ColocalizationMethod = "manual"
)

// Vector3 is a finite 3D coordinate, validated to within +/-1000 (§4.F).
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion is [x,y,z,w] ordered to match the wire format (distinct from
// the EKF's internal [w,x,y,z] ordering, see internal/vio).
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Norm returns the quaternion's Euclidean magnitude.
func (q Quaternion) Norm() float64 {
	return math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
}

// IsValid applies the loose wire-level tolerance from §3: [0.9, 1.1].
func (q Quaternion) IsValid() bool {
	n := q.Norm()
	return n >= 0.9 && n <= 1.1
}

// Pose is the AR pose payload embedded in pose_update messages.
type Pose struct {
	Position      Vector3       `json:"position"`
	Rotation      Quaternion    `json:"rotation"`
	Confidence    float64       `json:"confidence"`
	TrackingState TrackingState `json:"tracking_state"`
}

// Envelope is the common header every inbound frame carries.
type Envelope struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// PoseUpdateMessage is the pose_update frame.
type PoseUpdateMessage struct {
	Envelope
	Pose Pose `json:"pose"`
}

// AnchorCreateMessage is the anchor_create frame.
type AnchorCreateMessage struct {
	Envelope
	AnchorID string                 `json:"anchor_id"`
	Position Vector3                `json:"position"`
	Rotation Quaternion             `json:"rotation"`
	Metadata map[string]interface{} `json:"metadata"`
}

// AnchorUpdateMessage is the anchor_update frame; all payload fields optional.
type AnchorUpdateMessage struct {
	Envelope
	AnchorID string                 `json:"anchor_id"`
	Position *Vector3               `json:"position,omitempty"`
	Rotation *Quaternion            `json:"rotation,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// AnchorDeleteMessage is the anchor_delete frame.
type AnchorDeleteMessage struct {
	Envelope
	AnchorID string `json:"anchor_id"`
}

// ChatMessage is the chat_message frame.
type ChatMessage struct {
	Envelope
	Message string `json:"message"`
}

// ColocalizationDataMessage is the colocalization_data frame.
type ColocalizationDataMessage struct {
	Envelope
	Colocalized      bool                   `json:"colocalized"`
	Method           ColocalizationMethod   `json:"method"`
	CoordinateSystem map[string]interface{} `json:"coordinate_system,omitempty"`
	ReferenceData    map[string]interface{} `json:"reference_data,omitempty"`
}

// PingMessage is the ping frame.
type PingMessage struct {
	Envelope
}

// PongMessage is the pong frame.
type PongMessage struct {
	Envelope
	ClientTimestamp *int64 `json:"client_timestamp,omitempty"`
}

// ErrorFrame is the shape of every error sent to a WebSocket client (§7).
type ErrorFrame struct {
	Error     bool        `json:"error"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Timestamp int64       `json:"timestamp"`
}
