// Package validate schema-validates inbound WebSocket frames against the
// closed message-type set and field constraints from §4.F.
package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"spatialmesh/internal/protocol"
)

var anchorIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// ValidationError describes why a frame was rejected; callers translate it
// into a protocol.ErrorFrame with code VALIDATION_ERROR.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func errf(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Message is the validated, typed result of parsing an inbound frame.
type Message struct {
	Type         protocol.MessageType
	PoseUpdate   *protocol.PoseUpdateMessage
	AnchorCreate *protocol.AnchorCreateMessage
	AnchorUpdate *protocol.AnchorUpdateMessage
	AnchorDelete *protocol.AnchorDeleteMessage
	Chat         *protocol.ChatMessage
	Colocalize   *protocol.ColocalizationDataMessage
	Ping         *protocol.PingMessage
	Pong         *protocol.PongMessage
}

// Parse validates raw JSON bytes against the schema selected by the
// envelope's "type" field. It never panics on malformed input.
func Parse(raw []byte, now time.Time) (*Message, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errf("", "invalid JSON: %v", err)
	}
	if env.Type == "" {
		return nil, errf("type", "message type is required")
	}
	if err := validateTimestamp(env.Timestamp, now); err != nil {
		return nil, err
	}

	switch env.Type {
	case protocol.TypePoseUpdate:
		var m protocol.PoseUpdateMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errf("pose", "malformed pose_update: %v", err)
		}
		if err := validatePose(m.Pose); err != nil {
			return nil, err
		}
		return &Message{Type: env.Type, PoseUpdate: &m}, nil

	case protocol.TypeAnchorCreate:
		var m protocol.AnchorCreateMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errf("anchor_create", "malformed anchor_create: %v", err)
		}
		if err := validateAnchorID(m.AnchorID); err != nil {
			return nil, err
		}
		if err := validateVector3(m.Position, "position"); err != nil {
			return nil, err
		}
		if err := validateQuaternion(m.Rotation); err != nil {
			return nil, err
		}
		if err := validateMetadataSize(m.Metadata); err != nil {
			return nil, err
		}
		return &Message{Type: env.Type, AnchorCreate: &m}, nil

	case protocol.TypeAnchorUpdate:
		var m protocol.AnchorUpdateMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errf("anchor_update", "malformed anchor_update: %v", err)
		}
		if err := validateAnchorID(m.AnchorID); err != nil {
			return nil, err
		}
		if m.Position != nil {
			if err := validateVector3(*m.Position, "position"); err != nil {
				return nil, err
			}
		}
		if m.Rotation != nil {
			if err := validateQuaternion(*m.Rotation); err != nil {
				return nil, err
			}
		}
		if m.Metadata != nil {
			if err := validateMetadataSize(m.Metadata); err != nil {
				return nil, err
			}
		}
		return &Message{Type: env.Type, AnchorUpdate: &m}, nil

	case protocol.TypeAnchorDelete:
		var m protocol.AnchorDeleteMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errf("anchor_delete", "malformed anchor_delete: %v", err)
		}
		if err := validateAnchorID(m.AnchorID); err != nil {
			return nil, err
		}
		return &Message{Type: env.Type, AnchorDelete: &m}, nil

	case protocol.TypeChatMessage:
		var m protocol.ChatMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errf("chat_message", "malformed chat_message: %v", err)
		}
		if err := validateChat(&m); err != nil {
			return nil, err
		}
		return &Message{Type: env.Type, Chat: &m}, nil

	case protocol.TypeColocalizationData:
		var m protocol.ColocalizationDataMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errf("colocalization_data", "malformed colocalization_data: %v", err)
		}
		return &Message{Type: env.Type, Colocalize: &m}, nil

	case protocol.TypePing:
		var m protocol.PingMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errf("ping", "malformed ping: %v", err)
		}
		return &Message{Type: env.Type, Ping: &m}, nil

	case protocol.TypePong:
		var m protocol.PongMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errf("pong", "malformed pong: %v", err)
		}
		return &Message{Type: env.Type, Pong: &m}, nil

	default:
		return nil, errf("type", "unknown message type: %s", env.Type)
	}
}

func validateTimestamp(ts int64, now time.Time) error {
	if ts <= 0 {
		return errf("timestamp", "timestamp must be positive")
	}
	nowMs := now.UnixMilli()
	if ts < nowMs-60000 || ts > nowMs+60000 {
		return errf("timestamp", "timestamp is too far from current time")
	}
	return nil
}

func validateCoordinate(v float64, field string) error {
	if v < -1000.0 || v > 1000.0 {
		return errf(field, "coordinate must be within +/-1000")
	}
	return nil
}

func validateVector3(v protocol.Vector3, field string) error {
	if err := validateCoordinate(v.X, field+".x"); err != nil {
		return err
	}
	if err := validateCoordinate(v.Y, field+".y"); err != nil {
		return err
	}
	if err := validateCoordinate(v.Z, field+".z"); err != nil {
		return err
	}
	return nil
}

func validateQuaternion(q protocol.Quaternion) error {
	for _, c := range []float64{q.X, q.Y, q.Z, q.W} {
		if c < -1.0 || c > 1.0 {
			return errf("rotation", "quaternion component must be within +/-1")
		}
	}
	if !q.IsValid() {
		return errf("rotation", "quaternion is not unit-norm")
	}
	return nil
}

func validatePose(p protocol.Pose) error {
	if err := validateVector3(p.Position, "position"); err != nil {
		return err
	}
	if err := validateQuaternion(p.Rotation); err != nil {
		return err
	}
	if p.Confidence < 0.0 || p.Confidence > 1.0 {
		return errf("confidence", "confidence must be within [0,1]")
	}
	switch p.TrackingState {
	case protocol.TrackingStateTracking, protocol.TrackingStateLimited, protocol.TrackingStateUnavailable, "":
	default:
		return errf("tracking_state", "unknown tracking_state: %s", p.TrackingState)
	}
	return nil
}

func validateAnchorID(id string) error {
	if !anchorIDPattern.MatchString(id) {
		return errf("anchor_id", "must match ^[A-Za-z0-9_-]{1,50}$")
	}
	return nil
}

// validateMetadataSize enforces a <=5KB cap measured on the actual
// serialized JSON byte length (a correction over the source's
// len(str(dict)) repr-length approximation).
func validateMetadataSize(metadata map[string]interface{}) error {
	if metadata == nil {
		return nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return errf("metadata", "metadata is not serializable")
	}
	if len(b) > 5000 {
		return errf("metadata", "metadata too large (%d bytes > 5000)", len(b))
	}
	return nil
}

func validateChat(m *protocol.ChatMessage) error {
	trimmed := strings.TrimSpace(m.Message)
	if trimmed == "" {
		return errf("message", "message cannot be empty")
	}
	if len([]rune(trimmed)) > 500 {
		return errf("message", "message exceeds 500 characters")
	}
	if len([]rune(trimmed)) > 10 && uniqueRuneCount(trimmed) < 3 {
		return errf("message", "message appears to be spam")
	}
	m.Message = trimmed
	return nil
}

func uniqueRuneCount(s string) int {
	seen := make(map[rune]struct{})
	for _, r := range s {
		seen[r] = struct{}{}
	}
	return len(seen)
}
