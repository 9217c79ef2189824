package wsengine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"spatialmesh/internal/anchor"
	"spatialmesh/internal/apierr"
	"spatialmesh/internal/protocol"
	"spatialmesh/internal/session"
	"spatialmesh/internal/validate"
)

// readLoop processes inbound frames until the connection closes (§4.G
// Inbound dispatch).
func (e *Engine) readLoop(ctx context.Context, conn *websocket.Conn, sessionID string, player *session.Player) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if !e.limiter.Allow(player.UserID) {
			e.sendError(player, apierr.RateLimitExceeded, "rate limit exceeded")
			continue
		}

		e.sessions.Touch(sessionID, player.UserID)
		e.sync.Touch(sessionID, player.UserID)

		if !json.Valid(raw) {
			e.sendError(player, apierr.InvalidJSON, "invalid JSON")
			continue
		}

		msg, err := validate.Parse(raw, time.Now())
		if err != nil {
			e.sendError(player, apierr.ValidationError, err.Error())
			continue
		}

		e.dispatch(ctx, sessionID, player, msg)
	}
}

func (e *Engine) sendError(player *session.Player, kind apierr.Kind, message string) {
	_ = player.Send(protocol.ErrorFrame{
		Error:     true,
		Code:      string(kind),
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (e *Engine) dispatch(ctx context.Context, sessionID string, player *session.Player, msg *validate.Message) {
	switch msg.Type {
	case protocol.TypePoseUpdate:
		e.handlePoseUpdate(sessionID, player, msg.PoseUpdate)
	case protocol.TypeAnchorCreate:
		e.handleAnchorCreate(ctx, sessionID, player, msg.AnchorCreate)
	case protocol.TypeAnchorUpdate:
		e.handleAnchorUpdate(ctx, sessionID, player, msg.AnchorUpdate)
	case protocol.TypeAnchorDelete:
		e.handleAnchorDelete(ctx, sessionID, player, msg.AnchorDelete)
	case protocol.TypeColocalizationData:
		e.handleColocalizationData(sessionID, player, msg.Colocalize)
	case protocol.TypeChatMessage:
		e.handleChatMessage(sessionID, player, msg.Chat)
	case protocol.TypePing:
		e.handlePing(player, msg.Ping)
	case protocol.TypePong:
		// pong carries no server-side action beyond the Touch already applied.
	}
}

// handlePoseUpdate updates the player's pose and broadcasts only to
// colocalized peers (§4.G).
func (e *Engine) handlePoseUpdate(sessionID string, player *session.Player, m *protocol.PoseUpdateMessage) {
	e.sessions.SetPose(sessionID, player.UserID, m.Pose)

	frame := poseUpdateFrame{Type: "pose_update", UserID: player.UserID, Pose: m.Pose}
	e.broadcastToColocalizedPeers(sessionID, player.UserID, frame)
}

// handleAnchorCreate always mints a persistent anchor: anchor_create has no
// anchor_type or lifetime field on the wire (protocol.AnchorCreateMessage),
// unlike the REST POST /anchors path which accepts both.
func (e *Engine) handleAnchorCreate(ctx context.Context, sessionID string, player *session.Player, m *protocol.AnchorCreateMessage) {
	if !player.Permissions.CanCreateAnchors {
		e.sendError(player, apierr.PermissionDenied, "not permitted to create anchors")
		return
	}
	_, err := e.anchors.Create(ctx, anchor.CreateInput{
		ID:         m.AnchorID,
		SessionID:  sessionID,
		UserID:     player.UserID,
		Position:   m.Position,
		Rotation:   m.Rotation,
		AnchorType: anchor.TypePersistent,
		Metadata:   m.Metadata,
	})
	if err != nil {
		apiErr, _ := apierr.As(err)
		e.sendError(player, apiErr.Kind, apiErr.Message)
	}
}

func (e *Engine) handleAnchorUpdate(ctx context.Context, sessionID string, player *session.Player, m *protocol.AnchorUpdateMessage) {
	in := anchor.UpdateInput{Position: m.Position, Rotation: m.Rotation, Metadata: m.Metadata}
	_, err := e.anchors.Update(ctx, m.AnchorID, in, player.UserID)
	if err != nil {
		apiErr, _ := apierr.As(err)
		e.sendError(player, apiErr.Kind, apiErr.Message)
	}
}

func (e *Engine) handleAnchorDelete(ctx context.Context, sessionID string, player *session.Player, m *protocol.AnchorDeleteMessage) {
	if !player.Permissions.CanDeleteAnchors {
		e.sendError(player, apierr.PermissionDenied, "not permitted to delete anchors")
		return
	}
	if err := e.anchors.Delete(ctx, m.AnchorID, player.UserID); err != nil {
		apiErr, _ := apierr.As(err)
		e.sendError(player, apiErr.Kind, apiErr.Message)
	}
}

// handleColocalizationData applies a host-published coordinate system and
// updates the sender's colocalized flag (§4.G).
func (e *Engine) handleColocalizationData(sessionID string, player *session.Player, m *protocol.ColocalizationDataMessage) {
	if e.sessions.PlayerIsHost(sessionID, player.UserID) && len(m.CoordinateSystem) > 0 {
		if cs, ok := parseCoordinateSystem(m.CoordinateSystem); ok {
			cs.PublishedAt = time.Now()
			if e.sessions.PublishCoordinateSystem(sessionID, cs) {
				e.broadcastToPeers(sessionID, "", coordinateSystemFrame{Type: "coordinate_system", CoordinateSystem: cs})
			}
		}
	}
	e.sessions.SetColocalized(sessionID, player.UserID, m.Colocalized)
}

func parseCoordinateSystem(m map[string]interface{}) (*session.CoordinateSystem, bool) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	var cs session.CoordinateSystem
	if err := json.Unmarshal(b, &cs); err != nil {
		return nil, false
	}
	return &cs, true
}

func (e *Engine) handleChatMessage(sessionID string, player *session.Player, m *protocol.ChatMessage) {
	e.broadcastToPeers(sessionID, player.UserID, chatFrame{Type: "chat_message", UserID: player.UserID, Message: m.Message})
}

// handlePing replies with the server time and the echoed client time (§4.G).
func (e *Engine) handlePing(player *session.Player, m *protocol.PingMessage) {
	_ = player.Send(protocol.PongMessage{
		Envelope:        protocol.Envelope{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()},
		ClientTimestamp: &m.Timestamp,
	})
}

type poseUpdateFrame struct {
	Type   string        `json:"type"`
	UserID string        `json:"user_id"`
	Pose   protocol.Pose `json:"pose"`
}

type coordinateSystemFrame struct {
	Type             string                    `json:"type"`
	CoordinateSystem *session.CoordinateSystem `json:"coordinate_system"`
}

type chatFrame struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}
