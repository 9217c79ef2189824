package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"spatialmesh/internal/anchor"
	"spatialmesh/internal/apierr"
	"spatialmesh/internal/protocol"
)

type createAnchorRequest struct {
	SessionID        string                 `json:"session_id"`
	Position         protocol.Vector3       `json:"position"`
	Rotation         protocol.Quaternion    `json:"rotation"`
	AnchorType       anchor.Type            `json:"anchor_type"`
	Metadata         map[string]interface{} `json:"metadata"`
	LifetimeSeconds  *int                   `json:"lifetime_seconds,omitempty"`
}

// createAnchor implements POST /anchors (authenticated).
func (a *API) createAnchor(w http.ResponseWriter, r *http.Request) {
	id, err := a.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createAnchorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, apierr.New(apierr.ValidationError, "session_id is required"))
		return
	}
	if req.AnchorType == "" {
		req.AnchorType = anchor.TypePersistent
	}

	in := anchor.CreateInput{
		SessionID:  req.SessionID,
		UserID:     id.ID,
		Position:   req.Position,
		Rotation:   req.Rotation,
		AnchorType: req.AnchorType,
		Metadata:   req.Metadata,
	}
	if req.LifetimeSeconds != nil {
		d := time.Duration(*req.LifetimeSeconds) * time.Second
		in.LifetimeOverride = &d
	}

	created, err := a.anchors.Create(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// getAnchor implements GET /anchors/{id}.
func (a *API) getAnchor(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	anc, ok := a.anchors.Get(id)
	if !ok {
		writeError(w, apierr.New(apierr.AnchorNotFound, "anchor not found"))
		return
	}
	writeJSON(w, http.StatusOK, anc)
}

type updateAnchorRequest struct {
	Position      *protocol.Vector3      `json:"position,omitempty"`
	Rotation      *protocol.Quaternion   `json:"rotation,omitempty"`
	Confidence    *float64               `json:"confidence,omitempty"`
	TrackingState *anchor.TrackingState  `json:"tracking_state,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// updateAnchor implements PUT /anchors/{id} (authenticated).
func (a *API) updateAnchor(w http.ResponseWriter, r *http.Request) {
	id, err := a.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req updateAnchorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	anchorID := mux.Vars(r)["id"]
	updated, err := a.anchors.Update(r.Context(), anchorID, anchor.UpdateInput{
		Position:      req.Position,
		Rotation:      req.Rotation,
		Confidence:    req.Confidence,
		TrackingState: req.TrackingState,
		Metadata:      req.Metadata,
	}, id.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if updated == nil {
		writeError(w, apierr.New(apierr.AnchorNotFound, "anchor not found"))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// deleteAnchor implements DELETE /anchors/{id} (authenticated).
func (a *API) deleteAnchor(w http.ResponseWriter, r *http.Request) {
	id, err := a.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	anchorID := mux.Vars(r)["id"]
	if err := a.anchors.Delete(r.Context(), anchorID, id.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listAnchors implements GET /anchors?session_id=.
func (a *API) listAnchors(w http.ResponseWriter, r *http.Request) {
	q := anchor.Query{SessionID: r.URL.Query().Get("session_id")}
	anchors, err := a.anchors.Query(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, anchors)
}

// sessionAnchors implements GET /sessions/{id}/anchors.
func (a *API) sessionAnchors(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	anchors, err := a.anchors.Query(r.Context(), anchor.Query{SessionID: sessionID})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, anchors)
}

type queryAnchorsRequest struct {
	SessionID     string                `json:"session_id"`
	UserID        string                `json:"user_id"`
	AnchorType    anchor.Type           `json:"anchor_type"`
	TrackingState anchor.TrackingState  `json:"tracking_state"`
	MinConfidence *float64              `json:"min_confidence"`
	Position      *protocol.Vector3     `json:"position"`
	Radius        float64               `json:"radius"`
	Limit         int                   `json:"limit"`
}

// queryAnchors implements POST /anchors/query, the general filter form of
// listAnchors (§4.H Query).
func (a *API) queryAnchors(w http.ResponseWriter, r *http.Request) {
	var req queryAnchorsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	anchors, err := a.anchors.Query(r.Context(), anchor.Query{
		SessionID:     req.SessionID,
		UserID:        req.UserID,
		AnchorType:    req.AnchorType,
		TrackingState: req.TrackingState,
		MinConfidence: req.MinConfidence,
		Position:      req.Position,
		Radius:        req.Radius,
		Limit:         req.Limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, anchors)
}

// nearbyAnchors implements GET /nearby?x&y&z&radius&limit, delegating
// straight to the spatial index (§4.H Query's position-without-session_id
// strengthening).
func (a *API) nearbyAnchors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	x, errX := strconv.ParseFloat(q.Get("x"), 64)
	y, errY := strconv.ParseFloat(q.Get("y"), 64)
	z, errZ := strconv.ParseFloat(q.Get("z"), 64)
	radius, errR := strconv.ParseFloat(q.Get("radius"), 64)
	if errX != nil || errY != nil || errZ != nil || errR != nil {
		writeError(w, apierr.New(apierr.ValidationError, "x, y, z, radius are required numeric query params"))
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	pos := protocol.Vector3{X: x, Y: y, Z: z}
	anchors, err := a.anchors.Query(r.Context(), anchor.Query{Position: &pos, Radius: radius, Limit: limit})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, anchors)
}

type shareAnchorRequest struct {
	SharedWithUser string                `json:"shared_with_user"`
	Permission     anchor.PermissionLevel `json:"permission"`
	ExpiresInSec   *int                  `json:"expires_in_seconds,omitempty"`
}

// shareAnchor implements POST /anchors/{id}/share (authenticated).
func (a *API) shareAnchor(w http.ResponseWriter, r *http.Request) {
	id, err := a.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req shareAnchorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	anchorID := mux.Vars(r)["id"]
	if _, ok := a.anchors.Get(anchorID); !ok {
		writeError(w, apierr.New(apierr.AnchorNotFound, "anchor not found"))
		return
	}

	grant := anchor.ShareGrant{
		AnchorID:       anchorID,
		SharedWithUser: req.SharedWithUser,
		GrantedBy:      id.ID,
		Permission:     req.Permission,
		CreatedAt:      time.Now(),
	}
	if req.ExpiresInSec != nil {
		t := time.Now().Add(time.Duration(*req.ExpiresInSec) * time.Second)
		grant.ExpiresAt = &t
	}

	if err := a.shareGrants.Share(r.Context(), grant); err != nil {
		writeError(w, apierr.New(apierr.PersistenceError, "failed to record sharing grant"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sharedAnchors implements GET /users/{id}/shared-anchors.
func (a *API) sharedAnchors(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	anchors, err := a.shareGrants.GetSharedAnchors(r.Context(), userID)
	if err != nil {
		writeError(w, apierr.New(apierr.PersistenceError, "failed to load shared anchors"))
		return
	}
	writeJSON(w, http.StatusOK, anchors)
}
