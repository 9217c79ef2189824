package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"spatialmesh/internal/apierr"
	"spatialmesh/internal/identity"
	"spatialmesh/internal/protocol"
	"spatialmesh/internal/session"
)

const defaultShareCodeTTL = time.Hour

type createSessionRequest struct {
	MaxPlayers           int                           `json:"max_players"`
	ColocalizationMethod protocol.ColocalizationMethod `json:"colocalization_method"`
}

type createSessionResponse struct {
	SessionID            string                        `json:"session_id"`
	MaxPlayers           int                           `json:"max_players"`
	ColocalizationMethod protocol.ColocalizationMethod `json:"colocalization_method"`
}

// createSession implements POST /api/v1/session/create (authenticated).
func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	if _, err := a.authenticate(r); err != nil {
		writeError(w, err)
		return
	}

	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.MaxPlayers <= 0 {
		req.MaxPlayers = 16
	}

	sess := a.sessions.Create(session.CreateOptions{MaxPlayers: req.MaxPlayers, ColocalizationMethod: req.ColocalizationMethod})
	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:            sess.ID,
		MaxPlayers:           sess.MaxPlayers,
		ColocalizationMethod: sess.ColocalizationMethod,
	})
}

type createAnonymousSessionRequest struct {
	DisplayName          string                        `json:"display_name"`
	MaxPlayers           int                           `json:"max_players"`
	ColocalizationMethod protocol.ColocalizationMethod `json:"colocalization_method"`
}

type createAnonymousSessionResponse struct {
	SessionID  string `json:"session_id"`
	ShareCode  string `json:"share_code"`
	Creator    string `json:"creator"`
	ExpiresIn  int    `json:"expires_in"`
	MaxPlayers int    `json:"max_players"`
}

// createAnonymousSession implements POST /api/v1/session/anonymous/create.
func (a *API) createAnonymousSession(w http.ResponseWriter, r *http.Request) {
	var req createAnonymousSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.MaxPlayers <= 0 {
		req.MaxPlayers = 16
	}

	creator, err := identity.MintAnonymous(req.DisplayName)
	if err != nil {
		writeError(w, apierr.New(apierr.Internal, "failed to mint anonymous identity"))
		return
	}

	sess := a.sessions.Create(session.CreateOptions{MaxPlayers: req.MaxPlayers, ColocalizationMethod: req.ColocalizationMethod})
	code, err := a.codes.Generate(r.Context(), sess.ID, defaultShareCodeTTL)
	if err != nil {
		writeError(w, apierr.New(apierr.Internal, "failed to mint share code"))
		return
	}

	writeJSON(w, http.StatusCreated, createAnonymousSessionResponse{
		SessionID:  sess.ID,
		ShareCode:  code,
		Creator:    creator.DisplayName,
		ExpiresIn:  int(defaultShareCodeTTL.Seconds()),
		MaxPlayers: sess.MaxPlayers,
	})
}

type joinAnonymousSessionRequest struct {
	Code        string `json:"code"`
	DisplayName string `json:"display_name"`
}

type joinAnonymousSessionResponse struct {
	SessionID   string      `json:"session_id"`
	User        interface{} `json:"user"`
	ShareCode   string      `json:"share_code"`
	SessionInfo interface{} `json:"session_info"`
}

// joinAnonymousSession implements POST /api/v1/session/anonymous/join.
// The identity minted here is informational: the WebSocket connection that
// actually joins mints its own anonymous identity at admission time (§4.G).
func (a *API) joinAnonymousSession(w http.ResponseWriter, r *http.Request) {
	var req joinAnonymousSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Code == "" {
		writeError(w, apierr.New(apierr.ValidationError, "code is required"))
		return
	}

	sessionID, err := a.codes.Resolve(r.Context(), req.Code)
	if err != nil {
		writeError(w, apierr.New(apierr.SessionNotFound, "share code not found or expired"))
		return
	}
	summary, ok := a.sessions.SessionSummary(sessionID)
	if !ok {
		writeError(w, apierr.New(apierr.SessionNotFound, "session not found"))
		return
	}

	user, err := identity.MintAnonymous(req.DisplayName)
	if err != nil {
		writeError(w, apierr.New(apierr.Internal, "failed to mint anonymous identity"))
		return
	}
	_ = a.codes.Extend(r.Context(), req.Code, defaultShareCodeTTL)

	writeJSON(w, http.StatusOK, joinAnonymousSessionResponse{
		SessionID:   summary.ID,
		User:        map[string]string{"user_id": user.ID, "display_name": user.DisplayName},
		ShareCode:   req.Code,
		SessionInfo: summarize(summary),
	})
}

type sessionSummaryResponse struct {
	SessionID            string                        `json:"session_id"`
	PlayerCount          int                           `json:"player_count"`
	MaxPlayers           int                           `json:"max_players"`
	ColocalizationMethod protocol.ColocalizationMethod `json:"colocalization_method"`
	IsColocalized        bool                          `json:"is_colocalized"`
}

// sessionSummary implements GET /api/session/{id_or_code}, accepting either
// a raw session id or a share code.
func (a *API) sessionSummary(w http.ResponseWriter, r *http.Request) {
	idOrCode := mux.Vars(r)["idOrCode"]

	summary, ok := a.sessions.SessionSummary(idOrCode)
	if !ok {
		sessionID, err := a.codes.Resolve(r.Context(), idOrCode)
		if err != nil {
			writeError(w, apierr.New(apierr.SessionNotFound, "session not found"))
			return
		}
		summary, ok = a.sessions.SessionSummary(sessionID)
		if !ok {
			writeError(w, apierr.New(apierr.SessionNotFound, "session not found"))
			return
		}
	}

	writeJSON(w, http.StatusOK, summarize(summary))
}

func summarize(sess session.Summary) sessionSummaryResponse {
	return sessionSummaryResponse{
		SessionID:            sess.ID,
		PlayerCount:          sess.PlayerCount,
		MaxPlayers:           sess.MaxPlayers,
		ColocalizationMethod: sess.ColocalizationMethod,
		IsColocalized:        sess.IsColocalized,
	}
}
