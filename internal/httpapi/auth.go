package httpapi

import (
	"net/http"
	"strings"

	"spatialmesh/internal/apierr"
	"spatialmesh/internal/identity"
)

// authenticate extracts and verifies the bearer access token. Used by
// endpoints that require a signed-in identity (§4.E).
func (a *API) authenticate(r *http.Request) (identity.Identity, error) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return identity.Identity{}, apierr.New(apierr.AuthFailed, "missing bearer token")
	}
	id, err := a.tokens.VerifyAccessToken(strings.TrimPrefix(h, prefix))
	if err != nil {
		return identity.Identity{}, apierr.New(apierr.AuthFailed, "invalid or expired token")
	}
	return id, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   float64 `json:"expires_in"`
}

// refreshToken implements POST /api/v1/auth/refresh.
func (a *API) refreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	access, err := a.tokens.RefreshAccessToken(req.RefreshToken)
	if err != nil {
		writeError(w, apierr.New(apierr.AuthFailed, "refresh token invalid, expired, or revoked"))
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{AccessToken: access, ExpiresIn: identity.AccessTokenTTL.Seconds()})
}

type revokeRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// revokeToken implements POST /api/v1/auth/revoke (authenticated).
func (a *API) revokeToken(w http.ResponseWriter, r *http.Request) {
	if _, err := a.authenticate(r); err != nil {
		writeError(w, err)
		return
	}

	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := a.tokens.RevokeRefreshToken(req.RefreshToken); err != nil {
		writeError(w, apierr.New(apierr.AuthFailed, "refresh token invalid"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
