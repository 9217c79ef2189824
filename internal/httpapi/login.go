package httpapi

import (
	"context"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"spatialmesh/internal/apierr"
	"spatialmesh/internal/identity"
)

// CredentialStore looks up the bcrypt password hash and identity for a
// username. Account creation/management is out of scope (§1); this
// interface covers only the read path a login needs.
type CredentialStore interface {
	Lookup(ctx context.Context, username string) (passwordHash string, id identity.Identity, err error)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresIn    float64 `json:"expires_in"`
}

// login implements POST /api/v1/auth/login, verifying a stored bcrypt hash
// before issuing a token pair (§4.E).
func (a *API) login(w http.ResponseWriter, r *http.Request) {
	if a.credentials == nil {
		writeError(w, apierr.New(apierr.Internal, "credential store not configured"))
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, apierr.New(apierr.ValidationError, "username and password are required"))
		return
	}

	hash, id, err := a.credentials.Lookup(r.Context(), req.Username)
	if err != nil {
		writeError(w, apierr.New(apierr.AuthFailed, "invalid username or password"))
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		writeError(w, apierr.New(apierr.AuthFailed, "invalid username or password"))
		return
	}

	access, err := a.tokens.IssueAccessToken(id)
	if err != nil {
		writeError(w, apierr.New(apierr.Internal, "failed to issue access token"))
		return
	}
	refresh, err := a.tokens.IssueRefreshToken(id)
	if err != nil {
		writeError(w, apierr.New(apierr.Internal, "failed to issue refresh token"))
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    identity.AccessTokenTTL.Seconds(),
	})
}
