// Package httpapi implements the HTTP control plane (§6 "HTTP control
// plane"): session lifecycle, auth refresh/revoke, and anchor REST. The
// WebSocket plane itself lives in internal/wsengine. Grounded on the
// teacher's internal/handler, generalized from one LSP request dispatcher
// to a set of net/http handlers registered on a gorilla/mux router.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"spatialmesh/internal/anchor"
	"spatialmesh/internal/anoncode"
	"spatialmesh/internal/apierr"
	"spatialmesh/internal/identity"
	"spatialmesh/internal/session"
)

// ShareGrants is the narrow surface of internal/anchorstore this package
// needs for the sharing endpoints, independent of the anchor's own cache
// (§4.H sharing grants outlive neither the anchor nor their own TTL).
type ShareGrants interface {
	Share(ctx context.Context, g anchor.ShareGrant) error
	GetSharedAnchors(ctx context.Context, userID string) ([]*anchor.Anchor, error)
}

// API holds references to the shared server state every handler needs.
type API struct {
	sessions    *session.Store
	anchors     *anchor.Manager
	shareGrants ShareGrants
	codes       anoncode.Directory
	tokens      *identity.TokenManager
	credentials CredentialStore
	vps         VPSClient
	logger      *zap.Logger
}

func New(sessions *session.Store, anchors *anchor.Manager, shareGrants ShareGrants, codes anoncode.Directory, tokens *identity.TokenManager, credentials CredentialStore, vps VPSClient, logger *zap.Logger) *API {
	return &API{sessions: sessions, anchors: anchors, shareGrants: shareGrants, codes: codes, tokens: tokens, credentials: credentials, vps: vps, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.New(apierr.Internal, err.Error())
	}
	writeJSON(w, apiErr.HTTPStatus(), map[string]string{"error": string(apiErr.Kind), "message": apiErr.Message})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apierr.New(apierr.InvalidJSON, "malformed request body")
	}
	return nil
}
