package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Router builds the complete control-plane mux. Session and auth routes
// carry their own /api/v1/... or /api/... prefix in the path strings below;
// anchor and VPS routes are bare per §6. Callers (internal/app) mount this
// router directly at "/" rather than under an additional prefix.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/v1/session/create", a.createSession).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/session/anonymous/create", a.createAnonymousSession).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/session/anonymous/join", a.joinAnonymousSession).Methods(http.MethodPost)
	r.HandleFunc("/api/session/{idOrCode}", a.sessionSummary).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/auth/login", a.login).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/auth/refresh", a.refreshToken).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/auth/revoke", a.revokeToken).Methods(http.MethodPost)

	r.HandleFunc("/anchors", a.createAnchor).Methods(http.MethodPost)
	r.HandleFunc("/anchors", a.listAnchors).Methods(http.MethodGet)
	r.HandleFunc("/anchors/query", a.queryAnchors).Methods(http.MethodPost)
	r.HandleFunc("/anchors/{id}", a.getAnchor).Methods(http.MethodGet)
	r.HandleFunc("/anchors/{id}", a.updateAnchor).Methods(http.MethodPut)
	r.HandleFunc("/anchors/{id}", a.deleteAnchor).Methods(http.MethodDelete)
	r.HandleFunc("/anchors/{id}/share", a.shareAnchor).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/anchors", a.sessionAnchors).Methods(http.MethodGet)
	r.HandleFunc("/nearby", a.nearbyAnchors).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/shared-anchors", a.sharedAnchors).Methods(http.MethodGet)

	r.HandleFunc("/localize", a.localize).Methods(http.MethodPost)

	return r
}
