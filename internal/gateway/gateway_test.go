package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeResolver struct {
	urls map[string]string
}

func (f *fakeResolver) GetURL(name string) (string, bool) {
	u, ok := f.urls[name]
	return u, ok
}

func TestGateway_MostSpecificPrefixWins(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"path": req.URL.Path})
	}))
	defer upstream.Close()

	resolver := &fakeResolver{urls: map[string]string{"general": upstream.URL, "specific": upstream.URL}}
	gw := New([]Route{
		{Prefix: "/api/multiplayer", ServiceName: "general", Rewrite: StripPrefix("/api/multiplayer")},
		{Prefix: "/api/multiplayer/anchors", ServiceName: "specific", Rewrite: StripPrefix("/api/multiplayer/anchors")},
	}, resolver, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/multiplayer/anchors/123", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	var out map[string]string
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out["path"] != "/123" {
		t.Errorf("expected most-specific route to match, got forwarded path %q", out["path"])
	}
}

func TestGateway_NoRouteReturns404(t *testing.T) {
	gw := New(nil, &fakeResolver{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGateway_UnhealthyUpstreamReturns503(t *testing.T) {
	resolver := &fakeResolver{urls: map[string]string{}}
	gw := New([]Route{{Prefix: "/api/x", ServiceName: "x", Rewrite: StripPrefix("/api/x")}}, resolver, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/x/foo", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestGateway_TransportErrorReturns502(t *testing.T) {
	resolver := &fakeResolver{urls: map[string]string{"x": "http://127.0.0.1:1"}}
	gw := New([]Route{{Prefix: "/api/x", ServiceName: "x", Rewrite: StripPrefix("/api/x")}}, resolver, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/x/foo", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestGateway_NonJSONUpstreamResponseIsWrapped(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	resolver := &fakeResolver{urls: map[string]string{"x": upstream.URL}}
	gw := New([]Route{{Prefix: "/api/x", ServiceName: "x", Rewrite: StripPrefix("/api/x")}}, resolver, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/x/foo", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("expected wrapped JSON body, got %s", rec.Body.String())
	}
	if out["content"] != "hello" || out["content_type"] != "text/plain" {
		t.Errorf("unexpected wrapped body: %+v", out)
	}
}
