// Package gateway implements the request router (§4.B): prefix-match
// dispatch to a registered upstream (most-specific prefix wins, by
// descending length rather than map iteration order), health-gating via
// internal/registry, path rewriting, and hop-by-hop header stripping.
// Grounded on request_router.py.
package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"spatialmesh/internal/apierr"
)

// Rewriter maps an incoming request path (already confirmed to match its
// route's prefix) to the path forwarded upstream.
type Rewriter func(path string) string

// StripPrefix removes the given prefix from the path — the common case.
func StripPrefix(prefix string) Rewriter {
	return func(path string) string {
		return strings.TrimPrefix(path, prefix)
	}
}

// Remap replaces the matched prefix with replacement.
func Remap(prefix, replacement string) Rewriter {
	return func(path string) string {
		return replacement + strings.TrimPrefix(path, prefix)
	}
}

// Route binds a path prefix to an upstream service name and its path
// rewrite rule.
type Route struct {
	Prefix      string
	ServiceName string
	Rewrite     Rewriter
}

// Resolver is the narrow surface internal/registry implements.
type Resolver interface {
	GetURL(name string) (string, bool)
}

var hopByHopHeaders = map[string]bool{
	"Host":            true,
	"Content-Length":  true,
	"Connection":      true,
}

// Gateway dispatches incoming requests to the most-specific matching route.
type Gateway struct {
	routes   []Route // sorted by descending prefix length
	resolver Resolver
	client   *http.Client
	logger   *zap.Logger
}

func New(routes []Route, resolver Resolver, logger *zap.Logger) *Gateway {
	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Gateway{
		routes:   sorted,
		resolver: resolver,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

func (g *Gateway) match(path string) (Route, bool) {
	for _, r := range g.routes {
		if strings.HasPrefix(path, r.Prefix) {
			return r, true
		}
	}
	return Route{}, false
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	route, ok := g.match(req.URL.Path)
	if !ok {
		writeError(w, apierr.New(apierr.UpstreamUnavailable, "no route for path"), http.StatusNotFound)
		return
	}

	baseURL, healthy := g.resolver.GetURL(route.ServiceName)
	if !healthy {
		writeError(w, apierr.New(apierr.UpstreamUnavailable, "upstream unhealthy"), http.StatusServiceUnavailable)
		return
	}

	upstreamPath := route.Rewrite(req.URL.Path)
	if req.URL.RawQuery != "" {
		upstreamPath += "?" + req.URL.RawQuery
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, apierr.New(apierr.Internal, "failed to read request body"), http.StatusInternalServerError)
		return
	}

	upstreamReq, err := http.NewRequestWithContext(req.Context(), req.Method, baseURL+upstreamPath, bytes.NewReader(body))
	if err != nil {
		writeError(w, apierr.New(apierr.Internal, "failed to build upstream request"), http.StatusInternalServerError)
		return
	}
	for name, values := range req.Header {
		if hopByHopHeaders[name] {
			continue
		}
		for _, v := range values {
			upstreamReq.Header.Add(name, v)
		}
	}

	resp, err := g.client.Do(upstreamReq)
	if err != nil {
		if g.logger != nil {
			g.logger.Warn("upstream request failed", zap.String("service", route.ServiceName), zap.Error(err))
		}
		writeError(w, apierr.New(apierr.UpstreamUnavailable, "upstream transport error"), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, apierr.New(apierr.Internal, "failed to read upstream response"), http.StatusInternalServerError)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)

	if strings.HasPrefix(contentType, "application/json") && json.Valid(respBody) {
		w.Write(respBody)
		return
	}

	wrapped, _ := json.Marshal(map[string]interface{}{
		"content":      string(respBody),
		"content_type": contentType,
	})
	w.Write(wrapped)
}

func writeError(w http.ResponseWriter, e *apierr.Error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, _ := json.Marshal(map[string]string{"error": string(e.Kind), "message": e.Message})
	w.Write(body)
}
