// Package registry implements the service registry (§4.A): a health-gated
// directory of upstream base URLs, refreshed by concurrent probes on a
// ticker. Grounded on service_discovery.py.
package registry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ServiceInfo is one upstream's registry entry.
type ServiceInfo struct {
	Name           string
	BaseURL        string
	HealthPath     string
	Healthy        bool
	LastCheck      time.Time
	ResponseTimeMS int64
}

// Config holds the registry's tunables.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{CheckInterval: 30 * time.Second, ProbeTimeout: 5 * time.Second}
}

// Registry maintains the upstream map and its background health prober.
type Registry struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu       sync.RWMutex
	services map[string]*ServiceInfo
}

func New(cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		logger:   logger,
		services: make(map[string]*ServiceInfo),
	}
}

// Register seeds a service entry; unhealthy until the first probe succeeds.
func (r *Registry) Register(name, baseURL, healthPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = &ServiceInfo{Name: name, BaseURL: baseURL, HealthPath: healthPath}
}

// GetURL returns the service's base URL, or ("", false) if unknown or
// currently unhealthy (§4.A "get_url returns null for unhealthy services").
func (r *Registry) GetURL(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[name]
	if !ok || !s.Healthy {
		return "", false
	}
	return s.BaseURL, true
}

// IsHealthy reports a service's last-known health.
func (r *Registry) IsHealthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[name]
	return ok && s.Healthy
}

// Snapshot returns a copy of every registered service's current state.
func (r *Registry) Snapshot() []ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceInfo, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, *s)
	}
	return out
}

// ProbeOnce issues one concurrent round of health probes across every
// registered service via an errgroup, bounded by cfg.ProbeTimeout each.
func (r *Registry) ProbeOnce(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			r.probe(gctx, name)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Registry) probe(ctx context.Context, name string) {
	r.mu.RLock()
	s, ok := r.services[name]
	r.mu.RUnlock()
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, s.BaseURL+s.HealthPath, nil)
	if err != nil {
		r.markUnhealthy(name)
		return
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		r.markUnhealthy(name)
		if r.logger != nil {
			r.logger.Debug("health probe failed", zap.String("service", name), zap.Error(err))
		}
		return
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.services[name]; ok {
		entry.Healthy = healthy
		entry.LastCheck = time.Now()
		entry.ResponseTimeMS = elapsed.Milliseconds()
	}
}

func (r *Registry) markUnhealthy(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.services[name]; ok {
		entry.Healthy = false
		entry.LastCheck = time.Now()
	}
}

// Run blocks, probing every cfg.CheckInterval until ctx is cancelled,
// draining any in-flight probe round via errgroup.Wait before returning
// (§4.A shutdown).
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.cfg.CheckInterval)
	defer t.Stop()

	r.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.ProbeOnce(ctx)
		}
	}
}
