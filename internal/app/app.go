// Package app wires together the full spatialmesh process: config,
// logging, the anchor/session/sync cores, the WebSocket fan-out engine, the
// HTTP control plane, the service registry, and the request gateway.
// Grounded on the teacher's internal/server, generalized from one stdio LSP
// loop to a multi-goroutine net/http server with a background errgroup.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spatialmesh/internal/anchor"
	"spatialmesh/internal/anchorstore"
	"spatialmesh/internal/anchorsync"
	"spatialmesh/internal/anoncode"
	"spatialmesh/internal/config"
	"spatialmesh/internal/gateway"
	"spatialmesh/internal/httpapi"
	"spatialmesh/internal/identity"
	"spatialmesh/internal/logging"
	"spatialmesh/internal/ratelimit"
	"spatialmesh/internal/registry"
	"spatialmesh/internal/session"
	"spatialmesh/internal/wsengine"
)

// Run builds the dependency graph, starts every background goroutine under
// a shared errgroup, and serves HTTP until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger, flush := logging.Configure(cfg.LogLevel, cfg.IsProduction())
	defer flush()

	anchorDB, err := anchorstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer anchorDB.Close()

	codes, closeRedis, err := buildAnonCodeDirectory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if closeRedis != nil {
		defer closeRedis()
	}

	tokens, err := identity.NewTokenManager(cfg.JWTSecret)
	if err != nil {
		return err
	}

	credentials, err := identity.NewPostgresCredentialStore(ctx, anchorDB.DB())
	if err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.DefaultConfig())
	sessions := session.New()

	syncCfg := anchorsync.DefaultConfig()
	syncCfg.ClientTimeout = cfg.SessionIdleTimeout
	syncCfg.HeartbeatInterval = cfg.HeartbeatInterval
	syncEngine := anchorsync.NewEngine(syncCfg, logger)
	anchorMgr := anchor.NewManager(anchorCfg(cfg), anchorDB, syncEngine, logger)

	wsCfg := wsengine.DefaultConfig()
	wsCfg.IdleTimeout = cfg.SessionIdleTimeout
	wsCfg.SweepInterval = cfg.HeartbeatInterval
	wsEngine := wsengine.NewEngine(wsCfg, sessions, anchorMgr, syncEngine, limiter, tokens, codes, logger)

	reg := registry.New(registry.Config{CheckInterval: cfg.ServiceCheckInterval, ProbeTimeout: 5 * time.Second}, logger)
	reg.Register("localization", cfg.LocalizationServiceURL, "/health")
	reg.Register("mapping", cfg.MappingServiceURL, "/health")
	reg.Register("nakama", cfg.NakamaServiceURL, "/")

	gw := gateway.New(gatewayRoutes(), reg, logger)

	vps := httpapi.NewHTTPVPSClient(cfg.LocalizationServiceURL)
	api := httpapi.New(sessions, anchorMgr, anchorDB, codes, tokens, credentials, vps, logger)

	mux := buildMux(api, gw, wsEngine)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { anchorMgr.RunCleanupSweeper(gctx); return nil })
	g.Go(func() error { wsEngine.RunIdleSweeper(gctx); return nil })
	g.Go(func() error { reg.Run(gctx); return nil })
	g.Go(func() error { return srv.ListenAndServe() })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var err error
		err = multierr.Append(err, srv.Shutdown(shutdownCtx))
		err = multierr.Append(err, anchorMgr.Shutdown(shutdownCtx))
		return err
	})

	if err := g.Wait(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func anchorCfg(cfg *config.Config) anchor.Config {
	c := anchor.DefaultConfig()
	c.CleanupInterval = cfg.AnchorCleanupPeriod
	return c
}

// buildAnonCodeDirectory prefers Redis when configured, falling back to the
// in-process directory otherwise (§4.D).
func buildAnonCodeDirectory(ctx context.Context, cfg *config.Config, logger *zap.Logger) (anoncode.Directory, func(), error) {
	if cfg.RedisURL == "" {
		mem := anoncode.NewMemoryDirectory()
		stopCtx, cancel := context.WithCancel(ctx)
		go mem.RunReaper(stopCtx, time.Minute)
		return mem, cancel, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, falling back to in-process anon code directory", zap.Error(err))
		mem := anoncode.NewMemoryDirectory()
		stopCtx, cancel := context.WithCancel(ctx)
		go mem.RunReaper(stopCtx, time.Minute)
		return mem, cancel, nil
	}
	return anoncode.NewRedisDirectory(client), func() { _ = client.Close() }, nil
}

// gatewayRoutes is the route prefix table from §6, most-specific-first is
// handled internally by gateway.New regardless of declaration order here.
func gatewayRoutes() []gateway.Route {
	return []gateway.Route{
		{Prefix: "/api/localization", ServiceName: "localization", Rewrite: gateway.StripPrefix("/api/localization")},
		{Prefix: "/api/slam", ServiceName: "localization", Rewrite: gateway.StripPrefix("/api/slam")},
		{Prefix: "/api/vio", ServiceName: "localization", Rewrite: gateway.StripPrefix("/api/vio")},
		{Prefix: "/api/pose", ServiceName: "localization", Rewrite: gateway.StripPrefix("/api/pose")},
		{Prefix: "/api/maps", ServiceName: "mapping", Rewrite: gateway.StripPrefix("/api/maps")},
		{Prefix: "/api/reconstruction", ServiceName: "mapping", Rewrite: gateway.StripPrefix("/api/reconstruction")},
		{Prefix: "/api/multiplayer", ServiceName: "nakama", Rewrite: gateway.Remap("/api/multiplayer", "/v2")},
		{Prefix: "/api/auth", ServiceName: "nakama", Rewrite: gateway.Remap("/api/auth", "/v2/account")},
	}
}

// buildMux mounts the WebSocket route on its own gorilla/mux router so
// wsengine's resolveSession can read the {session_id} path variable via
// mux.Vars, then falls through to the gateway's prefix routes and finally
// the control plane's own router for everything else.
func buildMux(api *httpapi.API, gw *gateway.Gateway, ws *wsengine.Engine) http.Handler {
	wsRouter := mux.NewRouter()
	wsRouter.HandleFunc("/ws/{session_id}", ws.HandleWS)

	root := http.NewServeMux()
	root.Handle("/ws/", wsRouter)
	root.Handle("/api/multiplayer/", gw)
	root.Handle("/api/auth/", gw)
	root.Handle("/api/localization/", gw)
	root.Handle("/api/slam/", gw)
	root.Handle("/api/vio/", gw)
	root.Handle("/api/pose/", gw)
	root.Handle("/api/maps/", gw)
	root.Handle("/api/reconstruction/", gw)
	root.Handle("/", api.Router())
	return root
}
