// Package app wires the Weave collaboration server runtime: config, logging,
// HTTP routes, and the websocket gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"weave/internal/access"
	"weave/internal/auth"
	"weave/internal/collab"
	"weave/internal/crdt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the Weave server runtime: it owns HTTP server wiring and the gateway dependencies.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	registry *collab.Registry
	ws       *collab.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("app: WEAVE_JWT_SECRET is required")
	}

	var verifierOpts []auth.JWTOption
	if cfg.JWTIssuer != "" {
		verifierOpts = append(verifierOpts, auth.WithIssuer(cfg.JWTIssuer))
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.JWTSecret), verifierOpts...)
	if err != nil {
		return nil, err
	}

	store, dbPool, dbEnabled, err := newAccessStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	gate, err := access.NewGate(log, store)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	registry := collab.NewRegistry(log, func() crdt.Document { return crdt.NewTextDoc() })

	ws, err := collab.NewWSGateway(log, registry, verifier, gate, collab.GatewayConfig{
		OriginRequired:   cfg.WSOriginRequired,
		AllowedOrigins:   cfg.WSAllowedOrigins,
		DevInsecure:      cfg.WSDevInsecure,
		WriteTimeout:     cfg.WSWriteTimeout,
		ReadIdleTimeout:  cfg.WSReadIdleTimeout,
		SendQueueSize:    cfg.WSSendQueueSize,
		HeartbeatEvery:   cfg.WSHeartbeatEvery,
		HeartbeatTimeout: cfg.WSHeartbeatTimeout,
		RateEvents:       cfg.WSRateEvents,
		RateWindow:       cfg.WSRateWindow,
	})
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		registry:  registry,
		ws:        ws,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	// Optional background eviction of long-idle empty sessions.
	// With SessionTTL == 0 this returns immediately and sessions live forever.
	evictCtx, stopEvictor := context.WithCancel(ctx)
	defer stopEvictor()
	go a.registry.RunEvictor(evictCtx, a.cfg.SessionTTL, a.cfg.SessionSweepInterval)

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newAccessStore decides between the Postgres-backed access store and the
// in-memory dev store.
//
// Ownership model: app owns the pool lifecycle; the store never closes it.
func newAccessStore(ctx context.Context, cfg Config, log Logger) (access.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_access_store")
		return access.NewMemoryStore(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	store, err := access.NewPostgresStore(pool, access.WithSchema(cfg.AccessSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_access_store", "schema", cfg.AccessSchema)
	return store, pool, true, nil
}
