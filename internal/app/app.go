// Package app wires the Agora server runtime: config, logging, the durable
// store, the REST surface, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"agora/internal/chat"
	"agora/internal/identity"
	"agora/internal/realtime"
)

// App is the Agora server runtime: it owns HTTP server wiring and the
// realtime gateway dependencies.
type App struct {
	cfg Config
	log Logger

	store   chat.Store
	dbPool  *pgxpool.Pool
	durable bool

	gateway *realtime.Gateway
	chatAPI *chat.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	store, pool, durable, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	provider, directory, err := newIdentity(cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	svc := chat.NewService(store, directory)

	chatAPI, err := chat.NewHandler(log, svc, provider)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	gw, err := realtime.NewGateway(log, store, provider, realtime.NewPresence(log), realtime.NewRouter(log))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		dbPool:  pool,
		durable: durable,
		gateway: gw,
		chatAPI: chatAPI,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.durable, a.gateway, a.chatAPI)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "durable", a.durable)

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

	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
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

// newStore selects the durable backend: Postgres when AGORA_DATABASE_URL is
// set, SQLite when AGORA_SQLITE_PATH is set, in-memory otherwise.
//
// Ownership model: the app owns the pgx pool lifecycle; PostgresStore.Close
// is a no-op. The SQLite store owns its database handle.
func newStore(ctx context.Context, cfg Config, log Logger) (chat.Store, *pgxpool.Pool, bool, error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, false, err
		}
		store, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, false, err
		}
		log.Info("store.postgres", "schema", cfg.DBSchema)
		return store, pool, true, nil

	case cfg.SQLitePath != "":
		store, err := chat.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, false, err
		}
		log.Info("store.sqlite", "path", cfg.SQLitePath)
		return store, nil, true, nil

	default:
		log.Info("store.inmemory")
		return chat.NewInMemoryStore(), nil, false, nil
	}
}

// newIdentity selects the identity provider. With a JWT secret the account
// service vouches for user ids, so any non-empty peer id is accepted; the dev
// provider doubles as the participant directory.
func newIdentity(cfg Config, log Logger) (identity.Provider, chat.Directory, error) {
	if cfg.JWTSecret != "" {
		p, err := identity.NewJWTProvider(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return nil, nil, err
		}
		log.Info("auth.jwt", "issuer", cfg.JWTIssuer)
		return p, chat.AllowAllDirectory{}, nil
	}

	p := identity.NewStaticProvider()
	for _, entry := range cfg.DevUsers {
		id, err := parseDevUser(p, entry)
		if err != nil {
			return nil, nil, err
		}
		log.Debug("auth.dev_user", "user", id)
	}
	log.Info("auth.static_dev", "users", len(cfg.DevUsers))
	return p, p, nil
}

// parseDevUser registers one "<user_id>:<secret>[:moderator]" entry.
func parseDevUser(p *identity.StaticProvider, entry string) (string, error) {
	parts := strings.Split(entry, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("config: malformed AGORA_DEV_USERS entry %q", entry)
	}

	id := identity.Identity{UserID: parts[0], DisplayName: parts[0]}
	if len(parts) == 3 {
		if parts[2] != identity.RolePrivileged {
			return "", fmt.Errorf("config: unknown role %q in AGORA_DEV_USERS entry %q", parts[2], entry)
		}
		id.Privileged = true
	}

	return id.UserID, p.Register(id, parts[1])
}
