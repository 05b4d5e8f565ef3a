// Package app assembles the client: token store, session manager, market
// registry and the HTTP surface, wired with fx.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/tradeport/tradeport-client/auth"
	"github.com/tradeport/tradeport-client/dashboard"
	"github.com/tradeport/tradeport-client/market"
	"github.com/tradeport/tradeport-client/market/binance"
	"github.com/tradeport/tradeport-client/metrics"
	"github.com/tradeport/tradeport-client/ops"
	"github.com/tradeport/tradeport-client/session"
	"github.com/tradeport/tradeport-client/tokens"
	"github.com/tradeport/tradeport-client/web"
)

const shutdownTimeout = 10 * time.Second

// App represents the main application structure.
type App struct {
	Config  *Config
	Version string

	logger  *slog.Logger
	journal *ops.Journal

	mu   sync.Mutex
	fx   *fx.App
	addr string
}

// NewApp creates an application for cfg.
func NewApp(cfg *Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		Config:  cfg,
		Version: "v0.0.0",
		logger:  logger,
		journal: ops.NewJournal(ops.DefaultCapacity),
	}
}

// SetVersion sets the version reported by /ops/status.
func (app *App) SetVersion(version string) {
	app.Version = version
}

// SetJournal sets the log journal served by /ops/logs. It should be the one
// the logger tees into.
func (app *App) SetJournal(j *ops.Journal) {
	if j != nil {
		app.journal = j
	}
}

// Addr returns the address the HTTP server is listening on, once started.
func (app *App) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.addr
}

// Options returns the fx graph for the application.
func (app *App) Options() fx.Option {
	return fx.Options(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.SlogLogger{Logger: app.logger.With("component", "fx")}
		}),
		fx.Supply(app.Config, app.logger, app.journal),
		fx.Provide(
			metrics.New,
			newTokenStore,
			newCodec,
			newAuthClient,
			newSessionManager,
			newRegistry,
			newDashboard,
			app.newOpsHandler,
			newRateLimiter,
			newMux,
			app.newServer,
		),
		fx.Invoke(func(*http.Server) {}),
	)
}

// Start builds the graph and runs its start hooks.
func (app *App) Start(ctx context.Context) error {
	fxApp := fx.New(app.Options())
	if err := fxApp.Err(); err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	if err := fxApp.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}
	app.mu.Lock()
	app.fx = fxApp
	app.mu.Unlock()
	return nil
}

// Stop runs the stop hooks in reverse order.
func (app *App) Stop(ctx context.Context) error {
	app.mu.Lock()
	fxApp := app.fx
	app.fx = nil
	app.mu.Unlock()
	if fxApp == nil {
		return nil
	}
	return fxApp.Stop(ctx)
}

// RunServer starts the application and blocks until SIGINT or SIGTERM.
func (app *App) RunServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, fx.DefaultTimeout)
	err := app.Start(startCtx)
	cancel()
	if err != nil {
		return err
	}
	app.logger.Info("Server listening", "addr", app.Addr(), "version", app.Version)

	<-ctx.Done()
	app.logger.Info("Shutting down server...")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	app.logger.Info("Server shutdown complete")
	return nil
}

func newTokenStore(lc fx.Lifecycle, cfg *Config, logger *slog.Logger) (tokens.Store, error) {
	ts := cfg.TokenStore
	logger = logger.With("component", "tokens", "kind", ts.Kind)

	switch ts.Kind {
	case StoreMemory:
		logger.Warn("Using in-memory token store, sessions will not survive a restart")
		return tokens.NewMemoryStore(), nil

	case StoreFile:
		s, err := tokens.OpenFile(ts.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open token file: %w", err)
		}
		lc.Append(fx.StopHook(s.Close))
		logger.Info("Token store ready", "path", ts.Path)
		return s, nil

	case StoreSQLite:
		db, err := tokens.OpenDB(ts.Path, ts.Profile)
		if err != nil {
			return nil, fmt.Errorf("open token db: %w", err)
		}
		if ts.EncryptionSecret != "" {
			key, err := tokens.DeriveEncryptionKey(ts.EncryptionSecret)
			if err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("derive token key: %w", err)
			}
			db.SetEncryptionKey(key)
		} else {
			logger.Warn("TOKEN_ENCRYPTION_SECRET not set, tokens are stored in plaintext")
		}
		lc.Append(fx.StopHook(db.Close))
		logger.Info("Token store ready", "path", ts.Path, "profile", ts.Profile)
		return db, nil

	case StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: ts.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := tokens.NewRedisStore(ctx, client, ts.Profile, logger)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("open redis token store: %w", err)
		}
		lc.Append(fx.StopHook(func() error {
			return errors.Join(s.Close(), client.Close())
		}))
		logger.Info("Token store ready", "addr", ts.RedisAddr, "profile", ts.Profile)
		return s, nil
	}
	return nil, fmt.Errorf("unknown token store %q", ts.Kind)
}

func newCodec(cfg *Config, logger *slog.Logger) *auth.Codec {
	c := auth.NewCodec(cfg.JWTVerifySecret)
	if !c.Verifies() {
		logger.Info("JWT_VERIFY_SECRET not set, access token signatures are not checked")
	}
	return c
}

func newAuthClient(cfg *Config, logger *slog.Logger) *auth.Client {
	return auth.NewClient(auth.ClientConfig{
		BaseURL: cfg.APIBaseURL,
		Logger:  logger.With("component", "auth"),
	})
}

func newSessionManager(lc fx.Lifecycle, cfg *Config, api *auth.Client, store tokens.Store,
	codec *auth.Codec, m *metrics.Metrics, logger *slog.Logger) (*session.Manager, error) {
	mgr, err := session.New(session.Config{
		API:       api,
		Store:     store,
		Decoder:   codec,
		Logger:    logger.With("component", "session"),
		Metrics:   m,
		LoginPath: session.DefaultRoutes().LoginPath,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			wg.Add(1)
			go func() {
				defer wg.Done()
				snap := mgr.CheckAuth(ctx)
				if !snap.Authenticated && cfg.LoginEmail != "" {
					err := mgr.Login(ctx, auth.Credentials{Email: cfg.LoginEmail, Password: cfg.LoginPassword})
					if err != nil && ctx.Err() == nil {
						logger.Error("Startup login failed", "email", cfg.LoginEmail, "error", err)
					}
				}
				mgr.Watch(ctx)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wg.Wait()
			mgr.Close()
			return nil
		},
	})
	return mgr, nil
}

func newRegistry(lc fx.Lifecycle, cfg *Config, m *metrics.Metrics, logger *slog.Logger) *market.Registry {
	logger = logger.With("component", "market")
	reg := market.NewRegistry(market.RegistryConfig{
		History:   binance.NewHistory(cfg.Binance.RESTURL, nil, logger),
		Feed:      binance.NewFeed(cfg.Binance.WSURL, logger),
		Reconnect: market.DefaultReconnectPolicy(),
		Logger:    logger,
		Metrics:   m,
	})
	lc.Append(fx.StopHook(reg.Shutdown))
	return reg
}

func newDashboard(lc fx.Lifecycle, cfg *Config, mgr *session.Manager, reg *market.Registry, logger *slog.Logger) (*dashboard.Handler, error) {
	iv, err := market.ParseInterval(cfg.DefaultInterval)
	if err != nil {
		return nil, err
	}
	base, cancel := context.WithCancel(context.Background())
	h := dashboard.New(dashboard.Config{
		Session:     mgr,
		Registry:    reg,
		Routes:      session.DefaultRoutes(),
		Backend:     auth.NewHTTPClient(mgr, mgr, nil),
		BackendURL:  cfg.APIBaseURL,
		BaseContext: base,
		Logger:      logger.With("component", "dashboard"),
	})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			for _, id := range cfg.DefaultInstruments {
				if _, err := h.Pin(id, iv); err != nil {
					return fmt.Errorf("pin %s: %w", id, err)
				}
			}
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	return h, nil
}

func (app *App) newOpsHandler(j *ops.Journal, logger *slog.Logger) *ops.Handler {
	return ops.NewHandler(j, logger.With("component", "ops"), app.Version)
}

func newRateLimiter(lc fx.Lifecycle) *web.RateLimiter {
	l := web.NewRateLimiter(web.DefaultRateLimit())
	lc.Append(fx.StopHook(l.Close))
	return l
}

func newMux(dash *dashboard.Handler, opsHandler *ops.Handler, mgr *session.Manager, m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	dash.RegisterRoutes(mux)
	opsHandler.RegisterRoutes(mux, web.RequireRole(mgr, session.DefaultRoutes().UserHome, auth.RoleAdmin))
	mux.Handle("GET /metrics", m.Handler())
	return mux
}

func (app *App) newServer(lc fx.Lifecycle, cfg *Config, mux *http.ServeMux, limiter *web.RateLimiter,
	m *metrics.Metrics, logger *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           m.Middleware(limiter.Middleware(mux)),
		ReadHeaderTimeout: 30 * time.Second,
		// No WriteTimeout: SSE streams stay open.
		IdleTimeout: 120 * time.Second,
		ErrorLog:    slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	// Long-lived streams watch the base context so Shutdown does not wait
	// on them until its deadline.
	base, cancel := context.WithCancel(context.Background())
	srv.BaseContext = func(net.Listener) context.Context { return base }
	srv.RegisterOnShutdown(cancel)

	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			app.mu.Lock()
			app.addr = ln.Addr().String()
			app.mu.Unlock()
			go func() {
				defer close(done)
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("HTTP server failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			err := srv.Shutdown(ctx)
			<-done
			return err
		},
	})
	return srv
}
