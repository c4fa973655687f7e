// Package bodhiq is the public API for embedding the bodhiq pipeline server.
//
// Callers construct an App with options, then run it until ctx ends:
//
//	app, err := bodhiq.New(
//	    bodhiq.WithVersion(version),
//	    bodhiq.WithLogger(logger),
//	    bodhiq.WithAgent(myLicensedDataAgent{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the other way round. Public
// types (Agent, Policy) carry no internal imports so they can be used from
// outside the module.
package bodhiq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/mit-bodhiq/bodhiq/api"
	"github.com/mit-bodhiq/bodhiq/internal/agents"
	"github.com/mit-bodhiq/bodhiq/internal/auth"
	"github.com/mit-bodhiq/bodhiq/internal/config"
	"github.com/mit-bodhiq/bodhiq/internal/mcp"
	"github.com/mit-bodhiq/bodhiq/internal/pipeline"
	"github.com/mit-bodhiq/bodhiq/internal/progress"
	"github.com/mit-bodhiq/bodhiq/internal/ratelimit"
	"github.com/mit-bodhiq/bodhiq/internal/server"
	"github.com/mit-bodhiq/bodhiq/internal/service/queries"
	"github.com/mit-bodhiq/bodhiq/internal/storage"
	"github.com/mit-bodhiq/bodhiq/internal/storage/sqlite"
	"github.com/mit-bodhiq/bodhiq/internal/telemetry"
	"github.com/mit-bodhiq/bodhiq/migrations"
)

// App is the bodhiq server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg     config.Config
	store   storage.Store
	sched   *pipeline.Scheduler
	hub     *progress.Hub
	queries *queries.Service
	limiter ratelimit.Limiter
	srv     *server.Server
	tel     *telemetry.Telemetry
	logger  *slog.Logger
	version string

	shutdownOnce sync.Once
	shutdownErr  error
}

// New initialises the server. It opens the store, applies migrations, wires
// the pipeline and returns a ready-to-run App. It does not accept HTTP
// connections until Run is called.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	o.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("bodhiq starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	ctx := context.Background()
	a := &App{cfg: cfg, logger: logger, version: version}

	a.tel, err = telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
		Metrics:     cfg.MetricsEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if err := a.wire(ctx, o); err != nil {
		a.release(ctx)
		return nil, err
	}
	return a, nil
}

// wire builds every component after telemetry. On error the caller releases
// whatever was already opened.
func (a *App) wire(ctx context.Context, o resolvedOptions) error {
	cfg, logger := a.cfg, a.logger

	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a.store = store

	relay, err := openRelay(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	a.hub = progress.NewHub(cfg.ProgressBuffer, relay, logger)

	policy := policyFromConfig(cfg)
	if o.policy != nil {
		policy = o.policy.internal()
	}
	a.sched = pipeline.New(store, policy, logger)

	if !o.withoutBuiltins {
		builtin, err := agents.Default(agents.Options{
			SimulateLatency: cfg.AgentSimulatedLatency,
			Logger:          logger,
		})
		if err != nil {
			return fmt.Errorf("agents: %w", err)
		}
		for _, ag := range builtin {
			if err := a.sched.RegisterAgent(ag); err != nil {
				return fmt.Errorf("register agent %s: %w", ag.Name(), err)
			}
		}
	}
	for _, ag := range o.agents {
		if err := a.sched.RegisterAgent(ag); err != nil {
			return fmt.Errorf("register agent: %w", err)
		}
	}
	if a.sched.AgentCount() == 0 {
		return errors.New("bodhiq: no agents registered")
	}
	logger.Info("pipeline ready", "agents", a.sched.AgentCount(), "estimated_ms", a.sched.TotalEstimatedDurationMs())

	a.queries = queries.New(store, a.sched, a.hub, logger)

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	hasher, err := auth.NewKeyHasher(argonParamsFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("bodhiq: %w", err)
	}
	if cfg.AuthDisabled {
		logger.Warn("authentication disabled: X-User-ID is trusted (not for production)")
	} else if cfg.APIKeyHash == "" {
		logger.Warn("BODHIQ_API_KEY_HASH is empty: /auth/token rejects every request")
	}

	a.limiter, err = openLimiter(ctx, cfg)
	if err != nil {
		return err
	}

	mcpSrv := mcp.New(a.queries, logger, a.version)

	a.srv = server.New(server.ServerConfig{
		Queries:             a.queries,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		APIKeyHash:          cfg.APIKeyHash,
		KeyHasher:           hasher,
		AuthDisabled:        cfg.AuthDisabled,
		Limiter:             a.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Metrics:             a.tel.MetricsHandler(),
		OpenAPISpec:         api.OpenAPISpec,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})
	return nil
}

// OpenStore opens the configured store backend. The Postgres store has its
// embedded migrations applied before it is returned.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		return s, nil
	default:
		db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return db, nil
	}
}

func openRelay(ctx context.Context, cfg config.Config, store storage.Store, logger *slog.Logger) (progress.Relay, error) {
	switch cfg.ProgressRelay {
	case config.RelayRedis:
		client, err := progress.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("progress relay: %w", err)
		}
		logger.Info("progress relay: redis")
		return progress.NewRedisRelay(client, logger), nil
	case config.RelayPostgres:
		db, ok := store.(*storage.DB)
		if !ok || !db.HasNotifyConn() {
			return nil, errors.New("progress relay: postgres relay requires NOTIFY_URL")
		}
		logger.Info("progress relay: postgres")
		return progress.NewPostgresRelay(db, logger), nil
	default:
		return nil, nil
	}
}

func openLimiter(ctx context.Context, cfg config.Config) (ratelimit.Limiter, error) {
	if !cfg.RateLimitEnabled {
		return ratelimit.NoopLimiter{}, nil
	}
	if cfg.RateLimitBackend == config.RateLimitRedis {
		l, err := ratelimit.DialRedisLimiter(ctx, cfg.RedisURL, cfg.RateLimitBurst)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		return l, nil
	}
	return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), nil
}

// policyFromConfig builds the execution policy. With RetryNoData off,
// deterministic "no data" failures are not retried.
func argonParamsFromConfig(cfg config.Config) auth.Argon2Params {
	return auth.Argon2Params{
		Time:      uint32(cfg.Argon2Time),
		MemoryKiB: uint32(cfg.Argon2MemoryKiB),
		Threads:   uint8(cfg.Argon2Threads),
	}
}

func policyFromConfig(cfg config.Config) pipeline.Policy {
	p := pipeline.DefaultPolicy()
	p.Timeout = cfg.AgentTimeout
	p.MaxRetries = cfg.AgentMaxRetries
	p.RetryDelay = cfg.AgentRetryDelay
	if !cfg.RetryNoData {
		p.Retryable = pipeline.SkipNoData
	}
	return p
}

// Queries returns the query coordinator for in-process use, such as the CLI
// running a single query without the HTTP server.
func (a *App) Queries() *queries.Service { return a.queries }

// Run serves HTTP until ctx is cancelled or the server fails, then shuts
// everything down. Callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown stops accepting HTTP requests, soft-cancels in-flight pipeline
// runs and waits for them, then closes the store, relay and telemetry.
// It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.logger.Info("bodhiq shutting down")

		var errs []error
		if a.srv != nil {
			if err := a.srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		if a.queries != nil {
			if err := a.queries.Shutdown(ctx); err != nil {
				a.logger.Error("pipeline runs did not finish before shutdown deadline", "error", err)
				errs = append(errs, err)
			}
		}
		a.release(ctx)

		a.logger.Info("bodhiq stopped")
		a.shutdownErr = errors.Join(errs...)
	})
	return a.shutdownErr
}

// release closes every opened component in reverse order of creation.
func (a *App) release(ctx context.Context) {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.sched != nil {
		a.sched.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(); err != nil {
			a.logger.Warn("progress relay close failed", "error", err)
		}
	}
	if a.store != nil {
		a.store.Close(ctx)
	}
	if err := a.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		a.logger.Warn("telemetry shutdown failed", "error", err)
	}
}
