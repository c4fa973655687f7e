package bodhiq

import (
	"log/slog"

	"github.com/mit-bodhiq/bodhiq/internal/config"
	"github.com/mit-bodhiq/bodhiq/internal/pipeline"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds every override after options are applied.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	store           string
	sqlitePath      string
	logger          *slog.Logger
	version         string
	agents          []pipeline.Agent
	withoutBuiltins bool
	policy          *Policy
}

// apply copies option overrides onto cfg.
func (o resolvedOptions) apply(cfg *config.Config) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.store != "" {
		cfg.Store = o.store
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
}

// WithPort overrides the TCP port from config (BODHIQ_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithStore selects the store backend, "postgres" or "sqlite", overriding
// BODHIQ_STORE.
func WithStore(backend string) Option {
	return func(o *resolvedOptions) { o.store = backend }
}

// WithSQLitePath overrides the SQLite database file (BODHIQ_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithAgent registers an extra agent after the built-in ones. An agent with
// the same name as a built-in replaces it in place.
func WithAgent(a Agent) Option {
	return func(o *resolvedOptions) { o.agents = append(o.agents, a) }
}

// WithoutBuiltinAgents skips the seven built-in agents. At least one agent
// must then be registered with WithAgent.
func WithoutBuiltinAgents() Option {
	return func(o *resolvedOptions) { o.withoutBuiltins = true }
}

// WithPolicy replaces the execution policy built from BODHIQ_AGENT_* settings.
func WithPolicy(p Policy) Option {
	return func(o *resolvedOptions) { o.policy = &p }
}
