package kansoku

import (
	"io/fs"
	"log/slog"

	"github.com/google/uuid"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	clickHouseDSN   string
	amqpURL         string
	logger          *slog.Logger
	version         string
	evaluators      []Evaluator
	projectLimits   map[uuid.UUID]SpanLimits
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (KANSOKU_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithClickHouseDSN overrides the analytics store DSN from config (CLICKHOUSE_DSN env var).
func WithClickHouseDSN(dsn string) Option {
	return func(o *resolvedOptions) { o.clickHouseDSN = dsn }
}

// WithAMQPURL overrides the broker URL from config (AMQP_URL env var).
func WithAMQPURL(url string) Option {
	return func(o *resolvedOptions) { o.amqpURL = url }
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

// WithEvaluator registers an additional evaluator.
// Multiple evaluators may be registered; all run for every stored span.
func WithEvaluator(ev Evaluator) Option {
	return func(o *resolvedOptions) { o.evaluators = append(o.evaluators, ev) }
}

// WithProjectLimits overrides the span size limits for one project.
// A later call for the same project replaces the earlier one.
func WithProjectLimits(projectID uuid.UUID, limits SpanLimits) Option {
	return func(o *resolvedOptions) {
		if o.projectLimits == nil {
			o.projectLimits = make(map[uuid.UUID]SpanLimits)
		}
		o.projectLimits[projectID] = limits
	}
}

// WithExtraMigrations adds an SQL migration filesystem to run after the
// embedded migrations. Filesystems are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
