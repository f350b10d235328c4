package kinko

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	logger          *slog.Logger
	version         string
	generator       Generator
	market          MarketProvider
	hooks           []RecommendationHook
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (KINKO_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
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

// WithGenerator replaces the configured recommendation text generator.
func WithGenerator(g Generator) Option {
	return func(o *resolvedOptions) { o.generator = g }
}

// WithMarketProvider replaces the configured market data source.
func WithMarketProvider(p MarketProvider) Option {
	return func(o *resolvedOptions) { o.market = p }
}

// WithRecommendationHook registers a hook notified of every terminal run.
// May be called multiple times.
func WithRecommendationHook(h RecommendationHook) Option {
	return func(o *resolvedOptions) { o.hooks = append(o.hooks, h) }
}

// WithExtraMigrations runs additional SQL migrations after the built-in ones.
// Files are applied in lexical order and tracked like the built-in set.
func WithExtraMigrations(migrations fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, migrations) }
}
