package hataraku

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port              int
	databaseURL       string
	logger            *slog.Logger
	version           string
	decisionClient    DecisionClient
	embeddingProvider EmbeddingProvider
	tools             []Tool
}

// WithPort overrides the TCP port from config (HATARAKU_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var). When neither is set the App runs on the
// in-memory store and nothing survives a restart.
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

// WithDecisionClient replaces the built-in OpenAI-compatible decision
// client. Only the last call wins.
func WithDecisionClient(c DecisionClient) Option {
	return func(o *resolvedOptions) { o.decisionClient = c }
}

// WithEmbeddingProvider replaces the configured embedding provider
// (Ollama or noop). Only the last call wins.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithTools registers capabilities with the engine's tool registry.
// May be called multiple times; definitions accumulate. Duplicate
// names fail at New().
func WithTools(tools ...Tool) Option {
	return func(o *resolvedOptions) { o.tools = append(o.tools, tools...) }
}
