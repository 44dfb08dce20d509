package kaji

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	logger      *slog.Logger
	version     string
	arbiter     Arbiter
	executor    ToolExecutor
	synthesizer Synthesizer
}

// WithPort overrides the TCP port from config (KAJI_PORT env var).
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

// WithArbiter sets the LLM arbiter consulted when routing heuristics fall
// below the confidence threshold. Without one, ambiguous requests take the
// chat path.
func WithArbiter(a Arbiter) Option {
	return func(o *resolvedOptions) { o.arbiter = a }
}

// WithToolExecutor sets the executor that performs tool calls for agent
// runs. Required for runs to make progress; without one every step fails.
func WithToolExecutor(e ToolExecutor) Option {
	return func(o *resolvedOptions) { o.executor = e }
}

// WithSynthesizer sets the final-response writer. Optional; without one the
// orchestrator produces a deterministic summary from collected sources.
func WithSynthesizer(s Synthesizer) Option {
	return func(o *resolvedOptions) { o.synthesizer = s }
}
