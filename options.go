package mnemos

import (
	"log/slog"

	"github.com/mnemos-ai/mnemos/internal/llm"
	"github.com/mnemos-ai/mnemos/internal/service/embedding"
	"github.com/mnemos-ai/mnemos/internal/session"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port             int
	databaseURL      string
	logger           *slog.Logger
	version          string
	embeddingProvider embedding.Provider
	judge            llm.Judge
	verifier         session.Verifier
	stdio            bool
}

// WithPort overrides the TCP port from config (MNEMOS_PORT env var).
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

// WithEmbeddingProvider replaces the auto-detected embedding provider (OpenAI/noop).
func WithEmbeddingProvider(p embedding.Provider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithJudge replaces the duplicate-contact judge. Only the last call wins.
func WithJudge(j llm.Judge) Option {
	return func(o *resolvedOptions) { o.judge = j }
}

// WithVerifier replaces the auto-selected token verifier (provider/JWT/static).
func WithVerifier(v session.Verifier) Option {
	return func(o *resolvedOptions) { o.verifier = v }
}

// WithStdio prepares the App for the stdio transport: the long-running local
// tools (contact sync, synchronous backfill) are registered and RunStdio
// becomes the entry point instead of Run.
func WithStdio() Option {
	return func(o *resolvedOptions) { o.stdio = true }
}
