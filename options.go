package selfrag

import "log/slog"

// Option configures an App during New.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port             int
	logger           *slog.Logger
	version          string
	embeddingProvider EmbeddingProvider
	vectorIndex      VectorIndex
	critic           Critic
	generator        Generator
	auditSink        AuditSink
	eventHooks       []EventHook
}

// WithPort overrides the TCP port from config (SELFRAG_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger for the App. If not set, the
// default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider
// (Groq/Ollama/noop).
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithVectorIndex replaces the auto-detected vector index (Qdrant/SQLite).
func WithVectorIndex(idx VectorIndex) Option {
	return func(o *resolvedOptions) { o.vectorIndex = idx }
}

// WithCritic replaces the built-in Groq-backed critic.
func WithCritic(c Critic) Option {
	return func(o *resolvedOptions) { o.critic = c }
}

// WithGenerator replaces the built-in Groq-backed generator.
func WithGenerator(g Generator) Option {
	return func(o *resolvedOptions) { o.generator = g }
}

// WithAuditSink replaces the built-in file-backed audit sink.
func WithAuditSink(s AuditSink) Option {
	return func(o *resolvedOptions) { o.auditSink = s }
}

// WithEventHook registers an event hook to receive run-completion
// notifications for runs made through App.Ask. Multiple hooks may be
// registered; all registered hooks receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}
