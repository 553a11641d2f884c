package selfrag

import (
	"context"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/selfrag/internal/index"
	"github.com/ashita-ai/selfrag/internal/model"
)

// EmbeddingProvider generates a vector embedding for a single query or
// passage. When supplied via WithEmbeddingProvider, it replaces the
// auto-detected Groq/Ollama/noop provider.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)
}

// VectorIndex performs approximate nearest-neighbor search over indexed
// passages. When supplied via WithVectorIndex, it replaces the
// auto-detected Qdrant/SQLite index.
type VectorIndex interface {
	Search(ctx context.Context, vector pgvector.Vector, filter index.Filter, k int) ([]model.Passage, error)
	Upsert(ctx context.Context, passages []model.Passage) error
	Healthy(ctx context.Context) error
}

// Critic decides whether a query warrants retrieval and scores a candidate
// answer against its source passage along relevance, support, and
// usefulness. When supplied via WithCritic, it replaces the built-in
// Groq-backed critic.
type Critic interface {
	Decide(ctx context.Context, query string) (model.RetrievalDecision, error)
	Score(ctx context.Context, query, answer, passage string) (model.CriticScores, error)
}

// Generator produces a candidate answer from a query and a set of passages,
// and proposes follow-up questions once an answer has been selected. When
// supplied via WithGenerator, it replaces the built-in Groq-backed generator.
type Generator interface {
	Generate(ctx context.Context, query string, passages []model.RankedPassage) (model.GeneratedAnswer, error)
	FollowUps(ctx context.Context, query string, answer model.GeneratedAnswer, candidateCount int) ([]string, error)
}

// AuditSink durably records the outcome of every orchestrator run. When
// supplied via WithAuditSink, it replaces the built-in file-backed sink.
type AuditSink interface {
	Write(ctx context.Context, record model.AuditRecord) error
	Get(ctx context.Context, runID string) (model.AuditRecord, error)
}

// EventHook receives a notification after each run made through App.Ask
// completes, regardless of outcome. Hook methods run synchronously after the
// audit record is written and read back, before Ask returns — they must not
// block indefinitely. Runs served by the HTTP API or the MCP tool do not
// invoke hooks, and a hook is not called when the audit record cannot be
// read back. Failures are logged, not propagated.
type EventHook interface {
	OnRunCompleted(ctx context.Context, record model.AuditRecord) error
}
