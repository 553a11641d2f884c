package selfrag

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/selfrag/internal/config"
	"github.com/ashita-ai/selfrag/internal/embedding"
	"github.com/ashita-ai/selfrag/internal/index"
	"github.com/ashita-ai/selfrag/internal/rerank"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// newEmbeddingProvider selects an embedding provider based on configuration.
// Provider selection: "groq", "ollama", "noop", or "auto" (default). Auto
// mode tries Ollama if reachable, then Groq if a key is present, else noop.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "groq":
		if cfg.GroqAPIKey == "" {
			logger.Error("GROQ_API_KEY required when SELFRAG_EMBEDDING_PROVIDER=groq")
			return embedding.NewNoopProvider(dims)
		}
		p, err := embedding.NewGroqProvider(cfg.GroqBaseURL, cfg.GroqAPIKey, cfg.EmbedModel, dims)
		if err != nil {
			logger.Error("groq embedding provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: groq", "model", cfg.EmbedModel, "dimensions", dims)
		return p

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (retrieval disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.GroqAPIKey != "" {
			p, err := embedding.NewGroqProvider(cfg.GroqBaseURL, cfg.GroqAPIKey, cfg.EmbedModel, dims)
			if err != nil {
				logger.Error("groq embedding provider init failed", "error", err)
				return embedding.NewNoopProvider(dims)
			}
			logger.Info("embedding provider: groq (auto-detected)", "model", cfg.EmbedModel, "dimensions", dims)
			return p
		}
		logger.Warn("no embedding provider available, using noop (retrieval disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// resolveVectorIndex picks Qdrant when QDRANT_URL is configured, else the
// local SQLite brute-force fallback, unless an override was supplied via
// WithVectorIndex.
func resolveVectorIndex(o resolvedOptions, cfg config.Config, logger *slog.Logger) (index.VectorIndex, io.Closer, error) {
	if o.vectorIndex != nil {
		return o.vectorIndex, closerFunc(func() error { return nil }), nil
	}

	if cfg.QdrantURL != "" {
		qdrantIndex, err := index.NewQdrantIndex(index.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			return nil, nil, err
		}
		logger.Info("vector index: qdrant", "collection", cfg.QdrantCollection)
		return qdrantIndex, qdrantIndex, nil
	}

	sqliteIndex, err := index.NewSQLiteIndex(cfg.VectorstoreDir)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("vector index: sqlite (local fallback)", "dir", cfg.VectorstoreDir)
	return sqliteIndex, sqliteIndex, nil
}

// newReranker selects the HTTP cross-encoder reranker when RERANK_MODEL is
// configured, else the deterministic pure-Go lexical fallback.
func newReranker(cfg config.Config, logger *slog.Logger) rerank.CrossEncoder {
	if cfg.RerankModel == "" {
		logger.Info("reranker: lexical (no RERANK_MODEL configured)")
		return rerank.NewLexicalReranker()
	}
	logger.Info("reranker: http cross-encoder", "model", cfg.RerankModel)
	return rerank.NewHTTPReranker(cfg.RerankBaseURL, cfg.GroqAPIKey, cfg.RerankModel, cfg.RerankTimeout)
}
