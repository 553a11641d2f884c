// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// LLM collaborator settings (Groq's OpenAI-compatible chat completions API).
	GroqAPIKey    string
	GroqBaseURL   string
	CriticModel   string
	GeneratorModel string

	// Embedding provider settings.
	EmbeddingProvider   string // "auto", "groq", "ollama", or "noop"
	EmbedModel          string
	EmbeddingDimensions int
	OllamaURL           string
	OllamaModel         string

	// Retrieval settings.
	TopK             int     // candidates pulled from the vector index
	TopN             int     // candidates kept after reranking
	SupportThreshold float64 // minimum issup score for a selected answer

	// Vector index settings. QdrantURL selects the Qdrant-backed index;
	// if empty, VectorstoreDir selects the local SQLite fallback.
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string
	VectorstoreDir   string

	// Reranker settings. Empty RerankModel falls back to the pure-Go lexical reranker.
	RerankModel   string
	RerankBaseURL string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// CORS settings.
	CORSAllowedOrigins []string

	// Audit and upload storage.
	AuditDir  string
	UploadDir string

	// Per-phase deadlines (§5 Concurrency & Resource Model).
	RunDeadline       time.Duration
	CriticTimeout     time.Duration
	GeneratorTimeout  time.Duration
	RetrievalTimeout  time.Duration
	RerankTimeout     time.Duration
	AuditTimeout      time.Duration

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
// Returns an error if any environment variable contains an unparseable value,
// or if the resulting Config fails Validate. Missing variables use sensible
// defaults.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		GroqAPIKey:         envStr("GROQ_API_KEY", ""),
		GroqBaseURL:        envStr("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
		CriticModel:        envStr("CRITIC_MODEL", "llama-3.1-8b-instant"),
		GeneratorModel:     envStr("GENERATOR_MODEL", "llama-3.3-70b-versatile"),
		EmbeddingProvider:  envStr("SELFRAG_EMBEDDING_PROVIDER", "auto"),
		EmbedModel:         envStr("EMBED_MODEL", "nomic-embed-text"),
		OllamaURL:          envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:        envStr("OLLAMA_MODEL", "nomic-embed-text"),
		QdrantURL:          envStr("QDRANT_URL", ""),
		QdrantAPIKey:       envStr("QDRANT_API_KEY", ""),
		QdrantCollection:   envStr("QDRANT_COLLECTION", "selfrag_passages"),
		VectorstoreDir:     envStr("VECTORSTORE_DIR", "./data/vectorstore"),
		RerankModel:        envStr("RERANK_MODEL", ""),
		RerankBaseURL:      envStr("RERANK_BASE_URL", ""),
		OTELEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "selfrag"),
		LogLevel:           envStr("SELFRAG_LOG_LEVEL", "info"),
		CORSAllowedOrigins: envStrSlice("SELFRAG_CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://127.0.0.1:5173"}),
		AuditDir:           envStr("SELFRAG_AUDIT_DIR", "./audit"),
		UploadDir:          envStr("SELFRAG_UPLOAD_DIR", "./uploads"),
	}

	// Integer fields.
	cfg.Port, errs = collectInt(errs, "SELFRAG_PORT", 8080)
	cfg.EmbeddingDimensions, errs = collectInt(errs, "SELFRAG_EMBEDDING_DIMENSIONS", 768)
	cfg.TopK, errs = collectInt(errs, "TOP_K", 50)
	cfg.TopN, errs = collectInt(errs, "TOP_N", 6)

	var maxReqBody int
	maxReqBody, errs = collectInt(errs, "SELFRAG_MAX_REQUEST_BODY_BYTES", 20*1024*1024)
	cfg.MaxRequestBodyBytes = int64(maxReqBody)

	// Float fields.
	cfg.SupportThreshold, errs = collectFloat(errs, "SUPPORT_THRESHOLD", 0.7)

	// Boolean fields.
	cfg.OTELInsecure, errs = collectBool(errs, "OTEL_EXPORTER_OTLP_INSECURE", false)

	// Duration fields.
	cfg.ReadTimeout, errs = collectDuration(errs, "SELFRAG_READ_TIMEOUT", 30*time.Second)
	cfg.WriteTimeout, errs = collectDuration(errs, "SELFRAG_WRITE_TIMEOUT", 60*time.Second)
	cfg.RunDeadline, errs = collectDuration(errs, "SELFRAG_RUN_DEADLINE", 120*time.Second)
	cfg.CriticTimeout, errs = collectDuration(errs, "SELFRAG_CRITIC_TIMEOUT", 30*time.Second)
	cfg.GeneratorTimeout, errs = collectDuration(errs, "SELFRAG_GENERATOR_TIMEOUT", 60*time.Second)
	cfg.RetrievalTimeout, errs = collectDuration(errs, "SELFRAG_RETRIEVAL_TIMEOUT", 10*time.Second)
	cfg.RerankTimeout, errs = collectDuration(errs, "SELFRAG_RERANK_TIMEOUT", 10*time.Second)
	cfg.AuditTimeout, errs = collectDuration(errs, "SELFRAG_AUDIT_TIMEOUT", 5*time.Second)

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return Config{}, fmt.Errorf("config: invalid environment variables:\n  %s", strings.Join(msgs, "\n  "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// collectInt parses an int env var, appending any error to the accumulator.
func collectInt(errs []error, key string, fallback int) (int, []error) {
	v, err := envInt(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectFloat parses a float env var, appending any error to the accumulator.
func collectFloat(errs []error, key string, fallback float64) (float64, []error) {
	v, err := envFloat(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectBool parses a bool env var, appending any error to the accumulator.
func collectBool(errs []error, key string, fallback bool) (bool, []error) {
	v, err := envBool(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectDuration parses a duration env var, appending any error to the accumulator.
func collectDuration(errs []error, key string, fallback time.Duration) (time.Duration, []error) {
	v, err := envDuration(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// Validate checks that required configuration is present and sane.
func (c Config) Validate() error {
	var errs []error

	if c.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("config: SELFRAG_EMBEDDING_DIMENSIONS must be positive"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("config: SELFRAG_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, errors.New("config: SELFRAG_PORT must be between 1 and 65535"))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, errors.New("config: SELFRAG_READ_TIMEOUT must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("config: SELFRAG_WRITE_TIMEOUT must be positive"))
	}
	if c.TopK <= 0 {
		errs = append(errs, errors.New("config: TOP_K must be positive"))
	}
	if c.TopN <= 0 {
		errs = append(errs, errors.New("config: TOP_N must be positive"))
	}
	if c.TopN > c.TopK {
		errs = append(errs, errors.New("config: TOP_N must not exceed TOP_K"))
	}
	if c.SupportThreshold < 0 || c.SupportThreshold > 1 {
		errs = append(errs, errors.New("config: SUPPORT_THRESHOLD must be between 0 and 1"))
	}
	if c.RunDeadline <= 0 {
		errs = append(errs, errors.New("config: SELFRAG_RUN_DEADLINE must be positive"))
	}
	if c.CriticTimeout <= 0 {
		errs = append(errs, errors.New("config: SELFRAG_CRITIC_TIMEOUT must be positive"))
	}
	if c.GeneratorTimeout <= 0 {
		errs = append(errs, errors.New("config: SELFRAG_GENERATOR_TIMEOUT must be positive"))
	}
	if c.RetrievalTimeout <= 0 {
		errs = append(errs, errors.New("config: SELFRAG_RETRIEVAL_TIMEOUT must be positive"))
	}
	if c.QdrantURL == "" && c.VectorstoreDir == "" {
		errs = append(errs, errors.New("config: either QDRANT_URL or VECTORSTORE_DIR must be set"))
	}

	return errors.Join(errs...)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid float", key, v)
	}
	return f, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// envStrSlice reads a comma-separated env var into a string slice.
// Returns fallback if the env var is empty or unset.
func envStrSlice(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
