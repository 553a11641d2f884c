// Package selfrag is the public API for embedding the self-reflective RAG
// compliance Q&A server.
//
// Most consumers just run the binary in cmd/selfrag. Embedders construct and
// extend the server directly:
//
//	app, err := selfrag.New(
//	    selfrag.WithVersion(version),
//	    selfrag.WithLogger(logger),
//	    selfrag.WithEventHook(myAuditForwarder{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: selfrag (root) imports
// internal/*, but internal/* never imports selfrag.
package selfrag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/selfrag/internal/audit"
	"github.com/ashita-ai/selfrag/internal/config"
	"github.com/ashita-ai/selfrag/internal/critic"
	"github.com/ashita-ai/selfrag/internal/generator"
	"github.com/ashita-ai/selfrag/internal/httpapi"
	"github.com/ashita-ai/selfrag/internal/mcpapi"
	"github.com/ashita-ai/selfrag/internal/model"
	"github.com/ashita-ai/selfrag/internal/orchestrator"
	"github.com/ashita-ai/selfrag/internal/telemetry"
)

// App is the self-reflective RAG server lifecycle. Construct with New(),
// run with Run(). App has no public fields — use New() options to configure
// it.
type App struct {
	cfg          config.Config
	orchestrator *orchestrator.Orchestrator
	auditSink    audit.Sink
	vectorIndex  io.Closer
	srv          *httpapi.Server
	otelShutdown func(context.Context) error
	eventHooks   []EventHook
	logger       *slog.Logger
	version      string
}

// New initializes the self-reflective RAG server: it loads configuration,
// constructs the embedding provider, vector index, critic, generator, and
// audit sink, and wires the orchestrator and HTTP server. It does NOT start
// any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("selfrag starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	embedder := o.embeddingProvider
	if embedder == nil {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	vindex, closeIndex, err := resolveVectorIndex(o, cfg, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("vector index: %w", err)
	}

	criticImpl := o.critic
	if criticImpl == nil {
		criticImpl = critic.New(cfg.GroqBaseURL, cfg.GroqAPIKey, cfg.CriticModel, cfg.CriticTimeout, logger)
	}

	generatorImpl := o.generator
	if generatorImpl == nil {
		generatorImpl = generator.New(cfg.GroqBaseURL, cfg.GroqAPIKey, cfg.GeneratorModel, cfg.GeneratorTimeout, logger)
	}

	sink := o.auditSink
	if sink == nil {
		fileSink, err := audit.NewFileSink(cfg.AuditDir, logger)
		if err != nil {
			if closeIndex != nil {
				_ = closeIndex.Close()
			}
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("audit sink: %w", err)
		}
		sink = fileSink
	}

	reranker := newReranker(cfg, logger)

	orch := orchestrator.New(embedder, vindex, reranker, criticImpl, generatorImpl, sink, logger, orchestrator.Config{
		TopK:             cfg.TopK,
		TopN:             cfg.TopN,
		SupportThreshold: cfg.SupportThreshold,
		RunDeadline:      cfg.RunDeadline,
		CriticTimeout:    cfg.CriticTimeout,
		GeneratorTimeout: cfg.GeneratorTimeout,
		RetrievalTimeout: cfg.RetrievalTimeout,
		RerankTimeout:    cfg.RerankTimeout,
		AuditTimeout:     cfg.AuditTimeout,
		CriticModel:      cfg.CriticModel,
		GeneratorModel:   cfg.GeneratorModel,
		EmbedModel:       cfg.EmbedModel,
	})

	mcpSrv := mcpapi.New(orch, logger, version)

	if err := os.MkdirAll(cfg.UploadDir, 0o750); err != nil {
		if closeIndex != nil {
			_ = closeIndex.Close()
		}
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("upload dir: %w", err)
	}

	srv := httpapi.New(httpapi.ServerConfig{
		Orchestrator:        orch,
		AuditSink:           sink,
		UploadDir:           cfg.UploadDir,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		Logger:              logger,
	})

	return &App{
		cfg:          cfg,
		orchestrator: orch,
		auditSink:    sink,
		vectorIndex:  closeIndex,
		srv:          srv,
		otelShutdown: otelShutdown,
		eventHooks:   o.eventHooks,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown is called automatically —
// callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting HTTP requests, drains in-flight ones, and closes
// the vector index and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("selfrag shutting down")

	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	if a.vectorIndex != nil {
		_ = a.vectorIndex.Close()
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("selfrag stopped")
	return nil
}

// Ask runs one query through the orchestrator synchronously and returns the
// curated public Answer shape, dispatching any registered event hooks
// afterward.
func (a *App) Ask(ctx context.Context, query string, caseID *string) Answer {
	resp := a.orchestrator.Run(ctx, query, caseID)

	answer := Answer{
		RunID:              resp.RunID.String(),
		Explanation:        resp.Answer.Explanation,
		Confidence:         string(resp.Answer.Confidence),
		FollowUpQuestions:  resp.Answer.FollowUpQuestions,
		RetrievalPerformed: resp.RetrievalPerformed,
		Error:              resp.Error,
	}
	for _, c := range resp.Answer.Citations {
		answer.Citations = append(answer.Citations, Citation{DocID: c.DocID, ChunkID: c.ChunkID, TextExcerpt: c.TextExcerpt})
	}
	if answer.Error != "" {
		answer.Status = answer.Error
	} else {
		answer.Status = string(model.StatusOK)
	}

	if len(a.eventHooks) > 0 {
		if record, err := a.auditSink.Get(ctx, answer.RunID); err == nil {
			for _, hook := range a.eventHooks {
				if err := hook.OnRunCompleted(ctx, record); err != nil {
					a.logger.Warn("event hook failed", "error", err)
				}
			}
		}
	}

	return answer
}

// GetAuditRecord looks up the audit record for a completed run.
func (a *App) GetAuditRecord(ctx context.Context, runID string) (AuditSummary, error) {
	record, err := a.auditSink.Get(ctx, runID)
	if err != nil {
		return AuditSummary{}, err
	}
	return AuditSummary{
		RunID:          record.RunID.String(),
		Timestamp:      record.Timestamp,
		Query:          record.Query,
		Status:         string(record.Status),
		Error:          record.Error,
		LatencySeconds: record.LatencySeconds,
	}, nil
}
