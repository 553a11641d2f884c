// Package orchestrator implements the self-reflective RAG state machine: it
// drives the Critic, Embedder, VectorIndex, CrossEncoder, and Generator
// collaborators through a deterministic pipeline with explicit failure
// branches, fans out per-candidate generation and scoring with bounded
// concurrency, selects the best-supported candidate, and writes an audit
// record for every run regardless of outcome.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/selfrag/internal/audit"
	"github.com/ashita-ai/selfrag/internal/critic"
	"github.com/ashita-ai/selfrag/internal/embedding"
	"github.com/ashita-ai/selfrag/internal/generator"
	"github.com/ashita-ai/selfrag/internal/index"
	"github.com/ashita-ai/selfrag/internal/model"
	"github.com/ashita-ai/selfrag/internal/rerank"
)

// Config holds the tunables that govern one Orchestrator's behavior. All
// durations are per-collaborator-call deadlines except RunDeadline, which
// bounds the whole run and cancels any outstanding S5 workers when it
// expires.
type Config struct {
	TopK             int
	TopN             int
	SupportThreshold float64

	RunDeadline      time.Duration
	CriticTimeout    time.Duration
	GeneratorTimeout time.Duration
	RetrievalTimeout time.Duration
	RerankTimeout    time.Duration
	AuditTimeout     time.Duration

	CriticModel    string
	GeneratorModel string
	EmbedModel     string
}

// Orchestrator composes the six collaborators into the S0-S8 pipeline
// described by the system's self-reflective RAG design. Collaborator clients
// are long-lived and safe for concurrent use across runs; the Orchestrator
// itself holds no per-run mutable state.
type Orchestrator struct {
	embedder  embedding.Provider
	vindex    index.VectorIndex
	reranker  rerank.CrossEncoder
	critic    critic.Critic
	generator generator.Generator
	sink      audit.Sink
	logger    *slog.Logger
	cfg       Config
}

// New builds an Orchestrator from its six collaborators and a Config. Zero
// values in Config are replaced with the package defaults.
func New(embedder embedding.Provider, vindex index.VectorIndex, reranker rerank.CrossEncoder, c critic.Critic, g generator.Generator, sink audit.Sink, logger *slog.Logger, cfg Config) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = 50
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 6
	}
	if cfg.SupportThreshold <= 0 {
		cfg.SupportThreshold = 0.7
	}
	if cfg.RunDeadline <= 0 {
		cfg.RunDeadline = 120 * time.Second
	}
	if cfg.CriticTimeout <= 0 {
		cfg.CriticTimeout = 30 * time.Second
	}
	if cfg.GeneratorTimeout <= 0 {
		cfg.GeneratorTimeout = 60 * time.Second
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = 10 * time.Second
	}
	if cfg.RerankTimeout <= 0 {
		cfg.RerankTimeout = 10 * time.Second
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = 5 * time.Second
	}

	return &Orchestrator{
		embedder:  embedder,
		vindex:    vindex,
		reranker:  reranker,
		critic:    c,
		generator: g,
		sink:      sink,
		logger:    logger,
		cfg:       cfg,
	}
}

// Response is the Orchestrator's public result shape for one run.
type Response struct {
	RunID              uuid.UUID      `json:"run_id"`
	Answer             AnswerPayload  `json:"answer"`
	ProvenanceMeta     map[string]any `json:"provenance_meta,omitempty"`
	AuditID            string         `json:"audit_id"`
	RetrievalPerformed bool           `json:"retrieval_performed"`
	ProcessingTime     float64        `json:"processing_time"`
	Error              string         `json:"error,omitempty"`
}

// AnswerPayload is the caller-facing answer shape: explanation, citations,
// confidence, and follow-up questions together, regardless of whether the
// run succeeded or hit a recognized business-outcome terminal.
type AnswerPayload struct {
	Explanation       string           `json:"explanation"`
	Citations         []model.Citation `json:"citations"`
	Confidence        model.Confidence `json:"confidence"`
	FollowUpQuestions []string         `json:"follow_up_questions,omitempty"`
}

// run accumulates everything needed to populate the audit record across the
// pipeline's stages, since it is written exactly once at the very end
// regardless of which terminal state is reached.
type run struct {
	id        uuid.UUID
	caseID    *string
	query     string
	start     time.Time
	decision  model.RetrievalDecision
	candidates []model.Candidate
	retrieved  int
	rerankScores []float64
	provenance map[string]any
}

func newRun(query string, caseID *string) *run {
	return &run{
		id:         uuid.New(),
		caseID:     caseID,
		query:      query,
		start:      time.Now(),
		provenance: map[string]any{},
	}
}

// Run executes one end-to-end pipeline invocation. It never returns a Go
// error: every failure mode, recognized or not, is captured in the returned
// Response per the error-handling design (collaborator failures recover
// locally; business outcomes and unexpected faults alike terminate in a
// success-shaped response carrying a non-empty Error).
func (o *Orchestrator) Run(ctx context.Context, queryText string, caseID *string) (resp Response) {
	r := newRun(queryText, caseID)

	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("orchestrator: recovered from panic", "run_id", r.id, "panic", rec)
			resp = o.finish(context.Background(), r, false, model.StatusFailed, model.ErrorPipelineError,
				AnswerPayload{Confidence: model.ConfidenceLow}, nil)
		}
	}()

	text := strings.TrimSpace(queryText)
	if text == "" {
		return o.finish(ctx, r, false, model.StatusFailed, model.ErrorBadRequest,
			AnswerPayload{Confidence: model.ConfidenceLow}, nil)
	}
	r.query = text

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunDeadline)
	defer cancel()

	return o.runPipeline(runCtx, r)
}

// runPipeline implements states S1 through S8.
func (o *Orchestrator) runPipeline(ctx context.Context, r *run) Response {
	// S1 DecideRetrieve
	decideCtx, cancel := context.WithTimeout(ctx, o.cfg.CriticTimeout)
	decision, err := o.critic.Decide(decideCtx, r.query)
	cancel()
	if err != nil {
		decision = model.RetrievalDecision{Retrieve: true, Notes: "fallback: " + err.Error(), Fallback: true}
	}
	r.decision = decision

	if !decision.Retrieve {
		// S2 GenerateWithoutContext
		genCtx, cancel := context.WithTimeout(ctx, o.cfg.GeneratorTimeout)
		answer, err := o.generator.Generate(genCtx, r.query, nil)
		cancel()
		if err != nil {
			answer = model.GeneratedAnswer{
				Explanation:  "Unable to generate an answer at this time.",
				Confidence:   model.ConfidenceLow,
				ModelVersion: o.cfg.GeneratorModel,
			}
			r.provenance["generate_without_context_error"] = err.Error()
		}
		return o.finish(ctx, r, false, model.StatusOK, "", AnswerPayload{
			Explanation: answer.Explanation,
			Citations:   answer.Citations,
			Confidence:  answer.Confidence,
		}, nil)
	}

	// S3 Retrieve
	embedCtx, cancel := context.WithTimeout(ctx, o.cfg.RetrievalTimeout)
	vec, err := o.embedder.Embed(embedCtx, r.query)
	cancel()
	if err != nil || len(vec.Slice()) == 0 {
		if err != nil {
			r.provenance["embed_error"] = err.Error()
		}
		return o.emptyRetrieval(ctx, r)
	}

	searchCtx, cancel := context.WithTimeout(ctx, o.cfg.RetrievalTimeout)
	passages, err := o.vindex.Search(searchCtx, vec, nil, o.cfg.TopK)
	cancel()
	if err != nil {
		r.provenance["search_error"] = err.Error()
		return o.emptyRetrieval(ctx, r)
	}
	if len(passages) == 0 {
		return o.emptyRetrieval(ctx, r)
	}
	r.retrieved = len(passages)

	// S4 Rerank
	rerankCtx, cancel := context.WithTimeout(ctx, o.cfg.RerankTimeout)
	ranked, err := o.reranker.Rerank(rerankCtx, r.query, passages, o.cfg.TopN)
	cancel()
	if err != nil {
		r.provenance["rerank_failed"] = true
		r.provenance["rerank_error"] = err.Error()
		ranked = firstByIndex(passages, o.cfg.TopN)
	}
	for i := range ranked {
		ranked[i].Index = i
	}
	r.rerankScores = make([]float64, len(ranked))
	for i, p := range ranked {
		r.rerankScores[i] = p.RerankScore
	}

	// S5 PerCandidate (bounded concurrency fan-out)
	candidates := o.scoreCandidates(ctx, r.query, ranked)
	r.candidates = candidates

	// S6 Select
	if len(candidates) == 0 {
		return o.finish(ctx, r, true, model.StatusFailed, model.ErrorProcessingFailure, AnswerPayload{
			Explanation: "All candidate passages failed generation and scoring.",
			Confidence:  model.ConfidenceLow,
		}, nil)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i].Scores.Combined(), candidates[j].Scores.Combined()
		if ci != cj {
			return ci > cj
		}
		if candidates[i].Scores.IsSup != candidates[j].Scores.IsSup {
			return candidates[i].Scores.IsSup > candidates[j].Scores.IsSup
		}
		return candidates[i].Index < candidates[j].Index
	})
	r.candidates = candidates

	best := candidates[0]
	if best.Scores.IsSup < o.cfg.SupportThreshold {
		return o.finish(ctx, r, true, model.StatusInsufficientSupport, model.ErrorInsufficientSupport, AnswerPayload{
			Explanation: best.Answer.Explanation,
			Citations:   best.Answer.Citations,
			Confidence:  model.ConfidenceLow,
		}, indexPtr(0))
	}

	// S7 FollowUps
	followUpCtx, cancel := context.WithTimeout(ctx, o.cfg.GeneratorTimeout)
	followUps, err := o.generator.FollowUps(followUpCtx, r.query, best.Answer, len(ranked))
	cancel()
	if err != nil {
		r.provenance["follow_ups_error"] = err.Error()
		followUps = nil
	}

	// S8 Success
	return o.finish(ctx, r, true, model.StatusOK, "", AnswerPayload{
		Explanation:       best.Answer.Explanation,
		Citations:         best.Answer.Citations,
		Confidence:        best.Answer.Confidence,
		FollowUpQuestions: followUps,
	}, indexPtr(0))
}

// emptyRetrieval implements S_EMPTY: a canned low-confidence answer, no
// candidates, retrieval_performed stays true since retrieval was attempted.
func (o *Orchestrator) emptyRetrieval(ctx context.Context, r *run) Response {
	return o.finish(ctx, r, true, model.StatusEmpty, model.ErrorEmptyRetrieval, AnswerPayload{
		Explanation: "No relevant documents were found for this query.",
		Confidence:  model.ConfidenceLow,
	}, nil)
}

// scoreCandidates implements S5: for each ranked passage, generate an answer
// from that passage alone and score it against the passage, running up to
// TopN of these pipelines concurrently. A candidate whose generation AND
// scoring both fail is dropped; any single failed step falls back to neutral
// defaults so the candidate is still usable for selection.
func (o *Orchestrator) scoreCandidates(ctx context.Context, query string, ranked []model.RankedPassage) []model.Candidate {
	results := make([]*model.Candidate, len(ranked))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.TopN)

	for i, p := range ranked {
		i, p := i, p
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return nil
			default:
			}

			genCtx, cancel := context.WithTimeout(gCtx, o.cfg.GeneratorTimeout)
			answer, genErr := o.generator.Generate(genCtx, query, []model.RankedPassage{p})
			cancel()

			var scores model.CriticScores
			var scoreErr error
			if genErr == nil {
				scoreCtx, cancel := context.WithTimeout(gCtx, o.cfg.CriticTimeout)
				scores, scoreErr = o.critic.Score(scoreCtx, query, answer.Explanation, p.Text)
				cancel()
			} else {
				scoreCtx, cancel := context.WithTimeout(gCtx, o.cfg.CriticTimeout)
				scores, scoreErr = o.critic.Score(scoreCtx, query, "", p.Text)
				cancel()
			}

			if genErr != nil && scoreErr != nil {
				o.logger.Warn("orchestrator: dropping candidate, generation and scoring both failed",
					"passage_id", p.ID, "gen_error", genErr, "score_error", scoreErr)
				return nil
			}
			if genErr != nil {
				answer = model.GeneratedAnswer{
					Explanation:  "Unable to generate an answer from this passage.",
					Confidence:   model.ConfidenceLow,
					ModelVersion: o.cfg.GeneratorModel,
				}
			}
			if scoreErr != nil {
				scores = model.CriticScores{IsRel: 0.5, IsSup: 0.5, IsUse: 0.5, Fallback: true}
			}

			results[i] = &model.Candidate{
				Passage: p,
				Answer:  answer,
				Scores:  scores,
				Index:   i,
			}
			return nil
		})
	}
	_ = g.Wait()

	candidates := make([]model.Candidate, 0, len(results))
	for _, c := range results {
		if c != nil {
			candidates = append(candidates, *c)
		}
	}
	return candidates
}

// firstByIndex is the S4 fallback when reranking fails: the first n
// passages in their original retrieval order (closest match first, as the
// index returned them), each carrying a zero rerank score.
func firstByIndex(passages []model.Passage, n int) []model.RankedPassage {
	if n > len(passages) {
		n = len(passages)
	}
	out := make([]model.RankedPassage, n)
	for i := 0; i < n; i++ {
		out[i] = model.RankedPassage{Passage: passages[i], Index: i}
	}
	return out
}

func indexPtr(i int) *int { return &i }

// finish writes the audit record for this run and builds the final
// Response. It is the single exit point for every terminal state, so the
// "exactly one AuditRecord per run" invariant holds no matter which branch
// of the state machine produced the answer.
func (o *Orchestrator) finish(ctx context.Context, r *run, retrievalPerformed bool, status model.Status, errorCode string, answer AnswerPayload, selectedIndex *int) Response {
	latency := time.Since(r.start).Seconds()

	topCandidates := make([]model.AuditCandidate, len(r.candidates))
	for i, c := range r.candidates {
		topCandidates[i] = model.AuditCandidate{
			CandidateID:    c.Passage.ID,
			DocTextPreview: truncatePreview(c.Passage.Text, 200),
			Metadata:       c.Passage.Metadata,
			RetrievalScore: c.Passage.Distance,
			RerankScore:    c.Passage.RerankScore,
			IsRelScore:     c.Scores.IsRel,
			IsSupScore:     c.Scores.IsSup,
			IsUseScore:     c.Scores.IsUse,
			Combined:       c.Scores.Combined(),
		}
	}

	var selectedScores *model.CriticScores
	if selectedIndex != nil && *selectedIndex < len(r.candidates) {
		s := r.candidates[*selectedIndex].Scores
		selectedScores = &s
	}

	record := model.AuditRecord{
		RunID:              r.id,
		Timestamp:          time.Now().UTC(),
		CaseID:             r.caseID,
		Query:              r.query,
		RetrievalDecision:  r.decision,
		RetrievalPerformed: retrievalPerformed,
		RetrievedCount:     r.retrieved,
		TopCandidates:      topCandidates,
		RerankScores:       r.rerankScores,
		SelectedIndex:      selectedIndex,
		SelectedScores:     selectedScores,
		Confidence:         answer.Confidence,
		Result: model.Answer{
			RunID:              r.id,
			Status:             status,
			Explanation:        answer.Explanation,
			Citations:          answer.Citations,
			Confidence:         answer.Confidence,
			FollowUpQuestions:  answer.FollowUpQuestions,
			RetrievalPerformed: retrievalPerformed,
			Error:              errorCode,
		},
		FollowUpQuestions: answer.FollowUpQuestions,
		ModelVersions: model.ModelVersions{
			Critic:    o.cfg.CriticModel,
			Generator: o.cfg.GeneratorModel,
			Embedding: o.cfg.EmbedModel,
		},
		ProvenanceMeta: r.provenance,
		LatencySeconds: latency,
		Status:         status,
		Error:          errorCode,
	}

	auditID := r.id.String()
	auditCtx, cancel := context.WithTimeout(ctx, o.cfg.AuditTimeout)
	if err := o.sink.Write(auditCtx, record); err != nil {
		o.logger.Warn("orchestrator: audit write failed", "run_id", r.id, "error", err)
		auditID = ""
	}
	cancel()

	return Response{
		RunID:              r.id,
		Answer:             answer,
		ProvenanceMeta:     r.provenance,
		AuditID:            auditID,
		RetrievalPerformed: retrievalPerformed,
		ProcessingTime:     latency,
		Error:              errorCode,
	}
}

func truncatePreview(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
