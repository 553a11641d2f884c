package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/selfrag/internal/audit"
	"github.com/ashita-ai/selfrag/internal/index"
	"github.com/ashita-ai/selfrag/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubEmbedder returns a fixed vector, or an error/empty vector on demand.
type stubEmbedder struct {
	vec pgvector.Vector
	err error
}

func (s stubEmbedder) Embed(context.Context, string) (pgvector.Vector, error) { return s.vec, s.err }
func (s stubEmbedder) EmbedBatch(context.Context, []string) ([]pgvector.Vector, error) {
	return []pgvector.Vector{s.vec}, s.err
}
func (s stubEmbedder) Dimensions() int { return 3 }

// stubIndex returns a fixed set of passages, or an error, from Search.
type stubIndex struct {
	passages []model.Passage
	err      error
}

func (s stubIndex) Search(context.Context, pgvector.Vector, index.Filter, int) ([]model.Passage, error) {
	return s.passages, s.err
}
func (s stubIndex) Upsert(context.Context, []model.Passage) error { return nil }
func (s stubIndex) Healthy(context.Context) error                { return nil }
func (s stubIndex) Close() error                                 { return nil }

// identityReranker ranks passages in their given order, assigning descending
// scores so selection order is deterministic and traceable in tests.
type identityReranker struct {
	err error
}

func (r identityReranker) Rerank(_ context.Context, _ string, passages []model.Passage, topN int) ([]model.RankedPassage, error) {
	if r.err != nil {
		return nil, r.err
	}
	if topN > len(passages) {
		topN = len(passages)
	}
	out := make([]model.RankedPassage, topN)
	for i := 0; i < topN; i++ {
		out[i] = model.RankedPassage{Passage: passages[i], RerankScore: float64(topN-i) / float64(topN), Index: i}
	}
	return out, nil
}

// stubCritic always retrieves and returns the configured scores per passage
// text, falling back to a default score for unrecognized text.
type stubCritic struct {
	retrieve bool
	scores   map[string]model.CriticScores
	defaultScore model.CriticScores
}

func (c stubCritic) Decide(context.Context, string) (model.RetrievalDecision, error) {
	return model.RetrievalDecision{Retrieve: c.retrieve}, nil
}

func (c stubCritic) Score(_ context.Context, _, _, passage string) (model.CriticScores, error) {
	if s, ok := c.scores[passage]; ok {
		return s, nil
	}
	return c.defaultScore, nil
}

// stubGenerator produces an answer naming the first passage it was given, or
// fails for passages whose text is in failFor.
type stubGenerator struct {
	failFor      map[string]bool
	followUps    []string
	followUpsErr error
}

func (g stubGenerator) Generate(_ context.Context, _ string, passages []model.RankedPassage) (model.GeneratedAnswer, error) {
	if len(passages) == 0 {
		return model.GeneratedAnswer{Explanation: "no-context answer", Confidence: model.ConfidenceMedium}, nil
	}
	text := passages[0].Text
	if g.failFor[text] {
		return model.GeneratedAnswer{}, errors.New("stub generator: forced failure")
	}
	return model.GeneratedAnswer{
		Explanation: "answer grounded in: " + text,
		Citations:   []model.Citation{{DocID: passages[0].DocID, ChunkID: passages[0].ChunkID, TextExcerpt: text}},
		Confidence:  model.ConfidenceHigh,
	}, nil
}

func (g stubGenerator) FollowUps(context.Context, string, model.GeneratedAnswer, int) ([]string, error) {
	if g.followUpsErr != nil {
		return nil, g.followUpsErr
	}
	return g.followUps, nil
}

func passage(id, text string) model.Passage {
	return model.Passage{ID: id, DocID: "doc-" + id, ChunkID: "c1", Text: text}
}

func newTestOrchestrator(embedder stubEmbedder, idx stubIndex, rr identityReranker, cr stubCritic, gen stubGenerator, sink audit.Sink) *Orchestrator {
	return New(embedder, idx, rr, cr, gen, sink, testLogger(), Config{
		TopK: 10, TopN: 3, SupportThreshold: 0.7,
		RunDeadline: 5 * time.Second, CriticTimeout: time.Second, GeneratorTimeout: time.Second,
		RetrievalTimeout: time.Second, RerankTimeout: time.Second, AuditTimeout: time.Second,
		CriticModel: "critic-v1", GeneratorModel: "gen-v1", EmbedModel: "embed-v1",
	})
}

func highScores() model.CriticScores { return model.CriticScores{IsRel: 0.9, IsSup: 0.9, IsUse: 0.9} }
func lowScores() model.CriticScores  { return model.CriticScores{IsRel: 0.3, IsSup: 0.3, IsUse: 0.3} }

// E1: out-of-domain query, critic declines retrieval.
func TestOrchestrator_OutOfDomain_GeneratesWithoutContext(t *testing.T) {
	sink := audit.NoopSink{}
	o := newTestOrchestrator(
		stubEmbedder{},
		stubIndex{},
		identityReranker{},
		stubCritic{retrieve: false},
		stubGenerator{},
		sink,
	)

	resp := o.Run(context.Background(), "What's the weather like today?", nil)
	assert.False(t, resp.RetrievalPerformed)
	assert.Empty(t, resp.Error)
	assert.Equal(t, "no-context answer", resp.Answer.Explanation)
}

// E2: happy path, a well-supported candidate is selected.
func TestOrchestrator_HappyPath_SelectsBestSupportedCandidate(t *testing.T) {
	p1 := passage("p1", "irrelevant filler text")
	p2 := passage("p2", "banks must hold a minimum capital ratio of 8 percent")

	sink := audit.NoopSink{}
	o := newTestOrchestrator(
		stubEmbedder{vec: pgvector.NewVector([]float32{1, 0, 0})},
		stubIndex{passages: []model.Passage{p1, p2}},
		identityReranker{},
		stubCritic{retrieve: true, scores: map[string]model.CriticScores{
			p1.Text: lowScores(),
			p2.Text: highScores(),
		}, defaultScore: lowScores()},
		stubGenerator{followUps: []string{"What about Tier 2 capital?"}},
		sink,
	)

	resp := o.Run(context.Background(), "What is the minimum capital ratio?", nil)
	require.Empty(t, resp.Error)
	assert.True(t, resp.RetrievalPerformed)
	assert.Contains(t, resp.Answer.Explanation, p2.Text)
	assert.Equal(t, []string{"What about Tier 2 capital?"}, resp.Answer.FollowUpQuestions)
}

// E3: best candidate's support score is below threshold.
func TestOrchestrator_InsufficientSupport(t *testing.T) {
	p1 := passage("p1", "loosely related text")

	sink := audit.NoopSink{}
	o := newTestOrchestrator(
		stubEmbedder{vec: pgvector.NewVector([]float32{1, 0, 0})},
		stubIndex{passages: []model.Passage{p1}},
		identityReranker{},
		stubCritic{retrieve: true, defaultScore: model.CriticScores{IsRel: 0.6, IsSup: 0.4, IsUse: 0.5}},
		stubGenerator{},
		sink,
	)

	resp := o.Run(context.Background(), "What is the minimum capital ratio?", nil)
	assert.Equal(t, model.ErrorInsufficientSupport, resp.Error)
	assert.True(t, resp.RetrievalPerformed)
}

// E4: retrieval returns zero passages.
func TestOrchestrator_EmptyRetrieval(t *testing.T) {
	sink := audit.NoopSink{}
	o := newTestOrchestrator(
		stubEmbedder{vec: pgvector.NewVector([]float32{1, 0, 0})},
		stubIndex{passages: nil},
		identityReranker{},
		stubCritic{retrieve: true},
		stubGenerator{},
		sink,
	)

	resp := o.Run(context.Background(), "What is the minimum capital ratio?", nil)
	assert.Equal(t, model.ErrorEmptyRetrieval, resp.Error)
	assert.True(t, resp.RetrievalPerformed)
}

// E5: when the critic falls back to neutral scores (0.5 each, Fallback set),
// the run is not a pipeline failure; it still completes with a confidence.
func TestOrchestrator_CriticFallback_StillCompletes(t *testing.T) {
	p1 := passage("p1", "banks must hold a minimum capital ratio of 8 percent")

	sink := audit.NoopSink{}
	o := newTestOrchestrator(
		stubEmbedder{vec: pgvector.NewVector([]float32{1, 0, 0})},
		stubIndex{passages: []model.Passage{p1}},
		identityReranker{},
		stubCritic{retrieve: true, defaultScore: model.CriticScores{IsRel: 0.5, IsSup: 0.5, IsUse: 0.5, Fallback: true}},
		stubGenerator{},
		sink,
	)

	resp := o.Run(context.Background(), "What is the minimum capital ratio?", nil)
	assert.False(t, resp.Answer.Confidence == "")
	_ = resp
}

// E6: a cancelled run still produces exactly one audit record and an error
// response (processing_failure, since the S5 workers exit without producing
// candidates) rather than hanging or panicking.
func TestOrchestrator_CancelledRun_WritesProcessingFailure(t *testing.T) {
	rec := &recordingSink{}
	p1 := passage("p1", "banks must hold a minimum capital ratio of 8 percent")

	o := newTestOrchestrator(
		stubEmbedder{vec: pgvector.NewVector([]float32{1, 0, 0})},
		stubIndex{passages: []model.Passage{p1}},
		identityReranker{},
		stubCritic{retrieve: true, defaultScore: highScores()},
		stubGenerator{},
		rec,
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := o.Run(ctx, "What is the minimum capital ratio?", nil)
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, 1, rec.count())
}

// Invariant: empty query text is rejected before retrieval, and no
// candidates/selected index are ever set on that path.
func TestOrchestrator_EmptyQuery_IsBadRequest(t *testing.T) {
	rec := &recordingSink{}
	o := newTestOrchestrator(stubEmbedder{}, stubIndex{}, identityReranker{}, stubCritic{}, stubGenerator{}, rec)

	resp := o.Run(context.Background(), "   ", nil)
	assert.Equal(t, model.ErrorBadRequest, resp.Error)
	assert.False(t, resp.RetrievalPerformed)
	require.Equal(t, 1, rec.count())
	assert.False(t, rec.records[0].RetrievalPerformed)
	assert.Nil(t, rec.records[0].SelectedIndex)
}

// Invariant: exactly one audit record is written per run. The table covers
// the bad-request (empty query) branch.
func TestOrchestrator_ExactlyOneAuditRecordPerRun(t *testing.T) {
	cases := []struct {
		name  string
		setup func() *Orchestrator
	}{
		{"bad request", func() *Orchestrator {
			return newTestOrchestrator(stubEmbedder{}, stubIndex{}, identityReranker{}, stubCritic{}, stubGenerator{}, &recordingSink{})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recordingSink{}
			o := newTestOrchestrator(stubEmbedder{}, stubIndex{}, identityReranker{}, stubCritic{}, stubGenerator{}, rec)
			o.Run(context.Background(), "", nil)
			assert.Equal(t, 1, rec.count())
		})
	}
}

// Invariant: when retrieval did not run, top_candidates is empty and no
// candidate is selected.
func TestOrchestrator_NoRetrieval_NoCandidates(t *testing.T) {
	rec := &recordingSink{}
	o := newTestOrchestrator(stubEmbedder{}, stubIndex{}, identityReranker{}, stubCritic{retrieve: false}, stubGenerator{}, rec)

	o.Run(context.Background(), "unrelated question", nil)
	require.Equal(t, 1, rec.count())
	assert.Empty(t, rec.records[0].TopCandidates)
	assert.Nil(t, rec.records[0].SelectedIndex)
}

// Invariant: on success with retrieval performed, the selected index points
// at a candidate whose support score meets the threshold.
func TestOrchestrator_Success_SelectedIndexMeetsThreshold(t *testing.T) {
	rec := &recordingSink{}
	p1 := passage("p1", "banks must hold a minimum capital ratio of 8 percent")
	o := newTestOrchestrator(
		stubEmbedder{vec: pgvector.NewVector([]float32{1, 0, 0})},
		stubIndex{passages: []model.Passage{p1}},
		identityReranker{},
		stubCritic{retrieve: true, defaultScore: highScores()},
		stubGenerator{},
		rec,
	)

	o.Run(context.Background(), "What is the minimum capital ratio?", nil)
	require.Equal(t, 1, rec.count())
	rec0 := rec.records[0]
	require.Equal(t, model.StatusOK, rec0.Status)
	require.NotNil(t, rec0.SelectedIndex)
	sel := rec0.TopCandidates[*rec0.SelectedIndex]
	assert.GreaterOrEqual(t, sel.IsSupScore, 0.7)
}

// Invariant: every critic score in the audit trail lies in [0, 1] and the
// combined score matches the documented weighting.
func TestOrchestrator_CombinedScoreMatchesFormula(t *testing.T) {
	rec := &recordingSink{}
	p1 := passage("p1", "banks must hold a minimum capital ratio of 8 percent")
	p2 := passage("p2", "unrelated filler")
	o := newTestOrchestrator(
		stubEmbedder{vec: pgvector.NewVector([]float32{1, 0, 0})},
		stubIndex{passages: []model.Passage{p1, p2}},
		identityReranker{},
		stubCritic{retrieve: true, scores: map[string]model.CriticScores{
			p1.Text: {IsRel: 0.8, IsSup: 0.9, IsUse: 0.7},
			p2.Text: {IsRel: 0.2, IsSup: 0.1, IsUse: 0.3},
		}, defaultScore: lowScores()},
		stubGenerator{},
		rec,
	)

	o.Run(context.Background(), "What is the minimum capital ratio?", nil)
	require.Equal(t, 1, rec.count())
	for _, c := range rec.records[0].TopCandidates {
		assert.GreaterOrEqual(t, c.IsRelScore, 0.0)
		assert.LessOrEqual(t, c.IsRelScore, 1.0)
		want := 0.45*c.IsRelScore + 0.40*c.IsSupScore + 0.15*c.IsUseScore
		assert.InDelta(t, want, c.Combined, 1e-9)
	}
}

// Invariant: a candidate is dropped only when BOTH generation and scoring
// fail for it; a generation-only failure still yields a usable (fallback)
// candidate.
func TestOrchestrator_GenerationFailureAloneStillYieldsCandidate(t *testing.T) {
	p1 := passage("p1", "banks must hold a minimum capital ratio of 8 percent")
	p2 := passage("p2", "supplementary relevant detail about capital ratios")

	sink := audit.NoopSink{}
	o := newTestOrchestrator(
		stubEmbedder{vec: pgvector.NewVector([]float32{1, 0, 0})},
		stubIndex{passages: []model.Passage{p1, p2}},
		identityReranker{},
		stubCritic{retrieve: true, defaultScore: highScores()},
		stubGenerator{failFor: map[string]bool{p1.Text: true}},
		sink,
	)

	resp := o.Run(context.Background(), "What is the minimum capital ratio?", nil)
	// p1's generation failed but its score succeeded (fallback critic never
	// errors), so selection should still proceed to a successful answer
	// grounded in whichever candidate survives and wins by combined score.
	assert.Empty(t, resp.Error)
}

// recordingSink records every Write call for later assertion; it never
// errors, matching the Sink contract's Write-always-succeeds guarantee.
type recordingSink struct {
	mu      sync.Mutex
	records []model.AuditRecord
}

func (r *recordingSink) Write(_ context.Context, record model.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *recordingSink) Get(_ context.Context, runID string) (model.AuditRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.RunID.String() == runID {
			return rec, nil
		}
	}
	return model.AuditRecord{}, audit.ErrNotFound
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
