// Package model defines the core domain types shared across the self-reflective
// RAG pipeline: the query coming in, the passages and candidates that flow
// through retrieval and reranking, and the answer and audit record going out.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Query is a single natural-language question submitted for an answer.
type Query struct {
	RunID  uuid.UUID `json:"run_id"`
	Text   string    `json:"text"`
	CaseID *string   `json:"case_id,omitempty"`
}

// Passage is a single retrievable chunk of a compliance document, as stored
// in the vector index.
type Passage struct {
	ID       string           `json:"id"`
	DocID    string           `json:"doc_id"`
	ChunkID  string           `json:"chunk_id"`
	Text     string           `json:"text"`
	Metadata map[string]any   `json:"metadata,omitempty"`
	Distance float64          `json:"distance"`
	Vector   *pgvector.Vector `json:"-"`
}

// RankedPassage is a Passage after cross-encoder reranking. Index preserves
// the passage's position within the reranked set so concurrent S5 scoring
// can restore deterministic ordering regardless of goroutine completion order.
type RankedPassage struct {
	Passage
	RerankScore float64 `json:"rerank_score"`
	Index       int     `json:"index"`
}

// CriticScores are the three self-reflection scores the Critic assigns to a
// single candidate answer: isrel (is the passage relevant to the query),
// issup (is the answer supported by the passage), isuse (is the answer useful).
type CriticScores struct {
	IsRel   float64 `json:"isrel"`
	IsSup   float64 `json:"issup"`
	IsUse   float64 `json:"isuse"`
	Notes   string  `json:"notes,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
}

// Combined returns the weighted combination used to rank candidates:
// 0.45*isrel + 0.40*issup + 0.15*isuse.
func (s CriticScores) Combined() float64 {
	return 0.45*s.IsRel + 0.40*s.IsSup + 0.15*s.IsUse
}

// Citation points from a claim in the generated answer back to the passage
// that supports it.
type Citation struct {
	DocID        string `json:"doc_id"`
	ChunkID      string `json:"chunk_id"`
	TextExcerpt  string `json:"text_excerpt"`
}

// Confidence is the Generator's self-reported confidence in an answer.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// GeneratedAnswer is the raw output of the Generator for one passage set,
// before the Critic has scored it against the other candidates.
type GeneratedAnswer struct {
	Explanation  string     `json:"explanation"`
	Citations    []Citation `json:"citations"`
	Confidence   Confidence `json:"confidence"`
	ModelVersion string     `json:"model_version,omitempty"`
}

// Candidate is one reranked passage paired with the answer generated from it
// alone and the Critic's scores for that answer, produced by the S5 fan-out.
type Candidate struct {
	Passage  RankedPassage   `json:"passage"`
	Answer   GeneratedAnswer `json:"answer"`
	Scores   CriticScores    `json:"scores"`
	Index    int             `json:"index"`
}

// RetrievalDecision is the Critic's S1 judgment on whether retrieval should
// run at all for this query.
type RetrievalDecision struct {
	Retrieve bool   `json:"retrieve"`
	Notes    string `json:"notes,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
}

// Status is the terminal outcome of an orchestrator run.
type Status string

const (
	StatusOK                 Status = "ok"
	StatusInsufficientSupport Status = "insufficient_support"
	StatusEmpty              Status = "empty_retrieval"
	StatusFailed             Status = "failed"
)

// Error codes carried in Answer.Error and AuditRecord.Error, one per
// terminal error state of the orchestrator's state machine.
const (
	ErrorBadRequest          = "bad_request"
	ErrorEmptyRetrieval      = "empty_retrieval"
	ErrorInsufficientSupport = "insufficient_support"
	ErrorProcessingFailure   = "processing_failure"
	ErrorPipelineError       = "pipeline_error"
)

// Answer is the final, evidence-grounded response returned to the caller.
// It is the single return shape for every terminal state: successful answers
// carry Explanation/Citations/Confidence; terminal error states set Error,
// with LOW confidence and a canned or best-attempt explanation where one is
// available.
type Answer struct {
	RunID             uuid.UUID  `json:"run_id"`
	Status            Status     `json:"status"`
	Explanation       string     `json:"explanation,omitempty"`
	Citations         []Citation `json:"citations,omitempty"`
	Confidence        Confidence `json:"confidence,omitempty"`
	FollowUpQuestions []string   `json:"follow_up_questions,omitempty"`
	RetrievalPerformed bool      `json:"retrieval_performed"`
	Error             string     `json:"error,omitempty"`
}

// ModelVersions records which model served each LLM-backed collaborator for
// one run, so an audit reviewer can tell which prompt/model combination
// produced a given answer.
type ModelVersions struct {
	Critic    string `json:"critic,omitempty"`
	Generator string `json:"generator,omitempty"`
	Embedding string `json:"embedding,omitempty"`
}

// AuditRecord is the durable, append-only record of one orchestrator run,
// written regardless of the run's outcome.
type AuditRecord struct {
	RunID              uuid.UUID         `json:"run_id"`
	Timestamp          time.Time         `json:"timestamp"`
	CaseID             *string           `json:"case_id,omitempty"`
	Query              string            `json:"query"`
	RetrievalDecision  RetrievalDecision `json:"retrieval_decision"`
	RetrievalPerformed bool              `json:"retrieval_performed"`
	RetrievedCount     int               `json:"retrieved_count"`
	TopCandidates      []AuditCandidate  `json:"top_candidates,omitempty"`
	RerankScores       []float64         `json:"rerank_scores,omitempty"`
	SelectedIndex      *int              `json:"selected_candidate_index,omitempty"`
	SelectedScores     *CriticScores     `json:"selected_candidate_scores,omitempty"`
	Confidence         Confidence        `json:"confidence,omitempty"`
	Result             Answer            `json:"result"`
	FollowUpQuestions  []string          `json:"follow_up_questions,omitempty"`
	ModelVersions      ModelVersions     `json:"model_versions"`
	ProvenanceMeta     map[string]any    `json:"provenance_meta,omitempty"`
	LatencySeconds     float64           `json:"latency_s"`
	Status             Status            `json:"status"`
	Error              string            `json:"error,omitempty"`
}

// AuditCandidate is the slimmed-down candidate record kept in the audit
// trail: enough to reconstruct why a candidate was or wasn't selected,
// without duplicating the full passage text.
type AuditCandidate struct {
	CandidateID     string         `json:"candidate_id"`
	DocTextPreview  string         `json:"doc_text_preview,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	RetrievalScore  float64        `json:"retrieval_score,omitempty"`
	RerankScore     float64        `json:"rerank_score,omitempty"`
	IsRelScore      float64        `json:"isrel_score"`
	IsSupScore      float64        `json:"issup_score"`
	IsUseScore      float64        `json:"isuse_score"`
	Combined        float64        `json:"combined_score"`
}
