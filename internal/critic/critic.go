// Package critic implements the self-reflection component of the RAG
// pipeline: it decides whether a query needs retrieval at all, and scores a
// single generated answer against the passage it was generated from on
// relevance, support, and utility.
package critic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashita-ai/selfrag/internal/llmclient"
	"github.com/ashita-ai/selfrag/internal/model"
)

// Critic decides whether to retrieve and scores candidate answers.
type Critic interface {
	Decide(ctx context.Context, query string) (model.RetrievalDecision, error)
	Score(ctx context.Context, query, answer, passage string) (model.CriticScores, error)
}

// clampScore restricts an LLM-reported score to the documented [0, 1] range;
// some models occasionally emit values slightly outside it.
func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// decideRetrievePrompt mirrors the original system's CRITIC_RETRIEVE_PROMPT.
func decideRetrievePrompt(query string) string {
	var b strings.Builder
	b.WriteString("You are a critic deciding whether an AI system needs to retrieve external documents to answer a query. Use the following rules:\n\n")
	b.WriteString("- RETRIEVE (set true) if: the query is about specific facts, figures, regulations, clauses, policies, or events, or requires current, specific, or verifiable information.\n")
	b.WriteString("- DO NOT RETRIEVE (set false) if: the query is a general greeting, a simple thank you, unrelated to compliance or finance, or too broad or vague to be answered with documents.\n\n")
	fmt.Fprintf(&b, "QUERY: %s\n\n", query)
	b.WriteString(`Return only a JSON object. Example: {"retrieve": true, "notes": "Query is about a specific regulatory guideline."}`)
	return b.String()
}

// maxCriticChars caps how much of the answer and passage text is included
// in the scoring prompt, matching the original system's truncation.
const maxCriticChars = 2000

// scorePrompt mirrors the original system's CRITIC_SCORE_PROMPT.
func scorePrompt(query, answer, passage string) string {
	var b strings.Builder
	b.WriteString("You are a critic evaluating an AI's answer against a source passage. Score the answer on three criteria:\n\n")
	fmt.Fprintf(&b, "QUERY: %s\n", query)
	fmt.Fprintf(&b, "GENERATED ANSWER: %s\n", truncateRunes(answer, maxCriticChars))
	fmt.Fprintf(&b, "SOURCE PASSAGE: %s\n\n", truncateRunes(passage, maxCriticChars))
	b.WriteString(`CRITERIA:
1. isrel (Relevance): Score 0.0-1.0. How relevant is the source passage to the original query? Ignore the answer.
2. issup (Support): Score 0.0-1.0. How well does the source passage support the specific claims in the generated answer? (1.0 = perfect support, 0.0 = contradiction or no support.)
3. isuse (Utility): Score 0.0-1.0. How useful is this passage for forming a comprehensive and helpful answer to the query?

Provide only a JSON object with your scores and optional brief notes. Example:
{"isrel": 0.9, "issup": 0.8, "isuse": 0.7, "notes": "Passage is highly relevant and supports the main claim."}`)
	return b.String()
}

func truncateRunes(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

type decideResponse struct {
	Retrieve bool   `json:"retrieve"`
	Notes    string `json:"notes"`
}

type scoreResponse struct {
	IsRel float64 `json:"isrel"`
	IsSup float64 `json:"issup"`
	IsUse float64 `json:"isuse"`
	Notes string  `json:"notes"`
}

// GroqCritic calls a Groq (or any OpenAI-wire-compatible) chat completion
// endpoint to make retrieval and scoring decisions. Unparseable or failed
// responses fall back to documented defaults rather than failing the run:
// decide falls back to retrieve=true, score falls back to all 0.5.
type GroqCritic struct {
	client *llmclient.Client
	model  string
	logger *slog.Logger
}

// New creates a Critic backed by an OpenAI-wire-compatible chat endpoint.
func New(baseURL, apiKey, modelName string, timeout time.Duration, logger *slog.Logger) *GroqCritic {
	return &GroqCritic{
		client: llmclient.New(baseURL, apiKey, timeout),
		model:  modelName,
		logger: logger,
	}
}

func (c *GroqCritic) Decide(ctx context.Context, query string) (model.RetrievalDecision, error) {
	raw, err := c.client.Complete(ctx, c.model, decideRetrievePrompt(query))
	if err != nil {
		c.logger.Warn("critic: decide call failed, falling back to retrieve=true", "error", err)
		return model.RetrievalDecision{Retrieve: true, Notes: "fallback", Fallback: true}, nil
	}

	var parsed decideResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		c.logger.Warn("critic: decide response unparseable, falling back to retrieve=true", "error", err)
		return model.RetrievalDecision{Retrieve: true, Notes: "fallback", Fallback: true}, nil
	}
	return model.RetrievalDecision{Retrieve: parsed.Retrieve, Notes: parsed.Notes}, nil
}

func (c *GroqCritic) Score(ctx context.Context, query, answer, passage string) (model.CriticScores, error) {
	raw, err := c.client.Complete(ctx, c.model, scorePrompt(query, answer, passage))
	if err != nil {
		c.logger.Warn("critic: score call failed, falling back to 0.5/0.5/0.5", "error", err)
		return model.CriticScores{IsRel: 0.5, IsSup: 0.5, IsUse: 0.5, Notes: "fallback", Fallback: true}, nil
	}

	var parsed scoreResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		c.logger.Warn("critic: score response unparseable, falling back to 0.5/0.5/0.5", "error", err)
		return model.CriticScores{IsRel: 0.5, IsSup: 0.5, IsUse: 0.5, Notes: "fallback", Fallback: true}, nil
	}
	return model.CriticScores{
		IsRel: clampScore(parsed.IsRel),
		IsSup: clampScore(parsed.IsSup),
		IsUse: clampScore(parsed.IsUse),
		Notes: parsed.Notes,
	}, nil
}

// extractJSON trims any leading/trailing commentary a model adds around the
// JSON object despite being told not to, returning the substring between the
// first '{' and the last '}'. Returns the input unchanged if no braces are found.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

// NoopCritic always retrieves and always returns neutral scores, so the full
// pipeline runs without LLM-based self-reflection. selfrag.New does not pick
// it on its own; it is used only where a caller supplies it explicitly.
type NoopCritic struct{}

func (NoopCritic) Decide(_ context.Context, _ string) (model.RetrievalDecision, error) {
	return model.RetrievalDecision{Retrieve: true, Notes: "noop critic"}, nil
}

func (NoopCritic) Score(_ context.Context, _, _, _ string) (model.CriticScores, error) {
	return model.CriticScores{IsRel: 0.5, IsSup: 0.5, IsUse: 0.5, Notes: "noop critic"}, nil
}
