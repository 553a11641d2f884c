// Package generator produces evidence-grounded answers and follow-up
// questions from a set of retrieved passages.
package generator

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/selfrag/internal/llmclient"
	"github.com/ashita-ai/selfrag/internal/model"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type defaults struct {
	FollowUpQuestions []string `yaml:"follow_up_questions"`
}

func loadDefaults() defaults {
	var d defaults
	if err := yaml.Unmarshal(defaultsYAML, &d); err != nil {
		// The embedded asset is part of the binary; a parse failure here is a
		// build-time defect, not a runtime condition. Fall back to an empty
		// list rather than panicking in production.
		return defaults{}
	}
	return d
}

// maxPassageChars caps how much of a passage's text is included in the
// generator prompt, matching the original system's per-passage truncation.
const maxPassageChars = 1000

// maxFollowUpQuestions caps how many follow-up questions are returned from
// either the LLM response or the default fallback list.
const maxFollowUpQuestions = 5

// Generator produces an answer from a set of passages and follow-up
// questions from a produced answer.
type Generator interface {
	Generate(ctx context.Context, query string, passages []model.RankedPassage) (model.GeneratedAnswer, error)
	FollowUps(ctx context.Context, query string, answer model.GeneratedAnswer, passageCount int) ([]string, error)
}

// GroqGenerator calls a Groq (or any OpenAI-wire-compatible) chat completion
// endpoint to generate answers and follow-up questions.
type GroqGenerator struct {
	client   *llmclient.Client
	model    string
	logger   *slog.Logger
	defaults defaults
}

// New creates a Generator backed by an OpenAI-wire-compatible chat endpoint.
func New(baseURL, apiKey, modelName string, timeout time.Duration, logger *slog.Logger) *GroqGenerator {
	return &GroqGenerator{
		client:   llmclient.New(baseURL, apiKey, timeout),
		model:    modelName,
		logger:   logger,
		defaults: loadDefaults(),
	}
}

type answerResponse struct {
	Explanation string           `json:"explanation"`
	Citations   []model.Citation `json:"citations"`
	Confidence  string           `json:"confidence"`
}

func (g *GroqGenerator) Generate(ctx context.Context, query string, passages []model.RankedPassage) (model.GeneratedAnswer, error) {
	prompt := answerPrompt(query, passages)

	raw, err := g.client.Complete(ctx, g.model, prompt)
	if err != nil {
		g.logger.Warn("generator: answer call failed", "error", err)
		return model.GeneratedAnswer{}, fmt.Errorf("generator: generate: %w", err)
	}

	var parsed answerResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		// Fallback: return the raw content as the explanation with no
		// citations and LOW confidence, matching the original system's
		// behavior when the model doesn't produce valid JSON.
		g.logger.Warn("generator: answer response unparseable, using raw content", "error", err)
		return model.GeneratedAnswer{
			Explanation:  strings.TrimSpace(raw),
			Citations:    nil,
			Confidence:   model.ConfidenceLow,
			ModelVersion: g.model,
		}, nil
	}

	confidence := model.Confidence(strings.ToUpper(parsed.Confidence))
	switch confidence {
	case model.ConfidenceHigh, model.ConfidenceMedium, model.ConfidenceLow:
	default:
		confidence = model.ConfidenceLow
	}

	return model.GeneratedAnswer{
		Explanation:  parsed.Explanation,
		Citations:    parsed.Citations,
		Confidence:   confidence,
		ModelVersion: g.model,
	}, nil
}

type followUpResponse struct {
	Questions []string `json:"questions"`
}

func (g *GroqGenerator) FollowUps(ctx context.Context, query string, answer model.GeneratedAnswer, passageCount int) ([]string, error) {
	raw, err := g.client.Complete(ctx, g.model, followUpPrompt(query, answer, passageCount))
	if err != nil {
		g.logger.Warn("generator: follow-up call failed, using defaults", "error", err)
		return capQuestions(g.defaults.FollowUpQuestions), nil
	}

	var parsed followUpResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil || len(parsed.Questions) == 0 {
		g.logger.Warn("generator: follow-up response unparseable, using defaults")
		return capQuestions(g.defaults.FollowUpQuestions), nil
	}
	return capQuestions(parsed.Questions), nil
}

// capQuestions truncates to at most maxFollowUpQuestions, per the original
// system's follow-up contract.
func capQuestions(questions []string) []string {
	if len(questions) > maxFollowUpQuestions {
		return questions[:maxFollowUpQuestions]
	}
	return questions
}

// answerPrompt mirrors the original system's GENERATOR_PROMPT.
func answerPrompt(query string, passages []model.RankedPassage) string {
	var block strings.Builder
	for _, p := range passages {
		id := p.DocID + "_" + p.ChunkID
		docType, _ := p.Metadata["doc_type"].(string)
		if docType == "" {
			docType = "unknown"
		}
		fmt.Fprintf(&block, "[ID: %s | Type: %s]\n%s\n\n", id, docType, truncateRunes(p.Text, maxPassageChars))
	}

	var b strings.Builder
	b.WriteString("You are an expert compliance analyst. Your task is to answer the user's query based ONLY on the provided passages.\n\n")
	fmt.Fprintf(&b, "USER'S QUERY: %s\n\n", query)
	b.WriteString("RELEVANT PASSAGES:\n")
	b.WriteString(block.String())
	b.WriteString(`INSTRUCTIONS:
1. Write a concise, evidence-backed explanation (maximum 6 sentences) to answer the query.
2. Every factual claim must be supported by an inline citation. Use the exact ID from the passage reference, like [doc123_chunk45].
3. Your entire response must be a valid JSON object in this exact format:
{"explanation": "Your explanation with citations [doc123_chunk45] placed inline.", "citations": [{"doc_id": "doc123", "chunk_id": "chunk45", "text_excerpt": "The exact sentence from the passage that supports the claim."}], "confidence": "HIGH|MEDIUM|LOW"}
4. Assess your confidence:
   - HIGH: the answer is directly and fully supported by the provided passages.
   - MEDIUM: the answer is partially supported or requires reasonable inference.
   - LOW: the passages are related but do not fully answer the query.

Do not include any other text, commentary, or chain-of-thought outside the JSON object.`)
	return b.String()
}

// followUpPrompt mirrors the original system's FOLLOW_UP_PROMPT.
func followUpPrompt(query string, answer model.GeneratedAnswer, passageCount int) string {
	var b strings.Builder
	b.WriteString("You are an expert compliance analyst. Based on the conversation context, generate relevant follow-up questions that a user might ask next.\n\n")
	b.WriteString("CONTEXT:\n")
	fmt.Fprintf(&b, "- Original Query: %s\n", query)
	fmt.Fprintf(&b, "- Answer Provided: %s\n", answer.Explanation)
	fmt.Fprintf(&b, "- Number of Supporting Passages: %s\n", strconv.Itoa(passageCount))
	fmt.Fprintf(&b, "- Answer Confidence: %s\n\n", answer.Confidence)
	b.WriteString(`INSTRUCTIONS:
1. Generate 3-5 natural, helpful follow-up questions that dive deeper into the topic.
2. Questions should be based on the provided answer and likely user interests.
3. Make questions specific and actionable.
4. Return only a JSON object with a list of questions.

Example output:
{"questions": ["What are the specific capital requirements for small banks?", "How often are these regulations updated?", "Where can I find the official documentation for this rule?"]}

Generate the follow-up questions now:`)
	return b.String()
}

func truncateRunes(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
