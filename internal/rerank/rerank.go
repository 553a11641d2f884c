// Package rerank reorders retrieved passages by relevance to the query using
// a cross-encoder, a model that scores a (query, passage) pair jointly
// rather than comparing independently-embedded vectors. Cross-encoders are
// slower than the bi-encoder used for initial retrieval but far more
// accurate at the query/passage granularity, so they run only on the
// TopK candidates already pulled from the vector index.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/ashita-ai/selfrag/internal/model"
)

// CrossEncoder scores and reorders passages by relevance to a query, keeping
// only the top n.
type CrossEncoder interface {
	Rerank(ctx context.Context, query string, passages []model.Passage, topN int) ([]model.RankedPassage, error)
}

// HTTPReranker calls an HTTP cross-encoder scoring endpoint (for example, a
// self-hosted ms-marco-MiniLM server speaking the same request/response
// shape as Hugging Face's text-embeddings-inference rerank API).
type HTTPReranker struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewHTTPReranker creates a reranker client against baseURL.
func NewHTTPReranker(baseURL, apiKey, modelName string, timeout time.Duration) *HTTPReranker {
	return &HTTPReranker{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   modelName,
		httpClient: &http.Client{
			Timeout: timeout + 5*time.Second,
		},
	}
}

type rerankRequest struct {
	Model string   `json:"model"`
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
}

// Rerank scores every passage against the query and returns the top n in
// descending score order. RankedPassage.Index records the passage's position in
// the input slice so downstream fan-out can restore a deterministic order.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, passages []model.Passage, topN int) ([]model.RankedPassage, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}

	body, err := json.Marshal(rerankRequest{Model: r.model, Query: query, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("rerank: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rerank: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("rerank: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result rerankResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 2*1024*1024)).Decode(&result); err != nil {
		return nil, fmt.Errorf("rerank: decode response: %w", err)
	}

	ranked := make([]model.RankedPassage, 0, len(result.Results))
	for _, r := range result.Results {
		if r.Index < 0 || r.Index >= len(passages) {
			return nil, fmt.Errorf("rerank: response index %d out of range", r.Index)
		}
		ranked = append(ranked, model.RankedPassage{
			Passage:     passages[r.Index],
			RerankScore: r.Score,
			Index:       r.Index,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].RerankScore > ranked[j].RerankScore
	})

	if topN > 0 && len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked, nil
}

// LexicalReranker is a pure-Go fallback cross-encoder used when no rerank
// model endpoint is configured. It scores each passage by term-overlap with
// the query (a simplified BM25-style term-frequency score without a corpus
// IDF, since reranking runs over one query's candidate set rather than a
// fixed corpus), which is weaker than a real cross-encoder but needs no
// external service and keeps the pipeline deterministic in tests.
type LexicalReranker struct{}

// NewLexicalReranker creates the stdlib-only fallback reranker.
func NewLexicalReranker() *LexicalReranker {
	return &LexicalReranker{}
}

// Rerank scores passages by query term overlap and returns the top n in
// descending score order, breaking ties by original index to stay
// deterministic.
func (l *LexicalReranker) Rerank(_ context.Context, query string, passages []model.Passage, topN int) ([]model.RankedPassage, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	queryTerms := tokenize(query)

	ranked := make([]model.RankedPassage, len(passages))
	for i, p := range passages {
		ranked[i] = model.RankedPassage{
			Passage:     p,
			RerankScore: termOverlapScore(queryTerms, tokenize(p.Text)),
			Index:       i,
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].RerankScore != ranked[j].RerankScore {
			return ranked[i].RerankScore > ranked[j].RerankScore
		}
		return ranked[i].Index < ranked[j].Index
	})

	if topN > 0 && len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked, nil
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return fields
}

// termOverlapScore returns the fraction of query terms that appear at least
// once in the document, plus the sum of those terms' relative frequencies in
// the document.
func termOverlapScore(queryTerms, docTerms []string) float64 {
	if len(queryTerms) == 0 || len(docTerms) == 0 {
		return 0
	}

	docCounts := make(map[string]int, len(docTerms))
	for _, t := range docTerms {
		docCounts[t]++
	}

	var matched int
	var weight float64
	for _, qt := range queryTerms {
		if c, ok := docCounts[qt]; ok {
			matched++
			weight += float64(c) / float64(len(docTerms))
		}
	}
	if matched == 0 {
		return 0
	}
	return (float64(matched) / float64(len(queryTerms))) + weight
}
