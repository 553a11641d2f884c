package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/selfrag/internal/model"
)

func TestHTTPReranker_RerankOrdersByScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 0, "score": 0.2},
				{"index": 1, "score": 0.9},
				{"index": 2, "score": 0.5},
			},
		})
	}))
	defer srv.Close()

	r := NewHTTPReranker(srv.URL, "", "test-model", 5*time.Second)
	passages := []model.Passage{
		{ID: "a", Text: "alpha"},
		{ID: "b", Text: "beta"},
		{ID: "c", Text: "gamma"},
	}
	ranked, err := r.Rerank(context.Background(), "query", passages, 2)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "b", ranked[0].ID)
	assert.Equal(t, "c", ranked[1].ID)
}

func TestHTTPReranker_EmptyPassages(t *testing.T) {
	r := NewHTTPReranker("http://127.0.0.1:0", "", "m", time.Second)
	ranked, err := r.Rerank(context.Background(), "q", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, ranked)
}

func TestLexicalReranker_PrefersTermOverlap(t *testing.T) {
	l := NewLexicalReranker()
	passages := []model.Passage{
		{ID: "unrelated", Text: "The weather today is sunny and warm."},
		{ID: "relevant", Text: "Banks must maintain a minimum capital ratio of 8 percent."},
	}
	ranked, err := l.Rerank(context.Background(), "What is the minimum capital ratio?", passages, 2)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "relevant", ranked[0].ID)
}

func TestLexicalReranker_TopNTruncates(t *testing.T) {
	l := NewLexicalReranker()
	passages := []model.Passage{
		{ID: "a", Text: "capital ratio requirement"},
		{ID: "b", Text: "capital ratio requirement"},
		{ID: "c", Text: "capital ratio requirement"},
	}
	ranked, err := l.Rerank(context.Background(), "capital ratio", passages, 1)
	require.NoError(t, err)
	assert.Len(t, ranked, 1)
}

func TestLexicalReranker_TiesBreakByIndex(t *testing.T) {
	l := NewLexicalReranker()
	passages := []model.Passage{
		{ID: "first", Text: "unrelated text"},
		{ID: "second", Text: "unrelated text"},
	}
	ranked, err := l.Rerank(context.Background(), "query term", passages, 2)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "first", ranked[0].ID)
	assert.Equal(t, "second", ranked[1].ID)
}
