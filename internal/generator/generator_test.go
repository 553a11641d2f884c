package generator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/selfrag/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestGenerate_ParsesJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": `{"explanation": "Capital ratios must exceed 8% [doc1_chunk2].", "citations": [{"doc_id": "doc1", "chunk_id": "chunk2", "text_excerpt": "minimum capital ratio of 8%"}], "confidence": "HIGH"}`}},
			},
		})
	}))
	defer srv.Close()

	g := New(srv.URL, "", "test-model", 5*time.Second, testLogger())
	answer, err := g.Generate(context.Background(), "What is the minimum capital ratio?", []model.RankedPassage{
		{Passage: model.Passage{DocID: "doc1", ChunkID: "chunk2", Text: "Banks must maintain a minimum capital ratio of 8%."}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.ConfidenceHigh, answer.Confidence)
	assert.Len(t, answer.Citations, 1)
	assert.Equal(t, "test-model", answer.ModelVersion)
}

func TestGenerate_FallsBackToRawContentOnUnparseableResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "The capital ratio must be at least 8%."}},
			},
		})
	}))
	defer srv.Close()

	g := New(srv.URL, "", "test-model", 5*time.Second, testLogger())
	answer, err := g.Generate(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Equal(t, model.ConfidenceLow, answer.Confidence)
	assert.Empty(t, answer.Citations)
	assert.Contains(t, answer.Explanation, "8%")
}

func TestFollowUps_FallsBackToDefaultsOnFailure(t *testing.T) {
	g := New("http://127.0.0.1:0", "", "test-model", time.Second, testLogger())
	questions, err := g.FollowUps(context.Background(), "query", model.GeneratedAnswer{}, 3)
	require.NoError(t, err)
	assert.NotEmpty(t, questions)
}

func TestFollowUps_ParsesQuestions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": `{"questions": ["How often is this reviewed?", "Who enforces this?"]}`}},
			},
		})
	}))
	defer srv.Close()

	g := New(srv.URL, "", "test-model", 5*time.Second, testLogger())
	questions, err := g.FollowUps(context.Background(), "query", model.GeneratedAnswer{Explanation: "answer"}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"How often is this reviewed?", "Who enforces this?"}, questions)
}
