package critic

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
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDecide_Retrieve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": `{"retrieve": true, "notes": "specific regulation"}`}},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "test-model", 5*time.Second, testLogger())
	decision, err := c.Decide(context.Background(), "What are the capital requirements under Basel III?")
	require.NoError(t, err)
	assert.True(t, decision.Retrieve)
	assert.False(t, decision.Fallback)
}

func TestDecide_FallsBackOnUnparseableResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "not json at all"}},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "test-model", 5*time.Second, testLogger())
	decision, err := c.Decide(context.Background(), "hello")
	require.NoError(t, err)
	assert.True(t, decision.Retrieve)
	assert.True(t, decision.Fallback)
}

func TestDecide_FallsBackOnTransportError(t *testing.T) {
	c := New("http://127.0.0.1:0", "", "test-model", time.Second, testLogger())
	decision, err := c.Decide(context.Background(), "hello")
	require.NoError(t, err)
	assert.True(t, decision.Retrieve)
	assert.True(t, decision.Fallback)
}

func TestScore_ClampsOutOfRangeValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": `{"isrel": 1.2, "issup": -0.1, "isuse": 0.5, "notes": "ok"}`}},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "test-model", 5*time.Second, testLogger())
	scores, err := c.Score(context.Background(), "query", "answer", "passage")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, scores.IsRel, 0.0001)
	assert.InDelta(t, 0.0, scores.IsSup, 0.0001)
	assert.InDelta(t, 0.5, scores.IsUse, 0.0001)
}

func TestScore_FallsBackOnUnparseableResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "I cannot answer that."}},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "test-model", 5*time.Second, testLogger())
	scores, err := c.Score(context.Background(), "query", "answer", "passage")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, scores.IsRel, 0.0001)
	assert.InDelta(t, 0.5, scores.IsSup, 0.0001)
	assert.InDelta(t, 0.5, scores.IsUse, 0.0001)
	assert.True(t, scores.Fallback)
}

func TestScore_ExtractsJSONSurroundedByCommentary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "Here are my scores:\n{\"isrel\": 0.9, \"issup\": 0.8, \"isuse\": 0.7}\nHope that helps!"}},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "test-model", 5*time.Second, testLogger())
	scores, err := c.Score(context.Background(), "query", "answer", "passage")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, scores.IsRel, 0.0001)
	assert.False(t, scores.Fallback)
}

func TestNoopCritic(t *testing.T) {
	var c NoopCritic
	decision, err := c.Decide(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, decision.Retrieve)

	scores, err := c.Score(context.Background(), "q", "a", "p")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, scores.Combined(), 0.0001)
}
