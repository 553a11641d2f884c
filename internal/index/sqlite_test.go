package index

import (
	"context"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/selfrag/internal/model"
)

func mustPassage(id string, vec []float32, metadata map[string]any) model.Passage {
	v := pgvector.NewVector(vec)
	return model.Passage{
		ID:       id,
		DocID:    "doc-" + id,
		ChunkID:  "chunk-1",
		Text:     "text for " + id,
		Metadata: metadata,
		Vector:   &v,
	}
}

func TestSQLiteIndex_UpsertAndSearch(t *testing.T) {
	idx, err := NewSQLiteIndex("")
	require.NoError(t, err)
	defer idx.Close()

	ctx := context.Background()
	err = idx.Upsert(ctx, []model.Passage{
		mustPassage("p1", []float32{1, 0, 0}, nil),
		mustPassage("p2", []float32{0, 1, 0}, nil),
		mustPassage("p3", []float32{0.9, 0.1, 0}, nil),
	})
	require.NoError(t, err)

	results, err := idx.Search(ctx, pgvector.NewVector([]float32{1, 0, 0}), nil, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "p1", results[0].ID)
	assert.Equal(t, "p3", results[1].ID)
}

func TestSQLiteIndex_SearchAppliesFilter(t *testing.T) {
	idx, err := NewSQLiteIndex("")
	require.NoError(t, err)
	defer idx.Close()

	ctx := context.Background()
	err = idx.Upsert(ctx, []model.Passage{
		mustPassage("p1", []float32{1, 0}, map[string]any{"doc_type": "circular"}),
		mustPassage("p2", []float32{1, 0}, map[string]any{"doc_type": "memo"}),
	})
	require.NoError(t, err)

	results, err := idx.Search(ctx, pgvector.NewVector([]float32{1, 0}), Filter{"doc_type": "memo"}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p2", results[0].ID)
}

func TestSQLiteIndex_SearchRejectsEmptyFilterKey(t *testing.T) {
	idx, err := NewSQLiteIndex("")
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.Search(context.Background(), pgvector.NewVector([]float32{1}), Filter{"": "x"}, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestSQLiteIndex_UpsertSkipsPassagesWithoutVector(t *testing.T) {
	idx, err := NewSQLiteIndex("")
	require.NoError(t, err)
	defer idx.Close()

	ctx := context.Background()
	err = idx.Upsert(ctx, []model.Passage{{ID: "no-vec", DocID: "d", ChunkID: "c", Text: "x"}})
	require.NoError(t, err)

	results, err := idx.Search(ctx, pgvector.NewVector([]float32{1}), nil, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{1, 0}), 0.0001)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 0.0001)
	assert.InDelta(t, 0.0, cosineSimilarity(nil, []float32{1}), 0.0001)
}
