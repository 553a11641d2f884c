//go:build integration

package index

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/selfrag/internal/model"
	"github.com/ashita-ai/selfrag/internal/testutil"
)

// TestQdrantIndex_Integration exercises QdrantIndex against a real Qdrant
// instance started in a testcontainer, covering the full upsert/search/health
// round-trip that the mocked unit tests can't reach.
func TestQdrantIndex_Integration(t *testing.T) {
	tc := testutil.MustStartQdrant()
	defer tc.Terminate()

	logger := testutil.TestLogger()
	idx, err := NewQdrantIndex(QdrantConfig{
		URL:        tc.RESTURL,
		Collection: "passages_test",
		Dims:       4,
	}, logger)
	require.NoError(t, err)
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, idx.EnsureCollection(ctx))
	require.NoError(t, idx.Healthy(ctx))

	id1, id2 := uuid.New().String(), uuid.New().String()
	v1 := pgvector.NewVector([]float32{1, 0, 0, 0})
	v2 := pgvector.NewVector([]float32{0, 1, 0, 0})
	err = idx.Upsert(ctx, []model.Passage{
		{ID: id1, DocID: "doc-1", ChunkID: "c1", Text: "minimum capital ratio is 8 percent",
			Metadata: map[string]any{"doc_type": "regulation"}, Vector: &v1},
		{ID: id2, DocID: "doc-2", ChunkID: "c1", Text: "unrelated text about weather",
			Metadata: map[string]any{"doc_type": "memo"}, Vector: &v2},
	})
	require.NoError(t, err)

	results, err := idx.Search(ctx, v1, nil, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id1, results[0].ID)

	filtered, err := idx.Search(ctx, v1, Filter{"doc_type": "memo"}, 5)
	require.NoError(t, err)
	for _, p := range filtered {
		assert.Equal(t, "memo", p.Metadata["doc_type"])
	}
}
