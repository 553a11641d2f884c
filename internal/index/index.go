// Package index provides vector similarity search over compliance document
// passages, with a Qdrant-backed implementation for production and a local
// SQLite brute-force fallback for offline or single-node deployments.
package index

import (
	"context"
	"errors"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/selfrag/internal/model"
)

// ErrInvalidFilter is returned when a caller-supplied metadata filter cannot
// be translated into a query against the backing index. Malformed filters
// fail loudly rather than silently matching everything.
var ErrInvalidFilter = errors.New("index: invalid filter")

// Filter restricts Search results to passages whose metadata matches every
// key/value pair. An empty Filter matches all passages.
type Filter map[string]string

// VectorIndex performs k-nearest-neighbor search over passage embeddings.
// Implementations must be safe for concurrent use.
type VectorIndex interface {
	// Search returns the top-k passages nearest to the query vector, in
	// descending similarity order.
	Search(ctx context.Context, vector pgvector.Vector, filter Filter, k int) ([]model.Passage, error)

	// Upsert inserts or replaces passages in the index.
	Upsert(ctx context.Context, passages []model.Passage) error

	// Healthy returns nil if the index is reachable, or an error describing
	// the problem.
	Healthy(ctx context.Context) error

	// Close releases any resources held by the index.
	Close() error
}
