package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pgvector/pgvector-go"
	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	"github.com/ashita-ai/selfrag/internal/model"
)

// SQLiteIndex is a brute-force cosine-similarity VectorIndex backed by
// SQLite. It exists for offline or single-node deployments that have no
// Qdrant instance available: every vector lives in one table and Search
// scans the whole table, scoring and sorting in Go. This does not scale past
// a few tens of thousands of passages, but needs no external services.
type SQLiteIndex struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

var _ VectorIndex = (*SQLiteIndex)(nil)

// NewSQLiteIndex opens (creating if necessary) a brute-force vector index at
// dir/passages.db. An empty dir creates an in-memory index, useful for tests.
func NewSQLiteIndex(dir string) (*SQLiteIndex, error) {
	var dsn string
	if dir == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("index: create vectorstore dir %s: %w", dir, err)
		}
		path := filepath.Join(dir, "passages.db")
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("index: open sqlite vectorstore: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("index: set pragma: %w", err)
		}
	}

	idx := &SQLiteIndex{db: db, path: dir}
	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: init schema: %w", err)
	}
	return idx, nil
}

func (s *SQLiteIndex) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS passages (
		id            TEXT PRIMARY KEY,
		doc_id        TEXT NOT NULL,
		chunk_id      TEXT NOT NULL,
		text          TEXT NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		vector_json   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_passages_doc_id ON passages(doc_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert inserts or replaces passages. Passages without a vector are skipped.
func (s *SQLiteIndex) Upsert(ctx context.Context, passages []model.Passage) error {
	if len(passages) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO passages(id, doc_id, chunk_id, text, metadata_json, vector_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			doc_id = excluded.doc_id,
			chunk_id = excluded.chunk_id,
			text = excluded.text,
			metadata_json = excluded.metadata_json,
			vector_json = excluded.vector_json
	`)
	if err != nil {
		return fmt.Errorf("index: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range passages {
		if p.Vector == nil {
			continue
		}
		mdJSON, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("index: marshal metadata for passage %s: %w", p.ID, err)
		}
		vecJSON, err := json.Marshal(p.Vector.Slice())
		if err != nil {
			return fmt.Errorf("index: marshal vector for passage %s: %w", p.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, p.ID, p.DocID, p.ChunkID, p.Text, string(mdJSON), string(vecJSON)); err != nil {
			return fmt.Errorf("index: upsert passage %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

type scoredRow struct {
	passage model.Passage
	score   float64
}

// Search scans every stored passage, scores it by cosine similarity against
// the query vector, and returns the top k in descending score order.
func (s *SQLiteIndex) Search(ctx context.Context, vector pgvector.Vector, filter Filter, k int) ([]model.Passage, error) {
	for key := range filter {
		if key == "" {
			return nil, fmt.Errorf("%w: empty filter key", ErrInvalidFilter)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, doc_id, chunk_id, text, metadata_json, vector_json FROM passages`)
	if err != nil {
		return nil, fmt.Errorf("index: scan passages: %w", err)
	}
	defer rows.Close()

	query := vector.Slice()
	var scored []scoredRow
	for rows.Next() {
		var p model.Passage
		var mdJSON, vecJSON string
		if err := rows.Scan(&p.ID, &p.DocID, &p.ChunkID, &p.Text, &mdJSON, &vecJSON); err != nil {
			return nil, fmt.Errorf("index: scan row: %w", err)
		}
		if len(mdJSON) > 0 {
			if err := json.Unmarshal([]byte(mdJSON), &p.Metadata); err != nil {
				return nil, fmt.Errorf("index: unmarshal metadata for %s: %w", p.ID, err)
			}
		}
		if !matchesFilter(p.Metadata, filter) {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(vecJSON), &vec); err != nil {
			return nil, fmt.Errorf("index: unmarshal vector for %s: %w", p.ID, err)
		}
		scored = append(scored, scoredRow{passage: p, score: cosineSimilarity(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: iterate rows: %w", err)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}

	out := make([]model.Passage, len(scored))
	for i, r := range scored {
		out[i] = r.passage
		out[i].Distance = r.score
	}
	return out, nil
}

func matchesFilter(metadata map[string]any, filter Filter) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok {
			return false
		}
		gotStr, ok := got.(string)
		if !ok || gotStr != want {
			return false
		}
	}
	return true
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Healthy pings the local database connection opened at construction time;
// there is no external service to probe.
func (s *SQLiteIndex) Healthy(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *SQLiteIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
