package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/qdrant/go-client/qdrant"

	"github.com/ashita-ai/selfrag/internal/model"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantIndex implements VectorIndex backed by Qdrant.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthMu  sync.Mutex
	lastCheck time.Time
	lastErr   error
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("index: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("index: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantIndex creates a new QdrantIndex and connects to the Qdrant server via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("index: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist,
// with HNSW parameters tuned for cosine similarity over passage embeddings.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("index: check collection exists: %w", err)
	}
	if exists {
		q.logger.Info("qdrant: collection already exists", "collection", q.collection)
		return nil
	}

	m := uint64(16)
	efConstruct := uint64(128)

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.dims,
			Distance: qdrant.Distance_Cosine,
			HnswConfig: &qdrant.HnswConfigDiff{
				M:           &m,
				EfConstruct: &efConstruct,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("index: create collection %q: %w", q.collection, err)
	}

	// Create payload indexes for filtered search.
	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"doc_id", "doc_type"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("index: create index on %q: %w", field, err)
		}
	}

	q.logger.Info("qdrant: created collection with payload indexes", "collection", q.collection, "dims", q.dims)
	return nil
}

// buildFilter translates a Filter into Qdrant must-conditions matching
// metadata keys. Returns ErrInvalidFilter if a key is empty.
func buildFilter(filter Filter) (*qdrant.Filter, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	must := make([]*qdrant.Condition, 0, len(filter))
	for k, v := range filter {
		if k == "" {
			return nil, fmt.Errorf("%w: empty filter key", ErrInvalidFilter)
		}
		must = append(must, qdrant.NewMatch("metadata."+k, v))
	}
	return &qdrant.Filter{Must: must}, nil
}

// Search queries Qdrant for passages nearest the query vector, applying the
// optional metadata filter. Requests up to k*3 points from Qdrant and returns
// at most the first k of them.
func (q *QdrantIndex) Search(ctx context.Context, vector pgvector.Vector, filter Filter, k int) ([]model.Passage, error) {
	qf, err := buildFilter(filter)
	if err != nil {
		return nil, err
	}

	fetchLimit := uint64(k) * 3 //nolint:gosec // k is bounded by config.TopK
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vector.Slice()),
		Filter:         qf,
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("index: qdrant query: %w", err)
	}

	passages := make([]model.Passage, 0, len(scored))
	for _, sp := range scored {
		id := sp.Id.GetUuid()
		if id == "" {
			id = strconv.FormatUint(sp.Id.GetNum(), 10)
		}
		passage := payloadToPassage(id, sp.Payload)
		passage.Distance = float64(sp.Score)
		passages = append(passages, passage)
	}

	if len(passages) > k {
		passages = passages[:k]
	}
	return passages, nil
}

func payloadToPassage(id string, payload map[string]*qdrant.Value) model.Passage {
	p := model.Passage{ID: id}
	if v, ok := payload["doc_id"]; ok {
		p.DocID = v.GetStringValue()
	}
	if v, ok := payload["chunk_id"]; ok {
		p.ChunkID = v.GetStringValue()
	}
	if v, ok := payload["text"]; ok {
		p.Text = v.GetStringValue()
	}
	if v, ok := payload["metadata_json"]; ok {
		var md map[string]any
		if err := json.Unmarshal([]byte(v.GetStringValue()), &md); err == nil {
			p.Metadata = md
		}
	}
	return p
}

// Upsert inserts or updates passages in Qdrant.
func (q *QdrantIndex) Upsert(ctx context.Context, passages []model.Passage) error {
	if len(passages) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(passages))
	for _, p := range passages {
		if p.Vector == nil {
			continue
		}
		mdJSON, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("index: marshal metadata for passage %s: %w", p.ID, err)
		}
		payload := map[string]any{
			"doc_id":        p.DocID,
			"chunk_id":      p.ChunkID,
			"text":          p.Text,
			"metadata_json": string(mdJSON),
		}
		if docType, ok := p.Metadata["doc_type"]; ok {
			if s, ok := docType.(string); ok {
				payload["doc_type"] = s
			}
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectorsDense(p.Vector.Slice()),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("index: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5 seconds
// to avoid hammering the health endpoint on every search request.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	q.healthMu.Lock()
	defer q.healthMu.Unlock()

	if time.Since(q.lastCheck) < 5*time.Second {
		return q.lastErr
	}

	_, err := q.client.HealthCheck(ctx)
	q.lastCheck = time.Now()
	if err != nil {
		q.lastErr = fmt.Errorf("index: qdrant unhealthy: %w", err)
	} else {
		q.lastErr = nil
	}
	return q.lastErr
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
