package selfrag

import "time"

// Answer is the public, curated response shape returned by App.Ask. It
// mirrors internal/model.Answer without exposing internal package types.
type Answer struct {
	RunID              string
	Status             string
	Explanation        string
	Citations          []Citation
	Confidence         string
	FollowUpQuestions  []string
	RetrievalPerformed bool
	Error              string
}

// Citation points from a claim in the answer back to the passage that
// supports it.
type Citation struct {
	DocID       string
	ChunkID     string
	TextExcerpt string
}

// SearchFilters narrows a vector search to passages matching every
// key/value metadata pair.
type SearchFilters map[string]string

// AuditSummary is a curated view of a stored audit record, returned by
// App.GetAuditRecord without requiring callers to import internal/model.
type AuditSummary struct {
	RunID          string
	Timestamp      time.Time
	Query          string
	Status         string
	Error          string
	LatencySeconds float64
}
