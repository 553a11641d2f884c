package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/selfrag/internal/audit"
	"github.com/ashita-ai/selfrag/internal/model"
	"github.com/ashita-ai/selfrag/internal/orchestrator"
)

// Handlers holds everything the route table's endpoints need: the
// orchestrator that runs the RAG pipeline, the audit sink for run lookups,
// and the upload directory where raw PDFs are stored.
type Handlers struct {
	orchestrator *orchestrator.Orchestrator
	auditSink    audit.Sink
	uploadDir    string

	maxRequestBodyBytes int64
	logger              *slog.Logger
	startedAt           time.Time

	queryCount    atomic.Int64
	queryErrCount atomic.Int64
	uploadCount   atomic.Int64
}

type queryRequest struct {
	Query  string  `json:"query"`
	CaseID *string `json:"case_id,omitempty"`
}

// queryResponse is the literal wire shape spec.md §6 names for POST /query:
// no data/meta envelope, just the answer fields directly.
type queryResponse struct {
	Explanation        string           `json:"explanation"`
	Citations          []model.Citation `json:"citations"`
	Confidence         model.Confidence `json:"confidence"`
	FollowUpQuestions  []string         `json:"follow_up_questions"`
	RunID              string           `json:"run_id"`
	RetrievalPerformed bool             `json:"retrieval_performed"`
	Error              string           `json:"error,omitempty"`
}

func toQueryResponse(resp orchestrator.Response) queryResponse {
	return queryResponse{
		Explanation:        resp.Answer.Explanation,
		Citations:          resp.Answer.Citations,
		Confidence:         resp.Answer.Confidence,
		FollowUpQuestions:  resp.Answer.FollowUpQuestions,
		RunID:              resp.RunID.String(),
		RetrievalPerformed: resp.RetrievalPerformed,
		Error:              resp.Error,
	}
}

// handleQuery implements POST /query: runs the orchestrator end to end and
// returns the flat answer shape from spec.md §6. bad_request maps to 400;
// every other business-outcome terminal (empty_retrieval,
// insufficient_support, processing_failure) is a 200 carrying a non-empty
// error; pipeline_error (an unexpected fault the orchestrator recovered from)
// is a 500 carrying the same answer body.
func (h *Handlers) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	h.queryCount.Add(1)
	resp := h.orchestrator.Run(r.Context(), req.Query, req.CaseID)

	if resp.Error == model.ErrorBadRequest {
		h.queryErrCount.Add(1)
		writeJSON(w, r, http.StatusBadRequest, toQueryResponse(resp))
		return
	}
	if resp.Error == model.ErrorPipelineError {
		h.queryErrCount.Add(1)
		writeJSON(w, r, http.StatusInternalServerError, toQueryResponse(resp))
		return
	}
	if resp.Error != "" {
		h.queryErrCount.Add(1)
	}
	writeJSON(w, r, http.StatusOK, toQueryResponse(resp))
}

// handleUpload implements POST /upload: accepts multipart PDFs, validates
// the .pdf extension, and stores the raw file under the configured upload
// directory. Ingestion (chunking, embedding, indexing) is out of scope.
func (h *Handlers) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	if err := r.ParseMultipartForm(h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	if r.MultipartForm == nil || len(r.MultipartForm.File) == 0 {
		writeError(w, r, http.StatusBadRequest, "no files provided")
		return
	}

	var uploaded []string
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			if !isPDF(fh.Filename) {
				writeError(w, r, http.StatusBadRequest, "only .pdf files are accepted: "+fh.Filename)
				return
			}
			if err := h.saveUpload(fh); err != nil {
				h.logger.Error("httpapi: failed to save upload", "filename", fh.Filename, "error", err)
				writeError(w, r, http.StatusInternalServerError, "failed to store file")
				return
			}
			uploaded = append(uploaded, fh.Filename)
			h.uploadCount.Add(1)
		}
	}

	writeJSON(w, r, http.StatusOK, struct {
		Uploaded []string `json:"uploaded"`
	}{Uploaded: uploaded})
}

func (h *Handlers) saveUpload(fh *multipart.FileHeader) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dest := filepath.Join(h.uploadDir, filepath.Base(fh.Filename))
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)
	return err
}

// handleListDocuments implements GET /documents.
func (h *Handlers) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(h.uploadDir)
	if err != nil && !os.IsNotExist(err) {
		writeError(w, r, http.StatusInternalServerError, "failed to list documents")
		return
	}

	type doc struct {
		Filename string `json:"filename"`
	}
	docs := make([]doc, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isPDF(e.Name()) {
			continue
		}
		docs = append(docs, doc{Filename: e.Name()})
	}

	writeJSON(w, r, http.StatusOK, struct {
		Documents []doc `json:"documents"`
	}{Documents: docs})
}

// handleGetDocument implements GET /documents/{name}.
func (h *Handlers) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "..") {
		writeError(w, r, http.StatusNotFound, "document not found")
		return
	}

	path := filepath.Join(h.uploadDir, name)
	info, err := os.Stat(path)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "document not found")
		return
	}

	writeJSON(w, r, http.StatusOK, struct {
		Filename   string    `json:"filename"`
		SizeBytes  int64     `json:"size_bytes"`
		ModifiedAt time.Time `json:"modified_at"`
	}{Filename: name, SizeBytes: info.Size(), ModifiedAt: info.ModTime().UTC()})
}

// handleMetrics implements GET /metrics: a lightweight in-process counter
// snapshot, not an OTEL/Prometheus exposition (that's served separately by
// internal/telemetry's OTLP exporter).
func (h *Handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, struct {
		UptimeSeconds float64 `json:"uptime_seconds"`
		QueryCount    int64   `json:"query_count"`
		QueryErrors   int64   `json:"query_error_count"`
		UploadCount   int64   `json:"upload_count"`
	}{
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		QueryCount:    h.queryCount.Load(),
		QueryErrors:   h.queryErrCount.Load(),
		UploadCount:   h.uploadCount.Load(),
	})
}

// handleGetAudit implements GET /audit/{run_id}.
func (h *Handlers) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		writeError(w, r, http.StatusNotFound, "audit record not found")
		return
	}

	record, err := h.auditSink.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, r, http.StatusNotFound, "audit record not found")
			return
		}
		writeError(w, r, http.StatusNotFound, "audit record not found")
		return
	}

	writeJSON(w, r, http.StatusOK, record)
}

func (h *Handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}
