// Package mcpapi exposes the self-reflective RAG pipeline over the Model
// Context Protocol, alongside the HTTP API in internal/httpapi. It registers
// a single tool, ask_compliance_question, so MCP-speaking agents (Claude
// Desktop, other MCP clients) can query compliance documents directly
// without going through HTTP.
package mcpapi

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/selfrag/internal/orchestrator"
)

const serverInstructions = `You have access to selfrag, a self-reflective RAG assistant over a corpus of
compliance documents (regulatory filings, policy PDFs, procedure manuals).

Call ask_compliance_question with a natural-language question. The server
decides on its own whether retrieval is needed, grades retrieved passages
for relevance and support before answering, and will tell you when it
could not find adequate support rather than guessing. Every answer carries
a confidence level (high, medium, low) and a list of citations back to the
source document and chunk; treat low-confidence or unsupported answers as
a signal to ask a narrower question or consult the source document
directly, not as a final answer.`

// Server wraps an MCP server around a single orchestrator.Orchestrator.
type Server struct {
	mcpServer    *mcpserver.MCPServer
	orchestrator *orchestrator.Orchestrator
	logger       *slog.Logger
}

// New creates and configures an MCP server exposing ask_compliance_question.
func New(orch *orchestrator.Orchestrator, logger *slog.Logger, version string) *Server {
	s := &Server{
		orchestrator: orch,
		logger:       logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"selfrag",
		version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying MCP server for transport mounting (stdio
// or HTTP), mirroring the teacher's accessor so callers can wire it the same
// way they wire the HTTP server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	tool := mcplib.NewTool("ask_compliance_question",
		mcplib.WithDescription(
			"Ask a natural-language question against the compliance document corpus. "+
				"The server decides whether retrieval is needed, grades retrieved "+
				"passages before answering, and returns an explanation, citations, "+
				"a confidence level, and suggested follow-up questions.",
		),
		mcplib.WithReadOnlyHintAnnotation(true),
		mcplib.WithIdempotentHintAnnotation(false),
		mcplib.WithOpenWorldHintAnnotation(false),
		mcplib.WithString("query",
			mcplib.Required(),
			mcplib.Description("The compliance question to answer, in plain language."),
		),
		mcplib.WithString("case_id",
			mcplib.Description("Optional case or matter identifier, recorded in the audit log."),
		),
	)

	s.mcpServer.AddTool(tool, s.handleAsk)
}

func (s *Server) handleAsk(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	var caseID *string
	if raw := request.GetString("case_id", ""); raw != "" {
		caseID = &raw
	}

	resp := s.orchestrator.Run(ctx, query, caseID)

	payload := struct {
		RunID              string   `json:"run_id"`
		Explanation        string   `json:"explanation"`
		Citations          any      `json:"citations"`
		Confidence         string   `json:"confidence"`
		FollowUpQuestions  []string `json:"follow_up_questions"`
		RetrievalPerformed bool     `json:"retrieval_performed"`
		Error              string   `json:"error,omitempty"`
	}{
		RunID:              resp.RunID.String(),
		Explanation:        resp.Answer.Explanation,
		Citations:          resp.Answer.Citations,
		Confidence:         string(resp.Answer.Confidence),
		FollowUpQuestions:  resp.Answer.FollowUpQuestions,
		RetrievalPerformed: resp.RetrievalPerformed,
		Error:              resp.Error,
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return errorResult("failed to encode answer: " + err.Error()), nil
	}

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
