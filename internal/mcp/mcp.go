// Package mcp implements the Model Context Protocol surface of CETI.
//
// MCP-compatible agents get the same adjudication pipeline as the HTTP API:
// ceti_verify runs the full pipeline, ceti_ledger_check probes the
// certification ledger without spending oracle calls.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ceti-ai/ceti/internal/ledger"
	"github.com/ceti-ai/ceti/internal/model"
	"github.com/ceti-ai/ceti/internal/verifier"
)

// Server wraps the MCP server with CETI's adjudication layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	verifier  *verifier.Verifier
	ledger    *ledger.Ledger
	logger    *slog.Logger
}

// New creates and configures an MCP server. ledger may be nil; then
// ceti_ledger_check always reports a miss.
func New(v *verifier.Verifier, l *ledger.Ledger, version string, logger *slog.Logger) *Server {
	s := &Server{
		verifier: v,
		ledger:   l,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"ceti",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// ceti_verify: run the full adversarial adjudication pipeline.
	s.mcpServer.AddTool(
		mcplib.NewTool("ceti_verify",
			mcplib.WithDescription(`Submit a query for certified authorization.

The query passes through an adversarial pipeline: input guard, certification
ledger lookup, generation, rotating hostile critics, and an independent judge
quorum. The result is GRANTED (a scoped certified authorization with a
certification_id) or DENIED (a structured refusal with diagnostics). A grant
is an authorization to act within the returned scope, not an assertion of
truth.

Use risk_tier to declare how sensitive the action based on this answer is.
Higher tiers never reuse certifications adjudicated at lower tiers.`),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("query",
				mcplib.Description("The query to adjudicate (max 2000 chars)"),
				mcplib.Required(),
			),
			mcplib.WithString("risk_tier",
				mcplib.Description("Sensitivity of the intended action: LOW, MEDIUM, HIGH, or CRITICAL. Defaults to MEDIUM."),
				mcplib.Enum("LOW", "MEDIUM", "HIGH", "CRITICAL"),
			),
		),
		s.handleVerify,
	)

	// ceti_ledger_check: probe the ledger without oracle spend.
	s.mcpServer.AddTool(
		mcplib.NewTool("ceti_ledger_check",
			mcplib.WithDescription(`Check whether a valid certification already covers a query.

Probes the semantic certification ledger only: no oracle calls are made and
nothing is written. Returns the cached GRANTED response when a live
certification within the similarity threshold covers the query at this risk
tier, or a miss indicator otherwise. Use this to decide whether a ceti_verify
call is worth its latency.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("The query to probe for"),
				mcplib.Required(),
			),
			mcplib.WithString("risk_tier",
				mcplib.Description("Sensitivity tier the certification must have been adjudicated at (or above). Defaults to MEDIUM."),
				mcplib.Enum("LOW", "MEDIUM", "HIGH", "CRITICAL"),
			),
		),
		s.handleLedgerCheck,
	)
}

func (s *Server) handleVerify(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	tier, err := model.ParseRiskTier(request.GetString("risk_tier", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}

	resp, err := s.verifier.Verify(ctx, query, tier)
	if err != nil {
		// Cancellation: surface to the transport, no partial result.
		return nil, err
	}

	return jsonResult(resp)
}

func (s *Server) handleLedgerCheck(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	tier, err := model.ParseRiskTier(request.GetString("risk_tier", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}

	if s.ledger == nil {
		return jsonResult(map[string]any{"hit": false, "reason": "ledger not configured"})
	}

	hit, _ := s.ledger.Lookup(ctx, query, tier)
	if hit == nil {
		return jsonResult(map[string]any{"hit": false})
	}
	return jsonResult(map[string]any{"hit": true, "response": hit})
}

// jsonResult marshals data as indented JSON tool output.
func jsonResult(data any) (*mcplib.CallToolResult, error) {
	resultData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
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
