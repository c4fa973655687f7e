// Package mcp implements the Model Context Protocol server for bodhiq.
//
// The MCP server exposes the query pipeline through MCP tools and resources,
// so MCP-compatible assistants can start a molecule analysis, run the agent
// pipeline and read the results without going through the HTTP API.
package mcp

import (
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mit-bodhiq/bodhiq/internal/service/queries"
)

// Server wraps the MCP server with bodhiq's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	queries   *queries.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts.
func New(svc *queries.Service, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		queries: svc,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"bodhiq",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `bodhiq runs a pipeline of pharmaceutical intelligence agents (market, patents, clinical trials, trade, publications, internal insights, report) for one molecule at a time.

Typical flow: bodhiq_supported_molecules to see what can be analysed, bodhiq_create_query with the user's question, bodhiq_execute_query to run every agent, then read the per-agent payloads it returns. Use bodhiq_query_status and bodhiq_query_results to revisit earlier queries.`

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// jsonResult renders v as indented JSON text content.
func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
