package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/mit-bodhiq/bodhiq/internal/ctxutil"
	"github.com/mit-bodhiq/bodhiq/internal/model"
)

const (
	uriPipelineAgents = "bodhiq://pipeline/agents"
	uriRecentQueries  = "bodhiq://queries/recent"
	recentQueryLimit  = 20
)

func (s *Server) registerResources() {
	// bodhiq://pipeline/agents: registered agents in execution order.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriPipelineAgents,
			"Pipeline Agents",
			mcplib.WithResourceDescription("Registered agents in execution order with estimated and observed durations"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePipelineAgents,
	)

	// bodhiq://queries/recent: the caller's most recent queries.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriRecentQueries,
			"Recent Queries",
			mcplib.WithResourceDescription("The caller's most recent queries, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentQueries,
	)

	// bodhiq://queries/{id}/results: one query's agent results.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"bodhiq://queries/{id}/results",
			"Query Results",
			mcplib.WithTemplateDescription("Agent results for a specific query"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleQueryResultsResource,
	)
}

func (s *Server) handlePipelineAgents(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	info, err := s.queries.PipelineInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: pipeline agents: %w", err)
	}
	return jsonResource(uriPipelineAgents, info)
}

func (s *Server) handleRecentQueries(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	userID, err := ctxutil.UserID(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent queries: %w", err)
	}
	qs, err := s.queries.ListQueries(ctx, model.QueryFilter{UserID: userID, Limit: recentQueryLimit})
	if err != nil {
		return nil, fmt.Errorf("mcp: recent queries: %w", err)
	}
	if qs == nil {
		qs = []model.Query{}
	}
	return jsonResource(uriRecentQueries, qs)
}

func (s *Server) handleQueryResultsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseQueryResultsURI(uri)
	if err != nil {
		return nil, err
	}
	userID, err := ctxutil.UserID(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: query results: %w", err)
	}
	q, err := s.queries.GetOwnedQuery(ctx, id, userID)
	if err != nil {
		return nil, fmt.Errorf("mcp: query results: %w", err)
	}
	results, err := s.queries.GetResults(ctx, q.ID)
	if err != nil {
		return nil, fmt.Errorf("mcp: query results: %w", err)
	}
	return jsonResource(uri, map[string]any{
		"query":   q,
		"results": compactResults(results),
	})
}

// parseQueryResultsURI extracts the query ID from bodhiq://queries/{id}/results.
func parseQueryResultsURI(uri string) (int64, error) {
	const prefix, suffix = "bodhiq://queries/", "/results"
	if !strings.HasPrefix(uri, prefix) || !strings.HasSuffix(uri, suffix) {
		return 0, fmt.Errorf("mcp: invalid query results URI: %s", uri)
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(uri, prefix), suffix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("mcp: invalid query id in URI: %s", uri)
	}
	return id, nil
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
