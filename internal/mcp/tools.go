package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/mit-bodhiq/bodhiq/internal/ctxutil"
	"github.com/mit-bodhiq/bodhiq/internal/model"
	"github.com/mit-bodhiq/bodhiq/internal/pipeline"
	"github.com/mit-bodhiq/bodhiq/internal/service/queries"
	"github.com/mit-bodhiq/bodhiq/internal/storage"
)

func (s *Server) registerTools() {
	// bodhiq_create_query: record a question about a supported molecule.
	s.mcpServer.AddTool(
		mcplib.NewTool("bodhiq_create_query",
			mcplib.WithDescription(`Create a pharmaceutical intelligence query for one molecule.

The molecule is detected in query_text (first supported name found, case-insensitive;
"GLP-1", "GLP1" and "glucagon" all mean GLP-1), or given explicitly in molecule.
Fails when no supported molecule is found. Call bodhiq_execute_query next.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("query_text",
				mcplib.Description("The user's question, e.g. 'market outlook for Humira in Europe'"),
				mcplib.Required(),
			),
			mcplib.WithString("molecule",
				mcplib.Description("Optional explicit molecule; overrides detection from query_text"),
				mcplib.Enum(model.SupportedMolecules...),
			),
		),
		s.handleCreateQuery,
	)

	// bodhiq_execute_query: run the agent pipeline and wait for it.
	s.mcpServer.AddTool(
		mcplib.NewTool("bodhiq_execute_query",
			mcplib.WithDescription(`Run every pipeline agent for a PENDING query and return their results.

Agents run one after another in priority order; a failing agent does not stop the
others. Expect this to take roughly the pipeline's total estimated duration.
A query can be executed once.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithNumber("query_id",
				mcplib.Description("ID returned by bodhiq_create_query"),
				mcplib.Required(),
				mcplib.Min(1),
			),
		),
		s.handleExecuteQuery,
	)

	// bodhiq_query_status: lifecycle state plus per-agent outcome counts.
	s.mcpServer.AddTool(
		mcplib.NewTool("bodhiq_query_status",
			mcplib.WithDescription("Get a query's status (PENDING, PROCESSING, COMPLETED, FAILED) and how many agents finished, failed or were cancelled."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("query_id", mcplib.Description("Query ID"), mcplib.Required(), mcplib.Min(1)),
		),
		s.handleQueryStatus,
	)

	// bodhiq_query_results: stored agent results.
	s.mcpServer.AddTool(
		mcplib.NewTool("bodhiq_query_results",
			mcplib.WithDescription("Get the stored agent results of a query in execution order, optionally for a single agent."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("query_id", mcplib.Description("Query ID"), mcplib.Required(), mcplib.Min(1)),
			mcplib.WithString("agent_name", mcplib.Description("Optional: only this agent's result")),
		),
		s.handleQueryResults,
	)

	// bodhiq_supported_molecules: the allow-list.
	s.mcpServer.AddTool(
		mcplib.NewTool("bodhiq_supported_molecules",
			mcplib.WithDescription("List the molecules the pipeline can analyse."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleSupportedMolecules,
	)
}

func (s *Server) handleCreateQuery(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := ctxutil.UserID(ctx)
	if err != nil {
		return errorResult("authentication required"), nil
	}
	text := request.GetString("query_text", "")
	if err := model.ValidateQueryText(text); err != nil {
		return errorResult(err.Error()), nil
	}

	var q model.Query
	if m := strings.TrimSpace(request.GetString("molecule", "")); m != "" {
		q, err = s.queries.CreateQueryForMolecule(ctx, text, userID, m)
	} else {
		q, err = s.queries.CreateQuery(ctx, text, userID)
	}
	if err != nil {
		var ume *queries.UnsupportedMoleculeError
		if errors.As(err, &ume) {
			return errorResult(fmt.Sprintf("%s. Supported molecules: %s",
				ume.Error(), strings.Join(model.SupportedMolecules, ", "))), nil
		}
		return errorResult(fmt.Sprintf("failed to create query: %v", err)), nil
	}
	return jsonResult(q)
}

func (s *Server) handleExecuteQuery(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	q, failure := s.ownedQuery(ctx, request)
	if failure != nil {
		return failure, nil
	}
	if q.Status != model.QueryPending {
		return errorResult(fmt.Sprintf("query %d is %s; only PENDING queries can be executed", q.ID, q.Status)), nil
	}

	runErr := s.queries.ExecuteAgents(ctx, q.ID)
	if errors.Is(runErr, storage.ErrInvalidTransition) {
		// Another request started the query after the check above.
		return errorResult(fmt.Sprintf("query %d is already running; only PENDING queries can be executed", q.ID)), nil
	}
	if runErr != nil && !errors.Is(runErr, pipeline.ErrRunCancelled) {
		var pe *pipeline.PipelineError
		if !errors.As(runErr, &pe) {
			return errorResult(fmt.Sprintf("execution failed: %v", runErr)), nil
		}
		// Pipeline-level failures still leave partial results worth returning.
		s.logger.Warn("mcp: pipeline failed", "query_id", q.ID, "error", runErr)
	}

	final, err := s.queries.GetQuery(context.WithoutCancel(ctx), q.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to reload query: %v", err)), nil
	}
	results, err := s.queries.GetResults(context.WithoutCancel(ctx), q.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to load results: %v", err)), nil
	}

	resp := map[string]any{
		"query":   final,
		"summary": summarize(results),
		"results": compactResults(results),
	}
	if runErr != nil {
		resp["error"] = runErr.Error()
	}
	return jsonResult(resp)
}

func (s *Server) handleQueryStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	q, failure := s.ownedQuery(ctx, request)
	if failure != nil {
		return failure, nil
	}
	results, err := s.queries.GetResults(ctx, q.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to load results: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"query":       q,
		"summary":     summarize(results),
		"agent_count": s.queries.Scheduler().AgentCount(),
	})
}

func (s *Server) handleQueryResults(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	q, failure := s.ownedQuery(ctx, request)
	if failure != nil {
		return failure, nil
	}
	results, err := s.queries.GetResults(ctx, q.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to load results: %v", err)), nil
	}
	if name := request.GetString("agent_name", ""); name != "" {
		filtered := results[:0]
		for _, r := range results {
			if strings.EqualFold(r.AgentName, name) {
				filtered = append(filtered, r)
			}
		}
		if len(filtered) == 0 {
			return errorResult(fmt.Sprintf("no result for agent %q on query %d", name, q.ID)), nil
		}
		results = filtered
	}
	return jsonResult(map[string]any{
		"query_id": q.ID,
		"molecule": q.Molecule,
		"status":   q.Status,
		"results":  compactResults(results),
	})
}

func (s *Server) handleSupportedMolecules(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(map[string]any{
		"molecules": model.SupportedMolecules,
	})
}

// ownedQuery loads the query named by the query_id argument if the caller
// owns it. The second return is a ready tool error otherwise.
func (s *Server) ownedQuery(ctx context.Context, request mcplib.CallToolRequest) (model.Query, *mcplib.CallToolResult) {
	userID, err := ctxutil.UserID(ctx)
	if err != nil {
		return model.Query{}, errorResult("authentication required")
	}
	id := int64(request.GetInt("query_id", 0))
	if id <= 0 {
		return model.Query{}, errorResult("query_id is required")
	}
	q, err := s.queries.GetOwnedQuery(ctx, id, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Query{}, errorResult(fmt.Sprintf("query %d not found", id))
		}
		return model.Query{}, errorResult(fmt.Sprintf("failed to load query: %v", err))
	}
	return q, nil
}
