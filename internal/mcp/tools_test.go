package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-bodhiq/bodhiq/internal/auth"
	"github.com/mit-bodhiq/bodhiq/internal/ctxutil"
	"github.com/mit-bodhiq/bodhiq/internal/model"
	"github.com/mit-bodhiq/bodhiq/internal/pipeline"
	"github.com/mit-bodhiq/bodhiq/internal/progress"
	"github.com/mit-bodhiq/bodhiq/internal/service/queries"
	"github.com/mit-bodhiq/bodhiq/internal/testutil"
)

// newTestServer builds an MCP server over a temp SQLite store with a small
// scripted pipeline: Market succeeds, Patents fails, Report succeeds.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := testutil.TestLogger()
	store := testutil.NewSQLiteStore(t)

	sched := pipeline.New(store, pipeline.Policy{Timeout: 5 * time.Second}, logger)
	t.Cleanup(sched.Close)
	patents := testutil.NewStubAgent("Patents", 2)
	patents.Fn = func(context.Context, string) (string, error) {
		return "", errors.New("registry unavailable")
	}
	for _, a := range []pipeline.Agent{
		testutil.NewStubAgent("Market", 1),
		patents,
		testutil.NewStubAgent("Report", 3),
	} {
		require.NoError(t, sched.RegisterAgent(a))
	}

	hub := progress.NewHub(0, nil, logger)
	t.Cleanup(func() { _ = hub.Close() })

	return New(queries.New(store, sched, hub, logger), logger, "test")
}

func userCtx(userID string) context.Context {
	return ctxutil.WithClaims(context.Background(), &auth.Claims{UserID: userID})
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected TextContent")
	return tc.Text
}

func createQuery(t *testing.T, s *Server, ctx context.Context, text string) model.Query {
	t.Helper()
	result, err := s.handleCreateQuery(ctx, toolRequest("bodhiq_create_query", map[string]any{
		"query_text": text,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var q model.Query
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &q))
	return q
}

func TestCreateQueryDetectsMolecule(t *testing.T) {
	s := newTestServer(t)
	q := createQuery(t, s, userCtx("alice"), "Is the glp1 market saturated?")

	assert.Equal(t, "GLP-1", q.Molecule)
	assert.Equal(t, "alice", q.UserID)
	assert.Equal(t, model.QueryPending, q.Status)
}

func TestCreateQueryExplicitMolecule(t *testing.T) {
	s := newTestServer(t)
	result, err := s.handleCreateQuery(userCtx("alice"), toolRequest("bodhiq_create_query", map[string]any{
		"query_text": "competitive landscape",
		"molecule":   "eliquis",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var q model.Query
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &q))
	assert.Equal(t, "Eliquis", q.Molecule)
}

func TestCreateQueryUnsupportedMolecule(t *testing.T) {
	s := newTestServer(t)
	result, err := s.handleCreateQuery(userCtx("alice"), toolRequest("bodhiq_create_query", map[string]any{
		"query_text": "What about aspirin?",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	text := parseToolText(t, result)
	assert.Contains(t, text, "No supported molecule found in query: What about aspirin?")
	assert.Contains(t, text, "Montelukast")
}

func TestCreateQueryRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	result, err := s.handleCreateQuery(context.Background(), toolRequest("bodhiq_create_query", map[string]any{
		"query_text": "humira",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Equal(t, "authentication required", parseToolText(t, result))
}

func TestExecuteQueryReturnsAllResults(t *testing.T) {
	s := newTestServer(t)
	ctx := userCtx("alice")
	q := createQuery(t, s, ctx, "humira outlook")

	result, err := s.handleExecuteQuery(ctx, toolRequest("bodhiq_execute_query", map[string]any{
		"query_id": float64(q.ID),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var resp struct {
		Query   model.Query      `json:"query"`
		Summary resultSummary    `json:"summary"`
		Results []map[string]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))

	assert.Equal(t, model.QueryCompleted, resp.Query.Status)
	assert.Equal(t, 2, resp.Summary.Completed)
	assert.Equal(t, 1, resp.Summary.Failed)
	assert.Equal(t, []string{"Patents"}, resp.Summary.Failures)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "Market", resp.Results[0]["agent"])
	assert.Equal(t, "registry unavailable", resp.Results[1]["error"])
	data, ok := resp.Results[2]["data"].(map[string]any)
	require.True(t, ok, "JSON payloads are embedded as objects")
	assert.Equal(t, "Humira", data["molecule"])
}

func TestExecuteQueryOnlyOnce(t *testing.T) {
	s := newTestServer(t)
	ctx := userCtx("alice")
	q := createQuery(t, s, ctx, "metformin")

	args := map[string]any{"query_id": float64(q.ID)}
	first, err := s.handleExecuteQuery(ctx, toolRequest("bodhiq_execute_query", args))
	require.NoError(t, err)
	require.False(t, first.IsError)

	second, err := s.handleExecuteQuery(ctx, toolRequest("bodhiq_execute_query", args))
	require.NoError(t, err)
	require.True(t, second.IsError)
	assert.Contains(t, parseToolText(t, second), "only PENDING queries can be executed")
}

func TestQueryToolsHideOtherUsersQueries(t *testing.T) {
	s := newTestServer(t)
	q := createQuery(t, s, userCtx("alice"), "montelukast")

	for _, tool := range []string{"bodhiq_query_status", "bodhiq_query_results", "bodhiq_execute_query"} {
		var (
			result *mcplib.CallToolResult
			err    error
		)
		req := toolRequest(tool, map[string]any{"query_id": float64(q.ID)})
		switch tool {
		case "bodhiq_query_status":
			result, err = s.handleQueryStatus(userCtx("mallory"), req)
		case "bodhiq_query_results":
			result, err = s.handleQueryResults(userCtx("mallory"), req)
		default:
			result, err = s.handleExecuteQuery(userCtx("mallory"), req)
		}
		require.NoError(t, err, tool)
		require.True(t, result.IsError, tool)
		assert.Contains(t, parseToolText(t, result), "not found", tool)
	}
}

func TestQueryStatusAndResults(t *testing.T) {
	s := newTestServer(t)
	ctx := userCtx("alice")
	q := createQuery(t, s, ctx, "eliquis")

	status, err := s.handleQueryStatus(ctx, toolRequest("bodhiq_query_status", map[string]any{"query_id": float64(q.ID)}))
	require.NoError(t, err)
	require.False(t, status.IsError)
	assert.Contains(t, parseToolText(t, status), `"PENDING"`)
	assert.Contains(t, parseToolText(t, status), `"agent_count": 3`)

	_, err = s.handleExecuteQuery(ctx, toolRequest("bodhiq_execute_query", map[string]any{"query_id": float64(q.ID)}))
	require.NoError(t, err)

	results, err := s.handleQueryResults(ctx, toolRequest("bodhiq_query_results", map[string]any{
		"query_id":   float64(q.ID),
		"agent_name": "report",
	}))
	require.NoError(t, err)
	require.False(t, results.IsError)

	var resp struct {
		Molecule string           `json:"molecule"`
		Results  []map[string]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, results)), &resp))
	assert.Equal(t, "Eliquis", resp.Molecule)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Report", resp.Results[0]["agent"])

	missing, err := s.handleQueryResults(ctx, toolRequest("bodhiq_query_results", map[string]any{
		"query_id":   float64(q.ID),
		"agent_name": "Nope",
	}))
	require.NoError(t, err)
	assert.True(t, missing.IsError)
}

func TestQueryIDRequired(t *testing.T) {
	s := newTestServer(t)
	result, err := s.handleQueryStatus(userCtx("alice"), toolRequest("bodhiq_query_status", map[string]any{}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Equal(t, "query_id is required", parseToolText(t, result))
}

func TestSupportedMolecules(t *testing.T) {
	s := newTestServer(t)
	result, err := s.handleSupportedMolecules(context.Background(), toolRequest("bodhiq_supported_molecules", nil))
	require.NoError(t, err)

	var resp struct {
		Molecules []string `json:"molecules"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, model.SupportedMolecules, resp.Molecules)
}
