package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/mit-bodhiq/bodhiq/internal/model"
)

func (s *Server) registerPrompts() {
	// molecule-briefing: walks the assistant through a full pipeline run.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("molecule-briefing",
			mcplib.WithPromptDescription("Run the agent pipeline for a molecule and write a briefing from the results"),
			mcplib.WithArgument("molecule",
				mcplib.ArgumentDescription("One of the supported molecules: "+strings.Join(model.SupportedMolecules, ", ")),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("question",
				mcplib.ArgumentDescription("Optional focus for the briefing, e.g. 'patent expiry risk in the US'"),
			),
		),
		s.handleMoleculeBriefingPrompt,
	)

	// pipeline-guide: how the tools fit together.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("pipeline-guide",
			mcplib.WithPromptDescription("System prompt snippet explaining the bodhiq query workflow"),
		),
		s.handlePipelineGuidePrompt,
	)
}

func (s *Server) handleMoleculeBriefingPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	raw := request.Params.Arguments["molecule"]
	if raw == "" {
		return nil, fmt.Errorf("molecule argument is required")
	}
	molecule, ok := model.CanonicalMolecule(raw)
	if !ok {
		return nil, fmt.Errorf("unsupported molecule %q: supported molecules are %s",
			raw, strings.Join(model.SupportedMolecules, ", "))
	}
	question := request.Params.Arguments["question"]
	if question == "" {
		question = "overall commercial and clinical outlook"
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Pharmaceutical briefing for %s", molecule),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Prepare a briefing on %[1]s focused on: %[2]s.

1. CALL bodhiq_create_query with query_text="%[2]s (%[1]s)" and molecule="%[1]s".
2. CALL bodhiq_execute_query with the returned query id. This runs every agent in order.
3. READ each agent's data. Agents that report FAILED with "No ... data available"
   simply had no records for this molecule; say so rather than guessing.
4. WRITE the briefing with one section per agent that produced data, then a short
   recommendation drawn from the Internal Insights agent.`, molecule, question),
				},
			},
		},
	}, nil
}

func (s *Server) handlePipelineGuidePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	info := s.queries.Scheduler().AgentInfo()
	var agents strings.Builder
	for _, a := range info.Agents {
		fmt.Fprintf(&agents, "- %s (priority %d, about %dms)\n", a.Name, a.Priority, a.EstimatedDurationMs)
	}

	return &mcplib.GetPromptResult{
		Description: "bodhiq query workflow",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`You have access to bodhiq, a pipeline of pharmaceutical intelligence agents.

## Workflow

1. bodhiq_create_query: record the user's question. The molecule is detected in the text.
2. bodhiq_execute_query: run the pipeline once per query and receive every agent's result.
3. bodhiq_query_status / bodhiq_query_results: revisit a query later.

## Supported molecules

%s

## Agents, in execution order

%s
A failing agent never stops the others. The whole pipeline takes about %dms.`,
						strings.Join(model.SupportedMolecules, ", "), agents.String(), info.TotalEstimatedDurationMs),
				},
			},
		},
	}, nil
}
