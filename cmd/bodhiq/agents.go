package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mit-bodhiq/bodhiq/internal/agents"
	"github.com/mit-bodhiq/bodhiq/internal/model"
)

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the built-in pipeline agents in execution order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := agents.Default(agents.Options{})
			if err != nil {
				return err
			}
			info := model.PipelineInfo{AgentCount: len(list)}
			for _, a := range list {
				info.Agents = append(info.Agents, model.AgentInfo{
					Name:                a.Name(),
					Priority:            a.Priority(),
					EstimatedDurationMs: a.EstimatedDurationMs(),
				})
				info.TotalEstimatedDurationMs += a.EstimatedDurationMs()
			}

			out := cmd.OutOrStdout()
			if outputFormat(cmd) == "json" {
				return printJSON(out, info)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PRIORITY\tAGENT\tESTIMATE")
			for _, a := range info.Agents {
				fmt.Fprintf(tw, "%d\t%s\t%dms\n", a.Priority, a.Name, a.EstimatedDurationMs)
			}
			fmt.Fprintf(tw, "\t%d agents\t%dms\n", info.AgentCount, info.TotalEstimatedDurationMs)
			return tw.Flush()
		},
	}
}
