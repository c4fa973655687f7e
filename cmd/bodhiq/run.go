package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mit-bodhiq/bodhiq"
	"github.com/mit-bodhiq/bodhiq/internal/model"
)

func newRunCmd() *cobra.Command {
	var (
		molecule string
		userID   string
	)

	cmd := &cobra.Command{
		Use:   "run <query-text>",
		Short: "Create a query and run the pipeline in-process, streaming progress",
		Long: `run creates a query, executes every agent in priority order and prints
each progress update as it happens, followed by the stored results.
No HTTP server is started.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bodhiq.New(
				bodhiq.WithLogger(newLogger(os.Stderr)),
				bodhiq.WithVersion(version),
			)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = app.Shutdown(ctx)
			}()
			return runQuery(cmd, app, args[0], molecule, userID)
		},
	}
	cmd.Flags().StringVar(&molecule, "molecule", "", "Molecule to analyse (detected from the query text when empty)")
	cmd.Flags().StringVar(&userID, "user", "local", "Owner recorded on the query")
	return cmd
}

func runQuery(cmd *cobra.Command, app *bodhiq.App, text, molecule, userID string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	jsonOut := outputFormat(cmd) == "json"
	svc := app.Queries()

	var (
		q   model.Query
		err error
	)
	if molecule != "" {
		q, err = svc.CreateQueryForMolecule(ctx, text, userID, molecule)
	} else {
		q, err = svc.CreateQuery(ctx, text, userID)
	}
	if err != nil {
		return err
	}
	if !jsonOut {
		fmt.Fprintf(out, "query %d: %s (%s)\n", q.ID, q.Molecule, q.QueryText)
	}

	// Subscribe before starting so no update is missed.
	sub := svc.Hub().GetOrCreate(q.ID).Subscribe()
	defer sub.Unsubscribe()

	done := make(chan error, 1)
	go func() {
		err := svc.ExecuteAgents(ctx, q.ID)
		// A run closes the stream itself; a rejected start leaves it open.
		svc.Hub().Complete(q.ID)
		done <- err
	}()

	var updates []model.AgentUpdate
	for u := range sub.C() {
		if jsonOut {
			updates = append(updates, u)
			continue
		}
		fmt.Fprintln(out, formatUpdate(u))
	}
	runErr := <-done

	// Results are read after the run, which may have been cancelled by ctx.
	readCtx := context.WithoutCancel(ctx)
	final, err := svc.GetQuery(readCtx, q.ID)
	if err != nil {
		return errors.Join(runErr, err)
	}
	results, err := svc.GetResults(readCtx, q.ID)
	if err != nil {
		return errors.Join(runErr, err)
	}

	if jsonOut {
		if err := printJSON(out, map[string]any{
			"query":   final,
			"updates": updates,
			"results": results,
		}); err != nil {
			return err
		}
		return runErr
	}

	fmt.Fprintf(out, "\nquery %d %s\n", final.ID, final.Status)
	for _, r := range results {
		line := fmt.Sprintf("  %-18s %-10s %6dms", r.AgentName, r.Status.DisplayName(), r.ExecutionTimeMs)
		if r.ErrorMessage != nil {
			line += "  " + *r.ErrorMessage
		}
		fmt.Fprintln(out, line)
	}
	return runErr
}
