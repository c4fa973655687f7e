// Command bodhiq runs the molecule-analysis pipeline server and its
// operational tooling.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mit-bodhiq/bodhiq/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var output string

	root := &cobra.Command{
		Use:           "bodhiq",
		Short:         "Pharmaceutical intelligence agent pipeline",
		Long:          "bodhiq runs a sequential pipeline of data agents for a molecule and streams their progress.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if output != "text" && output != "json" {
				return fmt.Errorf("invalid --output %q: must be text or json", output)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&output, "output", "o", "text", "Output format (text, json)")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newRunCmd(),
		newWatchCmd(),
		newHashKeyCmd(),
		newGenKeyCmd(),
		newAgentsCmd(),
		newVersionCmd(),
	)
	return root
}

func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}

// loadConfig reads .env (if present) and the environment.
func loadConfig() (config.Config, error) {
	_ = godotenv.Load()
	return config.Load()
}

// newLogger builds the JSON logger at BODHIQ_LOG_LEVEL. Commands that print
// results log to stderr so stdout stays parseable.
func newLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(os.Getenv("BODHIQ_LOG_LEVEL")))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bodhiq version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if outputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]string{"version": version})
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "bodhiq version %s\n", version)
			return err
		},
	}
}
