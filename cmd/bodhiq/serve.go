package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mit-bodhiq/bodhiq"
)

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, SSE, WebSocket and MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(os.Stdout)
			slog.SetDefault(logger)

			opts := []bodhiq.Option{
				bodhiq.WithLogger(logger),
				bodhiq.WithVersion(version),
			}
			if cmd.Flags().Changed("port") {
				opts = append(opts, bodhiq.WithPort(port))
			}

			app, err := bodhiq.New(opts...)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides BODHIQ_PORT)")
	return cmd
}
