package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mit-bodhiq/bodhiq/internal/config"
	"github.com/mit-bodhiq/bodhiq/internal/progress"
	"github.com/mit-bodhiq/bodhiq/internal/storage"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [query-id]",
		Short: "Follow progress updates published by other bodhiq instances",
		Long: `watch subscribes to the configured progress relay (redis or postgres)
and prints every agent update it receives, for one query or for all
queries when no id is given. It runs until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var queryID int64
			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid query id %q", args[0])
				}
				queryID = id
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := newLogger(os.Stderr)

			var relay progress.Relay
			switch cfg.ProgressRelay {
			case config.RelayRedis:
				client, err := progress.DialRedis(ctx, cfg.RedisURL)
				if err != nil {
					return err
				}
				relay = progress.NewRedisRelay(client, logger)
			case config.RelayPostgres:
				if cfg.NotifyURL == "" {
					return errors.New("watch: postgres relay requires NOTIFY_URL")
				}
				db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
				if err != nil {
					return err
				}
				defer db.Close(ctx)
				relay = progress.NewPostgresRelay(db, logger)
			default:
				return errors.New("watch: no progress relay configured (set BODHIQ_PROGRESS_RELAY to redis or postgres)")
			}
			defer relay.Close()

			envs, err := relay.Subscribe(ctx, queryID)
			if err != nil {
				return err
			}
			logger.Info("watching progress", "relay", relay.Name(), "query_id", queryID)

			out := cmd.OutOrStdout()
			jsonOut := outputFormat(cmd) == "json"
			for {
				select {
				case <-ctx.Done():
					return nil
				case env, ok := <-envs:
					if !ok {
						return nil
					}
					if jsonOut {
						if err := printJSON(out, env); err != nil {
							return err
						}
						continue
					}
					fmt.Fprintf(out, "query %-6d %s\n", env.QueryID, formatUpdate(env.Update))
				}
			}
		},
	}
}
