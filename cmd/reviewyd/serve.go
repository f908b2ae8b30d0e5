package main

import (
	"github.com/reviewyai/reviewy/internal/app"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve webhooks and the dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLogs(closer)

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return app.RunServer(ctx, cfg, withWorker)
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run the event consumers in this process")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume review and indexing events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLogs(closer)

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return app.RunWorker(ctx, cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLogs(closer)
			return app.Migrate(cmd.Context(), cfg)
		},
	}
}
