package main

import (
	"fmt"

	"github.com/reviewyai/reviewy/internal/app"
	"github.com/reviewyai/reviewy/internal/db"
	"github.com/spf13/cobra"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	cmd.AddCommand(userAddCmd())
	return cmd
}

func userAddCmd() *cobra.Command {
	var params app.UserParams
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update a user, store its GitHub token and print a session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLogs(closer)

			conn, err := db.Open(cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close(conn)
			if err := db.Migrate(conn); err != nil {
				return err
			}

			user, session, err := app.UpsertUser(cmd.Context(), conn, cfg.JWT.Secret, cfg.JWT.Expiry, params)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s (id %d)\nsession token: %s\n", user.Login, user.ID, session)
			return nil
		},
	}
	cmd.Flags().StringVar(&params.Login, "login", "", "GitHub login (required)")
	cmd.Flags().StringVar(&params.Name, "name", "", "display name")
	cmd.Flags().StringVar(&params.Email, "email", "", "email address, used to link billing customers")
	cmd.Flags().StringVar(&params.Token, "github-token", "", "GitHub OAuth token with repo scope")
	_ = cmd.MarkFlagRequired("login")
	return cmd
}
