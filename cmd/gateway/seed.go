package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/vnmchuo/scribeflow/internal/auth"
	"github.com/vnmchuo/scribeflow/internal/seeder"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the development user and print a bearer token for it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pool.Close()

		token, err := seeder.SeedDevUser(ctx, auth.NewPostgresStore(pool), []byte(cfg.JWTSecret), cfg.DefaultProvider, cfg.DefaultModel)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
