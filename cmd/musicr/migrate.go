package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/musicr/musicr/internal/store"
)

// migrateCmd applies the database schema
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long: `Create or update the Musicr schema: tables, the pgvector extension, and
the HNSW index over song embeddings. The DDL is idempotent; running
migrate against an up-to-date database changes nothing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			pool, err := store.Connect(ctx, cfg.Database)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer pool.Close()

			if err := store.Migrate(ctx, pool); err != nil {
				return err
			}
			slog.Info("schema up to date")
			return nil
		},
	}
}
