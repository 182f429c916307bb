package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ucrsph/incident-engine/internal/storage/postgres"
	"github.com/ucrsph/incident-engine/internal/vector/pgvector"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the relational and vector schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := postgres.Open(ctx, cfg.DatabaseURL, logger.Named("storage"))
			if err != nil {
				return fmt.Errorf("open incident store: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}

			vectors, err := pgvector.Open(ctx, cfg.DatabaseURL, cfg.Embedding.Dim, logger.Named("vectors"), pgvector.WithCallTimeout(cfg.Timeouts.Vector))
			if err != nil {
				return fmt.Errorf("open vector store: %w", err)
			}
			defer vectors.Close()
			if err := vectors.Migrate(ctx); err != nil {
				return err
			}

			logger.Info("schema up to date")
			return nil
		},
	}
}
