package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ucrsph/incident-engine/internal/lifecycle"
	"github.com/ucrsph/incident-engine/internal/storage/postgres"
	"github.com/ucrsph/incident-engine/internal/vector/pgvector"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a single expiration pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := postgres.Open(ctx, cfg.DatabaseURL, logger.Named("storage"))
			if err != nil {
				return fmt.Errorf("open incident store: %w", err)
			}
			defer store.Close()

			vectors, err := pgvector.Open(ctx, cfg.DatabaseURL, cfg.Embedding.Dim, logger.Named("vectors"), pgvector.WithCallTimeout(cfg.Timeouts.Vector))
			if err != nil {
				return fmt.Errorf("open vector store: %w", err)
			}
			defer vectors.Close()

			sweeper := lifecycle.NewSweeper(store, vectors, cfg.Scheduler.Period, logger.Named("lifecycle"))
			expired, err := sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			logger.Info("sweep complete", zap.Int("expired", len(expired)))
			return nil
		},
	}
}
