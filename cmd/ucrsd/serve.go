package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ucrsph/incident-engine/internal/arbiter"
	"github.com/ucrsph/incident-engine/internal/cluster"
	"github.com/ucrsph/incident-engine/internal/embed"
	"github.com/ucrsph/incident-engine/internal/jobs"
	"github.com/ucrsph/incident-engine/internal/lifecycle"
	"github.com/ucrsph/incident-engine/internal/storage/postgres"
	"github.com/ucrsph/incident-engine/internal/vector/pgvector"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool and the expiration scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe constructs the process-wide collaborators once, hands them to
// the worker pool and the sweeper, and blocks until the context is
// cancelled by a signal.
func runServe(ctx context.Context) error {
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

	embedder, err := embed.NewClient(
		cfg.Embedding.Endpoint, cfg.Embedding.Model, cfg.Embedding.Dim,
		cfg.Embedding.QueryPrefix, cfg.Timeouts.Embed, logger.Named("embed"),
	)
	if err != nil {
		return fmt.Errorf("build embedder: %w", err)
	}

	arb, err := arbiter.NewClient(cfg.Anthropic.APIKey, cfg.Anthropic.Model, cfg.Timeouts.LLM, logger.Named("arbiter"))
	if err != nil {
		return fmt.Errorf("build arbiter: %w", err)
	}

	queue, err := jobs.NewQueue(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("open job queue: %w", err)
	}
	defer queue.Close()

	engine := cluster.NewEngine(embedder, vectors, store, arb, logger.Named("cluster"))
	refresher := cluster.NewSeverityRefresher(store, logger.Named("severity"))
	pool := jobs.NewPool(queue, engine, refresher, cfg.Jobs, logger.Named("jobs"))
	sweeper := lifecycle.NewSweeper(store, vectors, cfg.Scheduler.Period, logger.Named("lifecycle"))

	logger.Info("ucrsd serving",
		zap.Int("workers", cfg.Jobs.Workers),
		zap.Duration("sweep_period", cfg.Scheduler.Period),
		zap.Int("vector_dim", cfg.Embedding.Dim),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("ucrsd shut down")
		return nil
	}
	return err
}
