// ucrsd is the incident clustering and severity engine daemon. It consumes
// cluster and severity jobs from Redis, maintains the incident state in
// Postgres and the complaint vectors in pgvector, and runs the expiration
// sweep.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ucrsph/incident-engine/internal/config"
	"github.com/ucrsph/incident-engine/internal/telemetry"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

var (
	cfgPath string
	verbose bool

	cfg    *config.Config
	logger *zap.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCancel()

	root := &cobra.Command{
		Use:           "ucrsd",
		Short:         "Incident clustering and severity engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
			logger, err = buildLogger(verbose)
			if err != nil {
				return err
			}
			return telemetry.Init(cmd.Context(), "ucrsd", version)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(ctx)
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to ucrsd.yaml (default: search working directory)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newServeCmd(), newSweepCmd(), newMigrateCmd(), newVersionCmd())

	if err := root.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintln(os.Stderr, "ucrsd:", err)
		os.Exit(1)
	}
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if verbose {
		zcfg = zap.NewDevelopmentConfig()
	}
	return zcfg.Build()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ucrsd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("ucrsd", version)
		},
	}
}
