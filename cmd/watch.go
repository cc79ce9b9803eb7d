/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/josephgoksu/tunewatch/internal/app"
	"github.com/josephgoksu/tunewatch/internal/metrics"
	"github.com/josephgoksu/tunewatch/internal/orchestrator"
	"github.com/josephgoksu/tunewatch/internal/server"
	"github.com/josephgoksu/tunewatch/internal/ui"
	"github.com/josephgoksu/tunewatch/internal/watch"
)

const drainTimeout = 30 * time.Second

var (
	watchMetricsAddr string
	watchResume      bool
	watchMarker      string
)

var watchCmd = &cobra.Command{
	Use:   "watch <output_dir>",
	Short: "Follow a training run and evaluate every new checkpoint",
	Long: `Watch follows output_dir while training runs. For each new
checkpoint-<step> directory it scores the checkpoint, updates
best_checkpoint.json, generates predictions for the fixed sample set through
the configured remote model and hands them to the configured sinks.

The job ends when the training completion marker appears in output_dir.
Interrupting the command leaves the job open; --resume continues from the
saved best checkpoint pointer.

Examples:
  tunewatch watch ./out
  tunewatch watch ./out --metrics-addr :9464
  tunewatch watch ./out --resume --job-id 0190c0de-...`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve /metrics and /api/* on this address")
	watchCmd.Flags().BoolVar(&watchResume, "resume", false, "restore the best checkpoint pointer from output_dir")
	watchCmd.Flags().StringVar(&watchMarker, "complete-marker", watch.DefaultCompleteMarker, "file that signals the end of training")
}

func runWatch(cmd *cobra.Command, args []string) error {
	outputDir := args[0]
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if watchMetricsAddr != "" {
		appCtx.Metrics = metrics.New()
	}

	sinks, err := appCtx.OpenSinks()
	if err != nil {
		return err
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := sinks.Close(drainCtx); err != nil {
			appCtx.Logger.Error("prediction sinks not drained", "error", err)
		}
	}()

	generator, err := appCtx.Generator(ctx)
	if err != nil {
		return err
	}
	var gen orchestrator.Generator
	if generator != nil {
		gen = generator
	} else {
		appCtx.Logger.Info("prediction generation disabled", "hint", "set remote.provider and remote.model")
	}

	orch, err := appCtx.NewOrchestrator(gen, sinks.Writer, app.JobOptions{OutputDir: outputDir, Resume: watchResume})
	if err != nil {
		return err
	}
	w, err := watch.New(watch.Config{OutputDir: outputDir, CompleteMarker: watchMarker}, appCtx.FS, orch, appCtx.Logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	watchDone, cancelServer := context.WithCancel(gctx)
	defer cancelServer()
	g.Go(func() error {
		defer cancelServer()
		return w.Run(gctx)
	})
	if watchMetricsAddr != "" {
		var store server.PredictionStore
		if sinks.Store != nil {
			store = sinks.Store
		}
		srv := server.New(watchMetricsAddr, orch, store, appCtx.Metrics.Handler(), appCtx.Logger)
		g.Go(func() error { return srv.Run(watchDone) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		appCtx.Logger.Info("watch interrupted, job left open", "job_id", orch.JobID())
		err = nil
	}
	snap := orch.Snapshot()
	if renderErr := ui.RenderScores(cmd.OutOrStdout(), snap.History, snap.Best); renderErr != nil && err == nil {
		err = renderErr
	}
	return err
}
