/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/josephgoksu/tunewatch/internal/orchestrator"
	"github.com/josephgoksu/tunewatch/internal/sampling"
	"github.com/josephgoksu/tunewatch/internal/scoring"
	"github.com/josephgoksu/tunewatch/internal/server"
	"github.com/josephgoksu/tunewatch/internal/ui"
	"github.com/josephgoksu/tunewatch/internal/watch"
)

var (
	scoreJSON         bool
	scoreWritePointer bool
)

var scoreCmd = &cobra.Command{
	Use:   "score <output_dir>",
	Short: "Score every checkpoint of a finished or running training job",
	Long: `Score reads the metrics record of every checkpoint-<step> directory in
output_dir, in step order, and ranks them. Checkpoints without an eval_loss
are listed as rejected and never selected as best.

Examples:
  tunewatch score ./out
  tunewatch score ./out --json
  tunewatch score ./out --write-pointer   # also write best_checkpoint.json`,
	Args: cobra.ExactArgs(1),
	RunE: runScore,
}

func init() {
	rootCmd.AddCommand(scoreCmd)
	scoreCmd.Flags().BoolVar(&scoreJSON, "json", false, "print JSON instead of a table")
	scoreCmd.Flags().BoolVar(&scoreWritePointer, "write-pointer", false, "write best_checkpoint.json to output_dir")
}

type scoreOutput struct {
	Checkpoints []server.CheckpointView        `json:"checkpoints"`
	Best        *scoring.BestCheckpointPointer `json:"best"`
}

func runScore(cmd *cobra.Command, args []string) error {
	outputDir := args[0]
	cfg := orchestrator.Config{JobID: appCtx.Cfg.JobID}
	if scoreWritePointer {
		cfg.PointerDir = outputDir
	}
	orch, err := orchestrator.New(cfg, orchestrator.Deps{
		FS:      appCtx.FS,
		Sampler: func(context.Context) ([]sampling.Sample, error) { return nil, nil },
		Logger:  appCtx.Logger,
	})
	if err != nil {
		return err
	}

	w, err := watch.New(watch.Config{OutputDir: outputDir}, appCtx.FS, orch, appCtx.Logger)
	if err != nil {
		return err
	}
	if _, err := w.Scan(cmd.Context()); err != nil {
		return err
	}
	snap := w.Finish(cmd.Context())

	if scoreJSON {
		out := scoreOutput{Checkpoints: server.CheckpointViews(snap.History), Best: snap.Best}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	if len(snap.History) == 0 {
		return fmt.Errorf("no checkpoints with a metrics record in %s", outputDir)
	}
	return ui.RenderScores(cmd.OutOrStdout(), snap.History, snap.Best)
}
