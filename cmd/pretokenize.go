/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"encoding/json"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/josephgoksu/tunewatch/internal/masking"
	"github.com/josephgoksu/tunewatch/internal/ui"
)

var pretokenizeJSON bool

var pretokenizeCmd = &cobra.Command{
	Use:   "pretokenize",
	Short: "Tokenize the dataset once with response-only label masking",
	Long: `Pretokenize formats every dataset row with the model's chat template,
tokenizes it and masks every label before the model's response. The result
is cached under data.cache_dir keyed by model, max length, dataset and
masking version; a matching cache is reused.

Rows whose response marker cannot be found are kept with every label
masked and reported as fully masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := appCtx.Pretokenize(cmd.Context())
		if err != nil {
			return err
		}
		if pretokenizeJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		out := cmd.OutOrStdout()
		state := "built"
		if report.Reused {
			state = "reused"
		}
		printf(out, "%s\n", ui.StyleTitle.Render("Pretokenized cache "+state))
		printf(out, "  dir:              %s\n", report.Dir)
		printf(out, "  config hash:      %s\n", report.ConfigHash)
		for _, split := range []masking.Split{masking.SplitTrain, masking.SplitEval} {
			printf(out, "  %-17s %d\n", string(split)+":", report.Counts[split])
		}
		printf(out, "  trainable labels: %d\n", report.TrainableLabels)
		if report.FullyMasked > 0 {
			printf(out, "%s\n", ui.StyleWarning.Render(
				"  fully masked:     "+strconv.Itoa(report.FullyMasked)+" (no response marker, no loss)"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pretokenizeCmd)
	pretokenizeCmd.Flags().BoolVar(&pretokenizeJSON, "json", false, "print the report as JSON")
	pretokenizeCmd.Flags().String("dataset", "", "dataset path (overrides data.dataset_path)")
	pretokenizeCmd.Flags().String("model", "", "model id (overrides model.id)")
	pretokenizeCmd.Flags().Int("max-length", 0, "truncate sequences (overrides model.max_length)")

	_ = viper.BindPFlag("data.dataset_path", pretokenizeCmd.Flags().Lookup("dataset"))
	_ = viper.BindPFlag("model.id", pretokenizeCmd.Flags().Lookup("model"))
	_ = viper.BindPFlag("model.max_length", pretokenizeCmd.Flags().Lookup("max-length"))
}
