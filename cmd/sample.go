/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"encoding/json"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/josephgoksu/tunewatch/internal/sampling"
	"github.com/josephgoksu/tunewatch/internal/ui"
)

var sampleJSON bool

var sampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Show the fixed prediction sample set",
	Long: `Sample prints the prompts that are regenerated at every evaluation round.
The set is drawn from predictions.count and predictions.seed, so the same
configuration always yields the same samples. A prediction set file takes
precedence over the training dataset.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		samples, err := appCtx.Samples(cmd.Context())
		if err != nil {
			return err
		}
		if sampleJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, s := range samples {
				if err := enc.Encode(s); err != nil {
					return err
				}
			}
			return nil
		}

		t := &ui.Table{
			Headers:    []string{"#", "Source", "ID", "Prompt", "Ground truth"},
			RightAlign: map[int]bool{0: true},
			MaxWidth:   48,
		}
		for _, s := range samples {
			gt := "-"
			if s.GroundTruth != nil {
				gt = *s.GroundTruth
			}
			t.Rows = append(t.Rows, []string{strconv.Itoa(s.SampleIndex), s.Source, s.SourceID, s.Prompt, gt})
		}
		out := cmd.OutOrStdout()
		printf(out, "%s", t.Render())
		printf(out, "%s\n", ui.StyleSubtle.Render("fingerprint "+sampling.Fingerprint(samples)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sampleCmd)
	sampleCmd.Flags().BoolVar(&sampleJSON, "json", false, "print one JSON object per sample")
}
