/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/josephgoksu/tunewatch/internal/predictions"
	"github.com/josephgoksu/tunewatch/internal/ui"
)

var (
	predictionsJob  string
	predictionsJSON bool
)

var predictionsCmd = &cobra.Command{
	Use:   "predictions",
	Short: "Inspect recorded predictions",
}

var predictionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the predictions of a job, ordered by step and sample",
	RunE: func(cmd *cobra.Command, args []string) error {
		if predictionsJob == "" {
			return errors.New("--job is required")
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.List(cmd.Context(), predictionsJob)
		if err != nil {
			return err
		}
		if predictionsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, r := range records {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		}
		return ui.RenderPredictions(cmd.OutOrStdout(), records)
	},
}

var predictionsJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs with recorded predictions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		jobs, err := store.Jobs(cmd.Context())
		if err != nil {
			return err
		}
		for _, id := range jobs {
			printf(cmd.OutOrStdout(), "%s\n", id)
		}
		return nil
	},
}

func openStore() (*predictions.SQLiteWriter, error) {
	path := appCtx.Cfg.Sinks.SQLitePath
	if path == "" {
		return nil, errors.New("sinks.sqlite_path is not set")
	}
	return predictions.OpenSQLite(path)
}

func init() {
	rootCmd.AddCommand(predictionsCmd)
	predictionsCmd.AddCommand(predictionsListCmd, predictionsJobsCmd)
	predictionsListCmd.Flags().StringVar(&predictionsJob, "job", "", "job id")
	predictionsListCmd.Flags().BoolVar(&predictionsJSON, "json", false, "print one JSON object per record")
}
