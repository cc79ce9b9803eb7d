/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/josephgoksu/tunewatch/internal/logger"
)

var crashesCmd = &cobra.Command{
	Use:   "crashes",
	Short: "List crash reports, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		logs, err := logger.ListCrashLogs()
		if err != nil {
			return err
		}
		if len(logs) == 0 {
			printf(cmd.OutOrStdout(), "no crash reports\n")
			return nil
		}
		for _, path := range logs {
			printf(cmd.OutOrStdout(), "%s\n", path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(crashesCmd)
}
