/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/josephgoksu/tunewatch/internal/app"
	"github.com/josephgoksu/tunewatch/internal/config"
	"github.com/josephgoksu/tunewatch/internal/logger"
	"github.com/josephgoksu/tunewatch/internal/telemetry"
)

var (
	// cfgFile is the path to the configuration file.
	cfgFile string
	// verbose forces debug logging.
	verbose bool
	// version is the application version.
	version = "0.3.0"

	// appCtx is built before every command runs.
	appCtx      *app.Context
	closeLogger func() error
	startedAt   time.Time
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tunewatch",
	Short: "tunewatch - checkpoint scoring and prediction tracking for fine-tuning",
	Long: `tunewatch follows a fine-tuning run. At every evaluation it scores the
checkpoint with a metric that penalizes overfitting, keeps a pointer to the
best checkpoint, generates predictions for a fixed sample set and records
them. It also pretokenizes chat datasets with response-only label masking.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: teardown,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	defer logger.HandlePanic()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// GetVersion returns the application version.
func GetVersion() string {
	return version
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./tunewatch.yaml or $HOME/tunewatch.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().String("job-id", "", "training job id (default: a new UUIDv7)")

	_ = viper.BindPFlag("job_id", rootCmd.PersistentFlags().Lookup("job-id"))
}

func setup(cmd *cobra.Command, _ []string) error {
	startedAt = time.Now()
	cfg, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	log, closer, err := logger.New(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
		Stderr: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	slog.SetDefault(log)
	closeLogger = closer

	logger.SetBasePath(cfg.StateDir)
	logger.SetVersion(version)
	logger.SetCommand(strings.Join(os.Args, " "))

	fs := afero.NewOsFs()
	appCtx = app.NewContext(cfg, fs, log)
	client, err := telemetry.New(fs, cfg.StateDir, cfg.Telemetry.Enabled, telemetry.ClientConfig{
		APIKey:   cfg.Telemetry.APIKey,
		Endpoint: cfg.Telemetry.Endpoint,
		Version:  version,
	})
	if err != nil {
		// Telemetry never blocks a command.
		log.Debug("telemetry disabled", "error", err)
		client = telemetry.NoopClient{}
	}
	appCtx.Telemetry = client
	return nil
}

func teardown(cmd *cobra.Command, _ []string) {
	if appCtx == nil {
		return
	}
	appCtx.Telemetry.Track(telemetry.EventCommandExecuted, map[string]any{
		"command":     cmd.CommandPath(),
		"duration_ms": time.Since(startedAt).Milliseconds(),
	})
	_ = appCtx.Telemetry.Close()
	if closeLogger != nil {
		_ = closeLogger()
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
