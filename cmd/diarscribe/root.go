package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tiroq/diarscribe/internal/config"
	"github.com/tiroq/diarscribe/internal/diaglog"
	"github.com/tiroq/diarscribe/internal/logger"
)

var (
	configPath string
	logMode    string

	cfg  *config.Config
	log  *logger.Logger
	diag *diaglog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "diarscribe",
	Short: "Speaker-attributed transcripts from audio",
	Long: `diarscribe transcribes audio with a quality-gated multi-pass decoder,
diarizes it, and fuses both into a speaker-labelled transcript.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if diag != nil {
			_ = diag.Close()
		}
		if log != nil {
			log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "config file")
	rootCmd.PersistentFlags().StringVar(&logMode, "log-mode", "", "log mode: dev or prod (overrides config)")
	rootCmd.Version = Version
}

// setup loads the config and opens both loggers.
func setup(cmd *cobra.Command, args []string) error {
	diaglog.Version = Version

	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = loaded
	if logMode != "" {
		cfg.LogMode = logMode
	}

	log, err = logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	logPath := diaglog.DefaultPath()
	diag, err = diaglog.New(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not open diagnostic log at %s: %v (continuing)\n", logPath, err)
		diag = diaglog.NewNoOp()
	}
	return nil
}
