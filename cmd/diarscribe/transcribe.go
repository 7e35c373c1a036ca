package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tiroq/diarscribe/internal/config"
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <audio-file>...",
	Short: "Transcribe and speaker-attribute audio files",
	Long: `Transcribe one or more audio files, diarize them and write speaker-labelled
transcripts (txt, srt, vtt, json) plus a <name>.meta.json run summary.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTranscribe,
}

var (
	outDir              string
	formats             []string
	backendName         string
	providerName        string
	language            string
	minSpeakers         int
	maxSpeakers         int
	numSpeakers         int
	diarizationOptional bool
)

func init() {
	transcribeCmd.Flags().StringVarP(&outDir, "out-dir", "o", "", "output directory (default: next to the audio, or output.dir)")
	transcribeCmd.Flags().StringSliceVarP(&formats, "format", "f", nil, "output formats: txt, srt, vtt, json (default: output.formats)")
	transcribeCmd.Flags().StringVar(&backendName, "backend", "", "ASR backend: remote_whisper, local_whisper, google_stt")
	transcribeCmd.Flags().StringVar(&providerName, "diarizer", "", "diarization provider: none, sidecar, google_stt")
	transcribeCmd.Flags().StringVarP(&language, "language", "l", "", "language code for every decode pass (default: autodetect)")
	transcribeCmd.Flags().IntVar(&minSpeakers, "min-speakers", 0, "minimum number of speakers")
	transcribeCmd.Flags().IntVar(&maxSpeakers, "max-speakers", 0, "maximum number of speakers")
	transcribeCmd.Flags().IntVar(&numSpeakers, "num-speakers", 0, "exact number of speakers")
	transcribeCmd.Flags().BoolVar(&diarizationOptional, "diarization-optional", false, "continue with Unknown speakers if diarization fails")

	rootCmd.AddCommand(transcribeCmd)
}

// applyOverrides folds the transcribe flags into cfg and revalidates it.
func applyOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("out-dir") {
		cfg.Output.Dir = outDir
	}
	if flags.Changed("format") {
		cfg.Output.Formats = formats
	}
	if flags.Changed("backend") {
		cfg.ASR.Backend = backendName
	}
	if flags.Changed("diarizer") {
		cfg.Diarization.Provider = providerName
	}
	if flags.Changed("language") {
		cfg.Decode.Strict.Language = language
		cfg.Decode.Relaxed.Language = language
		cfg.Decode.Recovery.Language = language
	}
	if flags.Changed("min-speakers") {
		cfg.Diarization.Hints.MinSpeakers = minSpeakers
	}
	if flags.Changed("max-speakers") {
		cfg.Diarization.Hints.MaxSpeakers = maxSpeakers
	}
	if flags.Changed("num-speakers") {
		cfg.Diarization.Hints.NumSpeakers = numSpeakers
	}
	if flags.Changed("diarization-optional") {
		cfg.Diarization.Optional = diarizationOptional
	}
	return cfg.Validate()
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	if err := applyOverrides(cmd, cfg); err != nil {
		return err
	}

	var paths []string
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return fmt.Errorf("resolve path: %w", err)
		}
		if _, err := os.Stat(abs); err != nil {
			return fmt.Errorf("file not found: %s", arg)
		}
		paths = append(paths, abs)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, log, diag)
	if err != nil {
		return err
	}
	defer a.Close()

	var errs []error
	for _, path := range paths {
		meta, err := a.process(ctx, path, cfg.Output.Dir)
		if err != nil {
			log.Error("transcription failed", "audio", path, "error", err)
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		for _, out := range meta.Outputs {
			fmt.Fprintln(cmd.OutOrStdout(), out)
		}
		if meta.Attribution != nil && meta.Attribution.FallbackUsed {
			fmt.Fprintf(cmd.ErrOrStderr(), "note: %s used segment-level speaker fallback\n", filepath.Base(path))
		}
	}
	return errors.Join(errs...)
}
