package main

import (
	"context"
	"fmt"
	"time"

	"github.com/tiroq/diarscribe/internal/asr"
	"github.com/tiroq/diarscribe/internal/asr/googlestt"
	"github.com/tiroq/diarscribe/internal/asr/localwhisper"
	"github.com/tiroq/diarscribe/internal/asr/remotewhisper"
	"github.com/tiroq/diarscribe/internal/config"
	"github.com/tiroq/diarscribe/internal/diaglog"
	"github.com/tiroq/diarscribe/internal/diarize"
	"github.com/tiroq/diarscribe/internal/diarize/sidecar"
	"github.com/tiroq/diarscribe/internal/fileutil"
	"github.com/tiroq/diarscribe/internal/logger"
	"github.com/tiroq/diarscribe/internal/reconcile"
	"github.com/tiroq/diarscribe/internal/transcript"
)

// app holds everything one CLI invocation needs to process audio files.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	diag     *diaglog.Logger
	registry *asr.Registry
	backend  asr.Backend
	provider diarize.Provider
	engine   *reconcile.Engine
	closers  []func() error
}

// buildRegistry registers every configured backend under its config name and
// makes cfg.ASR.Backend the primary.
func buildRegistry(cfg *config.Config, diag *diaglog.Logger) (*asr.Registry, *googlestt.Backend, error) {
	reg := asr.NewRegistry()

	remote := remotewhisper.NewClient(cfg.ASR.Remote)
	remote.SetLogger(diag)
	reg.Register(config.BackendRemoteWhisper, remote)

	reg.Register(config.BackendLocalWhisper, localwhisper.NewBackend(cfg.ASR.Local))

	google := googlestt.NewBackend(cfg.ASR.Google)
	reg.Register(config.BackendGoogleSTT, google)

	if err := reg.SetPrimary(cfg.ASR.Backend); err != nil {
		return nil, nil, err
	}
	return reg, google, nil
}

// newApp wires the configured backend, diarization provider and engine.
func newApp(cfg *config.Config, log *logger.Logger, diag *diaglog.Logger) (*app, error) {
	reg, google, err := buildRegistry(cfg, diag)
	if err != nil {
		return nil, err
	}
	backend, err := reg.Primary()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, diag: diag, registry: reg, backend: backend}
	a.closers = append(a.closers, google.Close)

	switch cfg.Diarization.Provider {
	case config.ProviderSidecar:
		c := sidecar.NewClient(cfg.Diarization.Sidecar)
		c.SetLogger(diag)
		a.provider = c
		a.closers = append(a.closers, c.Close)
	case config.ProviderGoogleSTT:
		a.provider = googlestt.NewDiarizer(google)
	default:
		a.provider = diarize.None{}
	}

	if err := a.initEngine(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) initEngine() error {
	engine, err := reconcile.NewEngine(reconcile.Options{
		Reconcile:           a.cfg.Reconcile,
		Decode:              a.cfg.Decode,
		Hints:               a.cfg.Diarization.Hints,
		DiarizationOptional: a.cfg.Diarization.Optional,
		Logger:              a.log,
		Diag:                a.diag,
	})
	if err != nil {
		return err
	}
	a.engine = engine
	return nil
}

// Close releases provider and backend connections.
func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	}
}

// process runs the engine on audioPath and writes the transcripts plus the
// run metadata under outDir (next to the audio when empty). A failed run
// still gets a metadata file recording the error.
func (a *app) process(ctx context.Context, audioPath, outDir string) (*fileutil.RunMetadata, error) {
	base := fileutil.OutputBase(audioPath, outDir)
	meta := &fileutil.RunMetadata{
		Version:   Version,
		Audio:     audioPath,
		StartedAt: time.Now().UTC(),
	}

	res, runErr := a.engine.Run(ctx, audioPath, a.backend, a.provider)
	if runErr == nil {
		meta.FillFromResult(res, a.cfg.ASR.Backend, a.provider.Name())
		written, err := transcript.WriteAll(base, transcript.NewDocument(audioPath, res), a.cfg.Output.Formats)
		meta.Outputs = written
		if err != nil {
			runErr = err
		}
	}
	if runErr != nil {
		meta.Success = false
		meta.Error = runErr.Error()
	}
	meta.Finish(time.Now().UTC())

	if _, err := fileutil.WriteMetadata(base, meta); err != nil {
		a.log.Warn("failed to write run metadata", "audio", audioPath, "error", err)
	}
	if runErr != nil {
		return meta, fmt.Errorf("%s: %w", audioPath, runErr)
	}
	return meta, nil
}
