package reconcile

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tiroq/diarscribe/internal/asr"
	"github.com/tiroq/diarscribe/internal/decode"
	"github.com/tiroq/diarscribe/internal/diaglog"
	"github.com/tiroq/diarscribe/internal/diarize"
	"github.com/tiroq/diarscribe/internal/logger"
)

// Result is the outcome of one reconciliation run.
type Result struct {
	RunID string `json:"run_id"`
	Spans []Span `json:"spans"`

	// FallbackUsed is set when the coverage guard discarded the word path
	// and the timeline was rebuilt from whole segments.
	FallbackUsed bool    `json:"fallback_used"`
	ASRSeconds   float64 `json:"asr_seconds"`
	// WordPathSeconds is what the word path covered; the coverage guard
	// compares it against ASRSeconds. MappedSeconds covers the final Spans.
	WordPathSeconds float64 `json:"word_path_seconds"`
	MappedSeconds   float64 `json:"mapped_seconds"`

	// ASROnly is set when even the segment-level timeline fell short and
	// the spans were rebuilt from ASR segments under one speaker.
	ASROnly bool `json:"asr_only,omitempty"`

	// DiarizationFailed is set when an optional diarization provider failed
	// and every span was attributed against an empty turn set.
	DiarizationFailed bool   `json:"diarization_failed,omitempty"`
	DiarizationError  string `json:"diarization_error,omitempty"`
	Turns             int    `json:"turns"`

	Decode *decode.Outcome `json:"decode,omitempty"`
}

// Attributor maps transcript segments onto diarization turns.
type Attributor struct {
	cfg  Config
	log  *logger.Logger
	diag *diaglog.Logger
}

// NewAttributor creates an Attributor. Nil loggers are replaced by no-ops.
func NewAttributor(cfg Config, log *logger.Logger, diag *diaglog.Logger) (*Attributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	if diag == nil {
		diag = diaglog.NewNoOp()
	}
	return &Attributor{
		cfg:  cfg,
		log:  logger.OrNop(log).With("component", diaglog.ComponentReconciler),
		diag: diag,
	}, nil
}

// Attribute builds the speaker-labelled timeline for segments. Segments are
// attributed independently and in parallel, then concatenated in input
// order before the global smoothing and merge.
func (a *Attributor) Attribute(ctx context.Context, segments []asr.Segment, turns []Turn) (*Result, error) {
	idx := NewTurnIndex(turns)

	perSegment := make([][]Span, len(segments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers())
	for i, seg := range segments {
		if !seg.HasText() {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			spans := a.mapSegmentWords(seg, idx)
			if len(spans) == 0 {
				spans = a.mapSegmentFallback(seg, idx)
			}
			perSegment[i] = spans
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("reconcile: attribute segments: %w", err)
	}

	var timeline []Span
	for _, spans := range perSegment {
		timeline = append(timeline, spans...)
	}

	res := &Result{
		ASRSeconds:      speechSeconds(segments),
		WordPathSeconds: spanSeconds(timeline),
		Turns:           idx.Len(),
	}
	if CoverageGuard(res.ASRSeconds, res.WordPathSeconds, a.cfg.MinCoverageRatio) {
		a.log.Warn("word-level mapping under-covered speech, using segment-level fallback",
			"asr_seconds", res.ASRSeconds,
			"word_path_seconds", res.WordPathSeconds,
			"min_ratio", a.cfg.MinCoverageRatio,
		)
		a.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentReconciler,
			Event:     diaglog.EventCoverageFallback,
			Reason:    "under_coverage",
			Payload: map[string]interface{}{
				"asr_seconds":       res.ASRSeconds,
				"word_path_seconds": res.WordPathSeconds,
			},
		})
		timeline = a.segmentFallbackTimeline(segments, idx)
		res.FallbackUsed = true
	}

	timeline = SmoothShortFlips(timeline, a.cfg.FinalShortDuration)
	res.Spans = MergeSameSpeaker(timeline, a.cfg.FinalMaxGap)
	res.MappedSeconds = spanSeconds(res.Spans)

	if a.cfg.ASROnlyFallback && a.needsASROnly(segments, res) {
		a.log.Warn("speaker timeline still under-covered, falling back to ASR-only timeline",
			"asr_seconds", res.ASRSeconds,
			"mapped_seconds", res.MappedSeconds,
		)
		a.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentReconciler,
			Event:     diaglog.EventCoverageFallback,
			Reason:    "asr_only",
			Payload: map[string]interface{}{
				"asr_seconds":    res.ASRSeconds,
				"mapped_seconds": res.MappedSeconds,
			},
		})
		res.Spans = asrOnlyTimeline(segments)
		res.MappedSeconds = spanSeconds(res.Spans)
		res.ASROnly = true
	}
	return res, nil
}

func (a *Attributor) needsASROnly(segments []asr.Segment, res *Result) bool {
	hasText := false
	for _, seg := range segments {
		if seg.HasText() {
			hasText = true
			break
		}
	}
	if !hasText {
		return false
	}
	return len(res.Spans) == 0 || CoverageGuard(res.ASRSeconds, res.MappedSeconds, a.cfg.MinCoverageRatio)
}

func (a *Attributor) workers() int {
	if a.cfg.Workers > 0 {
		return a.cfg.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// TurnsFromTracks converts raw diarization triples into turns.
func TurnsFromTracks(tracks []diarize.Track) []Turn {
	turns := make([]Turn, 0, len(tracks))
	for _, t := range tracks {
		turns = append(turns, Turn{Start: t.Start, End: t.End, Speaker: t.Speaker})
	}
	return turns
}

// Options configures an Engine.
type Options struct {
	Reconcile Config
	Decode    decode.Config
	Hints     diarize.Hints

	// DiarizationOptional lets a run continue with an empty turn set when
	// the diarization provider fails. The failure is reported in Result.
	DiarizationOptional bool

	Logger *logger.Logger
	Diag   *diaglog.Logger
}

// Engine is the single entry point: decode passes, diarization, attribution.
type Engine struct {
	attributor *Attributor
	decoder    *decode.Controller
	opts       Options
	log        *logger.Logger
	diag       *diaglog.Logger
}

// NewEngine validates opts and builds an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Diag == nil {
		opts.Diag = diaglog.NewNoOp()
	}
	log := logger.OrNop(opts.Logger)
	attributor, err := NewAttributor(opts.Reconcile, log, opts.Diag)
	if err != nil {
		return nil, err
	}
	decoder, err := decode.NewController(opts.Decode, log, opts.Diag)
	if err != nil {
		return nil, err
	}
	return &Engine{
		attributor: attributor,
		decoder:    decoder,
		opts:       opts,
		log:        log.With("component", "engine"),
		diag:       opts.Diag,
	}, nil
}

// Run transcribes audioPath with backend (running as many decode passes as
// the quality gate demands), diarizes it with provider and returns the
// speaker-labelled timeline. Backend errors are returned as-is, wrapped.
func (e *Engine) Run(ctx context.Context, audioPath string, backend asr.Backend, provider diarize.Provider) (*Result, error) {
	runID := uuid.NewString()
	started := time.Now()
	log := e.log.With("run_id", runID, "audio", audioPath)
	e.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentReconciler,
		Event:     diaglog.EventRunStart,
		RunID:     runID,
		Payload:   map[string]interface{}{"backend": backend.Name(), "diarizer": provider.Name()},
	})

	outcome, err := e.decoder.Run(ctx, runID, backend, audioPath)
	if err != nil {
		e.logFailure(runID, err)
		return nil, err
	}

	var diarErr error
	tracks, err := provider.Diarize(ctx, audioPath, e.opts.Hints)
	if err != nil {
		if !e.opts.DiarizationOptional {
			e.logFailure(runID, err)
			return nil, fmt.Errorf("diarize %s: %w", provider.Name(), err)
		}
		log.Warn("diarization failed, attributing against empty turn set", "diarizer", provider.Name(), "error", err)
		diarErr = err
		tracks = nil
	}
	e.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentDiarizer,
		Event:     diaglog.EventDiarizeDone,
		RunID:     runID,
		Payload:   map[string]interface{}{"tracks": len(tracks), "provider": provider.Name()},
	})

	res, err := e.attributor.Attribute(ctx, outcome.Best.Transcript.Segments, TurnsFromTracks(tracks))
	if err != nil {
		e.logFailure(runID, err)
		return nil, err
	}
	res.RunID = runID
	res.Decode = outcome
	if diarErr != nil {
		res.DiarizationFailed = true
		res.DiarizationError = diarErr.Error()
	}

	log.Info("reconciliation complete",
		"pass", outcome.Best.Name,
		"passes_run", len(outcome.Candidates),
		"spans", len(res.Spans),
		"turns", res.Turns,
		"fallback", res.FallbackUsed,
		"elapsed", time.Since(started),
	)
	e.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentReconciler,
		Event:     diaglog.EventRunDone,
		RunID:     runID,
		Payload: map[string]interface{}{
			"spans":          len(res.Spans),
			"fallback_used":  res.FallbackUsed,
			"asr_seconds":    res.ASRSeconds,
			"mapped_seconds": res.MappedSeconds,
			"asr_only":       res.ASROnly,
		},
	})
	return res, nil
}

func (e *Engine) logFailure(runID string, err error) {
	e.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentReconciler,
		Event:     diaglog.EventRunFailed,
		RunID:     runID,
		Reason:    err.Error(),
	})
}
