// Package decode runs one to three escalating decode passes against a
// speech-to-text backend and picks the most complete transcript.
package decode

import (
	"context"
	"fmt"
	"math"

	"github.com/tiroq/diarscribe/internal/asr"
	"github.com/tiroq/diarscribe/internal/diaglog"
	"github.com/tiroq/diarscribe/internal/logger"
)

// PassName identifies a decode pass.
type PassName string

const (
	Pass1 PassName = "pass1" // strict
	Pass2 PassName = "pass2" // relaxed
	Pass3 PassName = "pass3" // maximal recovery
)

// Candidate is the result of one decode pass.
type Candidate struct {
	Name       PassName         `json:"name"`
	Config     asr.DecodeConfig `json:"config"`
	Transcript *asr.Transcript  `json:"-"`
	Metrics
}

// Outcome holds the winning candidate and every candidate that was run, in
// pass order.
type Outcome struct {
	Best       Candidate   `json:"best"`
	Candidates []Candidate `json:"candidates"`
}

// Controller decides whether to escalate and arbitrates by score only.
type Controller struct {
	cfg  Config
	log  *logger.Logger
	diag *diaglog.Logger
}

// NewController validates cfg and creates a Controller.
func NewController(cfg Config, log *logger.Logger, diag *diaglog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if diag == nil {
		diag = diaglog.NewNoOp()
	}
	return &Controller{
		cfg:  cfg,
		log:  logger.OrNop(log).With("component", diaglog.ComponentDecoder),
		diag: diag,
	}, nil
}

// Run decodes audioPath with backend. pass1 always runs; pass2 runs when
// pass1 looks incomplete; pass3 runs when the better of the two still does.
// Retries only happen for audio of at least MinRetryDuration seconds. Any
// backend error aborts the run and is returned wrapped.
func (c *Controller) Run(ctx context.Context, runID string, backend asr.Backend, audioPath string) (*Outcome, error) {
	first, err := c.runPass(ctx, runID, backend, audioPath, Pass1, c.cfg.Strict)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Best: first, Candidates: []Candidate{first}}
	duration := first.Transcript.Duration

	if !c.retryAllowed(duration) {
		c.skip(runID, Pass2, "short_audio", duration)
		return c.finish(runID, out), nil
	}

	if c.needsPass2(first, duration) {
		second, err := c.runPass(ctx, runID, backend, audioPath, Pass2, c.cfg.Relaxed)
		if err != nil {
			return nil, err
		}
		out.add(second)
	} else {
		c.skip(runID, Pass2, "pass1_sufficient", duration)
	}

	if c.needsPass3(out.Best) {
		third, err := c.runPass(ctx, runID, backend, audioPath, Pass3, c.cfg.Recovery)
		if err != nil {
			return nil, err
		}
		out.add(third)
	} else {
		c.skip(runID, Pass3, "best_sufficient", duration)
	}
	return c.finish(runID, out), nil
}

func (c *Controller) retryAllowed(duration float64) bool {
	return duration >= c.cfg.MinRetryDuration
}

func (c *Controller) needsPass2(p Candidate, duration float64) bool {
	minChars := math.Max(float64(c.cfg.Pass2MinChars), duration*c.cfg.Pass2CharsPerSecond)
	return p.Coverage < c.cfg.Pass2MinCoverage ||
		p.SpanRatio < c.cfg.Pass2MinSpanRatio ||
		float64(p.Chars) < minChars
}

func (c *Controller) needsPass3(best Candidate) bool {
	return best.Coverage < c.cfg.Pass3MinCoverage || best.SpanRatio < c.cfg.Pass3MinSpanRatio
}

// add records a candidate; a later pass wins only with a strictly higher score.
func (o *Outcome) add(cand Candidate) {
	o.Candidates = append(o.Candidates, cand)
	if cand.Score > o.Best.Score {
		o.Best = cand
	}
}

func (c *Controller) runPass(ctx context.Context, runID string, backend asr.Backend, audioPath string, name PassName, profile asr.DecodeConfig) (Candidate, error) {
	if err := ctx.Err(); err != nil {
		return Candidate{}, err
	}
	profile.Name = string(name)
	t, err := backend.Transcribe(ctx, audioPath, profile)
	if err != nil {
		return Candidate{}, fmt.Errorf("decode %s with %s: %w", name, backend.Name(), err)
	}
	if t == nil {
		return Candidate{}, fmt.Errorf("decode %s with %s: backend returned no transcript", name, backend.Name())
	}
	t = Sanitize(t)

	cand := Candidate{Name: name, Config: profile, Transcript: t, Metrics: Score(t, c.cfg)}
	c.log.Debug("decode pass scored",
		"pass", name,
		"segments", len(t.Segments),
		"coverage", cand.Coverage,
		"span_ratio", cand.SpanRatio,
		"chars", cand.Chars,
		"score", cand.Score,
	)
	c.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentDecoder,
		Event:     diaglog.EventDecodePass,
		RunID:     runID,
		Payload: map[string]interface{}{
			"pass":       string(name),
			"backend":    backend.Name(),
			"segments":   len(t.Segments),
			"duration":   t.Duration,
			"coverage":   cand.Coverage,
			"span_ratio": cand.SpanRatio,
			"chars":      cand.Chars,
			"density":    cand.Density,
			"score":      cand.Score,
		},
	})
	return cand, nil
}

func (c *Controller) skip(runID string, name PassName, reason string, duration float64) {
	c.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentDecoder,
		Event:     diaglog.EventDecodeSkipped,
		RunID:     runID,
		Reason:    reason,
		Payload:   map[string]interface{}{"pass": string(name), "duration": duration},
	})
}

func (c *Controller) finish(runID string, out *Outcome) *Outcome {
	if len(out.Candidates) > 1 {
		c.log.Info("decode pass selected", "pass", out.Best.Name, "score", out.Best.Score, "passes_run", len(out.Candidates))
	}
	c.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentDecoder,
		Event:     diaglog.EventDecodeSelected,
		RunID:     runID,
		Payload:   map[string]interface{}{"pass": string(out.Best.Name), "score": out.Best.Score, "passes_run": len(out.Candidates)},
	})
	return out
}
