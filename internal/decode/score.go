package decode

import (
	"math"
	"strings"

	"github.com/tiroq/diarscribe/internal/asr"
)

// Metrics measures how complete one decode pass looks.
type Metrics struct {
	Coverage  float64 `json:"coverage"`
	SpanRatio float64 `json:"span_ratio"`
	Chars     int     `json:"chars"`
	Density   float64 `json:"density"`
	Score     float64 `json:"score"`
}

// Score computes coverage, span ratio, character count, density and the
// weighted score for t. A transcript of zero-length audio has nothing to
// lose, so coverage, span ratio and density are all 1.
func Score(t *asr.Transcript, cfg Config) Metrics {
	var m Metrics
	lastEnd := 0.0
	speech := 0.0
	for _, seg := range t.Segments {
		speech += seg.Duration()
		if seg.End > lastEnd {
			lastEnd = seg.End
		}
		m.Chars += len([]rune(strings.TrimSpace(seg.Text)))
	}

	total := t.Duration
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		m.Coverage, m.SpanRatio, m.Density = 1, 1, 1
	} else {
		m.Coverage = clamp01(speech / total)
		m.SpanRatio = clamp01(lastEnd / total)
		m.Density = clamp01(float64(m.Chars) / (total * cfg.DensityCharsPerSecond))
	}
	m.Score = cfg.Weights.Coverage*m.Coverage + cfg.Weights.SpanRatio*m.SpanRatio + cfg.Weights.Density*m.Density
	return m
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
