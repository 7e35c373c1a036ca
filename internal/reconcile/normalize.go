package reconcile

import (
	"math"
	"strings"

	"github.com/tiroq/diarscribe/internal/asr"
)

// TimedWord is a word whose timing has been repaired.
type TimedWord struct {
	Text  string
	Start float64
	End   float64
}

const (
	minLastWordDuration = 0.03
	minWordDuration     = 0.02
	backwardSlack       = 0.01
	minSegmentDuration  = 0.01
)

// NormalizeWords repairs the word timings of one segment. Words with empty
// text are dropped. Missing timings are synthesised by spreading the segment
// duration evenly. The result is monotonic in Start, every timestamp lies in
// [seg.Start, seg.End], and each word is at least minWordDuration long unless
// it was squeezed against the segment end, in which case it may collapse to
// zero width and must be skipped by callers.
func NormalizeWords(seg asr.Segment) []TimedWord {
	if len(seg.Words) == 0 {
		return nil
	}

	segStart, segEnd := seg.Start, seg.End
	segDuration := math.Max(minSegmentDuration, segEnd-segStart)

	type rawWord struct {
		text       string
		start, end *float64
	}
	raw := make([]rawWord, 0, len(seg.Words))
	missing := false
	for _, w := range seg.Words {
		text := strings.TrimSpace(w.Text)
		if text == "" {
			continue
		}
		rw := rawWord{text: text, start: finite(w.Start), end: finite(w.End)}
		if rw.start == nil || rw.end == nil {
			missing = true
		}
		raw = append(raw, rw)
	}
	if len(raw) == 0 {
		return nil
	}

	words := make([]TimedWord, len(raw))
	if missing {
		avg := segDuration / float64(len(raw))
		cursor := segStart
		for i, rw := range raw {
			start := cursor
			if rw.start != nil {
				start = *rw.start
			}
			end := start + avg
			if rw.end != nil && *rw.end > start {
				end = *rw.end
			}
			if i == len(raw)-1 {
				end = math.Min(segEnd, math.Max(end, start+minLastWordDuration))
			}
			words[i] = TimedWord{Text: rw.text, Start: start, End: end}
			cursor = end
		}
	} else {
		for i, rw := range raw {
			words[i] = TimedWord{Text: rw.text, Start: *rw.start, End: *rw.end}
		}
	}

	words[0].Start = math.Max(segStart, words[0].Start)
	for i := range words {
		w := &words[i]
		w.Start = clamp(w.Start, segStart, segEnd)
		w.End = math.Max(w.Start+minWordDuration, math.Min(segEnd, w.End))
		if i > 0 {
			w.Start = math.Max(words[i-1].End-backwardSlack, w.Start)
			w.End = math.Max(w.Start+minWordDuration, w.End)
		}
	}

	// Crowded tails can push past the segment end; pull them back in.
	for i := range words {
		words[i].Start = math.Min(words[i].Start, segEnd)
		words[i].End = math.Min(words[i].End, segEnd)
	}
	return words
}

func finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
