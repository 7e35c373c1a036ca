package decode

import (
	"math"

	"github.com/tiroq/diarscribe/internal/asr"
)

// Sanitize validates a backend transcript at the provider boundary. It
// returns a copy without segments whose timing is not finite, and with
// non-finite word timings or probabilities cleared to nil so the word
// normalizer can repair them.
func Sanitize(t *asr.Transcript) *asr.Transcript {
	out := *t
	out.Segments = make([]asr.Segment, 0, len(t.Segments))
	for _, seg := range t.Segments {
		if !isFinite(seg.Start) || !isFinite(seg.End) {
			continue
		}
		words := make([]asr.Word, len(seg.Words))
		for i, w := range seg.Words {
			words[i] = asr.Word{
				Text:        w.Text,
				Start:       finiteOrNil(w.Start),
				End:         finiteOrNil(w.End),
				Probability: finiteOrNil(w.Probability),
			}
		}
		seg.Words = words
		out.Segments = append(out.Segments, seg)
	}
	if !isFinite(out.Duration) || out.Duration < 0 {
		out.Duration = 0
	}
	return &out
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteOrNil(v *float64) *float64 {
	if v == nil || !isFinite(*v) {
		return nil
	}
	c := *v
	return &c
}
