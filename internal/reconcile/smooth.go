package reconcile

import "math"

// SmoothShortFlips reassigns every interior span no longer than
// shortDuration whose two neighbours agree on a different speaker. It is a
// single left-to-right pass over a copy; the input is not modified.
func SmoothShortFlips(spans []Span, shortDuration float64) []Span {
	out := cloneSpans(spans)
	if len(out) < 3 {
		return out
	}
	for i := 1; i < len(out)-1; i++ {
		prev, next := out[i-1].Speaker, out[i+1].Speaker
		if out[i].Duration() <= shortDuration && out[i].Speaker != prev && prev == next {
			out[i].Speaker = prev
		}
	}
	return out
}

// SmoothWindowMajority relabels each span with the speaker holding the most
// time inside the window [i-radius, i+radius]. Each span weighs at least
// 10ms. Labels already rewritten earlier in the pass feed later windows.
// Ties go to the speaker seen first in the window. Sequences shorter than
// 2*radius+1 are returned unchanged.
func SmoothWindowMajority(spans []Span, radius int) []Span {
	out := cloneSpans(spans)
	if radius <= 0 || len(out) < 2*radius+1 {
		return out
	}
	for i := range out {
		lo := i - radius
		if lo < 0 {
			lo = 0
		}
		hi := i + radius + 1
		if hi > len(out) {
			hi = len(out)
		}
		var totals []speakerOverlap
		for j := lo; j < hi; j++ {
			d := math.Max(0.01, out[j].End-out[j].Start)
			found := false
			for k := range totals {
				if totals[k].speaker == out[j].Speaker {
					totals[k].seconds += d
					found = true
					break
				}
			}
			if !found {
				totals = append(totals, speakerOverlap{speaker: out[j].Speaker, seconds: d})
			}
		}
		if best, ok := bestOverlap(totals); ok {
			out[i].Speaker = best.speaker
		}
	}
	return out
}

func cloneSpans(spans []Span) []Span {
	out := make([]Span, len(spans))
	copy(out, spans)
	return out
}
