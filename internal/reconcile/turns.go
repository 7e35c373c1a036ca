package reconcile

import (
	"math"
	"sort"
)

// TurnIndex is a start-sorted, read-only set of diarization turns.
// Overlapping turns are kept as-is; several speakers may talk at once.
type TurnIndex struct {
	turns []Turn
}

// NewTurnIndex copies turns, drops degenerate ones and sorts by start.
func NewTurnIndex(turns []Turn) *TurnIndex {
	sorted := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.End <= t.Start || math.IsNaN(t.Start) || math.IsNaN(t.End) {
			continue
		}
		if t.Speaker == "" {
			t.Speaker = UnknownSpeaker
		}
		sorted = append(sorted, t)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	return &TurnIndex{turns: sorted}
}

// Turns returns a copy of the sorted turns.
func (x *TurnIndex) Turns() []Turn {
	out := make([]Turn, len(x.turns))
	copy(out, x.turns)
	return out
}

// Len returns the number of turns.
func (x *TurnIndex) Len() int { return len(x.turns) }

// speakerOverlap is one accumulated overlap total. Totals keep the order in
// which speakers were first seen so ties resolve deterministically.
type speakerOverlap struct {
	speaker string
	seconds float64
}

func (x *TurnIndex) overlapTotals(start, end, collar float64) []speakerOverlap {
	a, b := start-collar, end+collar
	var totals []speakerOverlap
	for _, t := range x.turns {
		if t.Start >= b {
			break
		}
		overlap := math.Max(0, math.Min(b, t.End)-math.Max(a, t.Start))
		if overlap <= 0 {
			continue
		}
		found := false
		for i := range totals {
			if totals[i].speaker == t.Speaker {
				totals[i].seconds += overlap
				found = true
				break
			}
		}
		if !found {
			totals = append(totals, speakerOverlap{speaker: t.Speaker, seconds: overlap})
		}
	}
	return totals
}

func bestOverlap(totals []speakerOverlap) (speakerOverlap, bool) {
	if len(totals) == 0 {
		return speakerOverlap{}, false
	}
	best := totals[0]
	for _, o := range totals[1:] {
		if o.seconds > best.seconds {
			best = o
		}
	}
	return best, true
}

// OverlapBySpeaker returns the seconds of overlap per speaker between the
// collar-padded span and every turn. Speakers with no overlap are absent.
func (x *TurnIndex) OverlapBySpeaker(start, end, collar float64) map[string]float64 {
	totals := x.overlapTotals(start, end, collar)
	out := make(map[string]float64, len(totals))
	for _, o := range totals {
		out[o.speaker] = o.seconds
	}
	return out
}

// NearestSpeaker returns the speaker of the turn whose midpoint is closest to
// the span midpoint, or UnknownSpeaker when there are no turns.
func (x *TurnIndex) NearestSpeaker(start, end float64) string {
	best := UnknownSpeaker
	bestDist := math.Inf(1)
	center := (start + end) / 2
	for _, t := range x.turns {
		dist := math.Abs(center - (t.Start+t.End)/2)
		if dist < bestDist {
			bestDist = dist
			best = t.Speaker
		}
	}
	return best
}

// SpeakerForSpan prefers the speaker with the largest overlap and falls back
// to the nearest turn when nothing overlaps.
func (x *TurnIndex) SpeakerForSpan(start, end, collar float64) string {
	if best, ok := bestOverlap(x.overlapTotals(start, end, collar)); ok {
		return best.speaker
	}
	return x.NearestSpeaker(start, end)
}
