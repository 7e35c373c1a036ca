package reconcile

import (
	"math"
	"sort"
	"strings"

	"github.com/tiroq/diarscribe/internal/asr"
)

// AttributeWords labels every non-degenerate word with the speaker that best
// covers it.
func AttributeWords(words []TimedWord, idx *TurnIndex, collar float64) []Span {
	spans := make([]Span, 0, len(words))
	for _, w := range words {
		if w.End <= w.Start {
			continue
		}
		spans = append(spans, Span{
			Speaker: idx.SpeakerForSpan(w.Start, w.End, collar),
			Start:   w.Start,
			End:     w.End,
			Text:    w.Text,
		})
	}
	return spans
}

// mapSegmentWords runs the word path for one segment: normalize, attribute,
// smooth, merge, then clamp the result into the segment bounds. It returns
// nil when the segment has no usable word timing.
func (a *Attributor) mapSegmentWords(seg asr.Segment, idx *TurnIndex) []Span {
	words := NormalizeWords(seg)
	if len(words) == 0 {
		return nil
	}
	spans := AttributeWords(words, idx, a.cfg.WordCollar)
	if len(spans) == 0 {
		return nil
	}
	spans = SmoothShortFlips(spans, a.cfg.WordShortDuration)
	spans = SmoothWindowMajority(spans, a.cfg.WordMajorityRadius)
	spans = MergeSameSpeaker(spans, a.cfg.WordMaxGap)

	out := spans[:0]
	for _, s := range spans {
		s.Start = math.Max(seg.Start, s.Start)
		s.End = math.Min(seg.End, s.End)
		if s.End > s.Start && strings.TrimSpace(s.Text) != "" {
			out = append(out, s)
		}
	}
	return out
}

// mapSegmentFallback attributes a whole segment to one speaker. The overlap
// winner is used when it covers at least MinOverlapRatio of the segment,
// otherwise the nearest turn decides. Segments with no duration or no text
// yield nothing.
func (a *Attributor) mapSegmentFallback(seg asr.Segment, idx *TurnIndex) []Span {
	text := strings.TrimSpace(seg.Text)
	duration := seg.Duration()
	if duration <= 0 || text == "" {
		return nil
	}

	var speaker string
	if best, ok := bestOverlap(idx.overlapTotals(seg.Start, seg.End, a.cfg.SegmentCollar)); ok && best.seconds/duration >= a.cfg.MinOverlapRatio {
		speaker = best.speaker
	} else {
		speaker = idx.NearestSpeaker(seg.Start, seg.End)
	}
	return []Span{{Speaker: speaker, Start: seg.Start, End: seg.End, Text: text}}
}

// segmentFallbackTimeline runs the segment-level fallback over every segment.
func (a *Attributor) segmentFallbackTimeline(segments []asr.Segment, idx *TurnIndex) []Span {
	var out []Span
	for _, seg := range segments {
		out = append(out, a.mapSegmentFallback(seg, idx)...)
	}
	return out
}

// asrOnlyTimeline turns every segment with text into one ASROnlySpeaker
// span. Segments are taken in start order and clipped to start where the
// previous one ended; a segment left empty in time joins its text to the
// previous span.
func asrOnlyTimeline(segments []asr.Segment) []Span {
	sorted := make([]asr.Segment, 0, len(segments))
	for _, seg := range segments {
		if seg.HasText() && seg.End > seg.Start {
			sorted = append(sorted, seg)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var out []Span
	for _, seg := range sorted {
		text := strings.TrimSpace(seg.Text)
		start := seg.Start
		if n := len(out); n > 0 {
			start = max(start, out[n-1].End)
			if start >= seg.End {
				out[n-1].Text = joinText(out[n-1].Text, text)
				continue
			}
		}
		out = append(out, Span{Speaker: ASROnlySpeaker, Start: start, End: seg.End, Text: text})
	}
	return out
}

// CoverageGuard reports whether the mapped timeline lost too much of the
// recognised speech. With no recognised speech nothing can be lost.
func CoverageGuard(asrSeconds, mappedSeconds, minRatio float64) bool {
	if asrSeconds <= 0 {
		return false
	}
	return mappedSeconds/asrSeconds < minRatio
}

func speechSeconds(segments []asr.Segment) float64 {
	total := 0.0
	for _, s := range segments {
		total += s.Duration()
	}
	return total
}

func spanSeconds(spans []Span) float64 {
	total := 0.0
	for _, s := range spans {
		total += s.Duration()
	}
	return total
}
