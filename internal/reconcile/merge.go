package reconcile

import (
	"sort"
	"strings"
)

// MergeSameSpeaker coalesces consecutive spans of one speaker separated by at
// most maxGap seconds. Input is ordered by start first. When spans of
// different speakers overlap, the earlier span is cut at the later span's
// start; a span starting together with its predecessor is pushed past it, or
// folded into it when nothing is left. The output is sorted, never overlaps,
// and merging it again returns it unchanged.
func MergeSameSpeaker(spans []Span, maxGap float64) []Span {
	if len(spans) == 0 {
		return nil
	}
	in := make([]Span, 0, len(spans))
	for _, s := range spans {
		if s.End > s.Start {
			in = append(in, s)
		}
	}
	sort.SliceStable(in, func(i, j int) bool { return in[i].Start < in[j].Start })

	merged := make([]Span, 0, len(in))
	for _, item := range in {
		item.Text = strings.TrimSpace(item.Text)
		if len(merged) == 0 {
			merged = append(merged, item)
			continue
		}
		last := &merged[len(merged)-1]
		if item.Speaker == last.Speaker && item.Start-last.End <= maxGap {
			if item.End > last.End {
				last.End = item.End
			}
			last.Text = joinText(last.Text, item.Text)
			continue
		}
		if item.Start < last.End {
			if item.Start > last.Start {
				last.End = item.Start
			} else {
				item.Start = last.End
			}
			if item.End <= item.Start {
				last.Text = joinText(last.Text, item.Text)
				continue
			}
		}
		merged = append(merged, item)
	}
	return merged
}

func joinText(a, b string) string {
	switch {
	case b == "":
		return a
	case a == "":
		return b
	default:
		return a + " " + b
	}
}
