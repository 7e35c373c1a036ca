package reconcile

import (
	"reflect"
	"testing"
)

func TestMergeSameSpeakerWithinGap(t *testing.T) {
	out := MergeSameSpeaker([]Span{
		{Speaker: "A", Start: 0, End: 1, Text: "hello"},
		{Speaker: "A", Start: 1.1, End: 2, Text: " there "},
		{Speaker: "A", Start: 3, End: 4, Text: "later"},
	}, 0.25)
	want := []Span{
		{Speaker: "A", Start: 0, End: 2, Text: "hello there"},
		{Speaker: "A", Start: 3, End: 4, Text: "later"},
	}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("got %+v, want %+v", out, want)
	}
}

func TestMergeSameSpeakerSortsAndDropsDegenerate(t *testing.T) {
	out := MergeSameSpeaker([]Span{
		{Speaker: "B", Start: 2, End: 3, Text: "b"},
		{Speaker: "A", Start: 0, End: 1, Text: "a"},
		{Speaker: "A", Start: 1.5, End: 1.5, Text: "gone"},
	}, 0.1)
	want := []Span{
		{Speaker: "A", Start: 0, End: 1, Text: "a"},
		{Speaker: "B", Start: 2, End: 3, Text: "b"},
	}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("got %+v, want %+v", out, want)
	}
}

func TestMergeSameSpeakerResolvesCrossSpeakerOverlap(t *testing.T) {
	out := MergeSameSpeaker([]Span{
		{Speaker: "A", Start: 0, End: 2, Text: "a"},
		{Speaker: "B", Start: 1, End: 3, Text: "b"},
	}, 0.1)
	want := []Span{
		{Speaker: "A", Start: 0, End: 1, Text: "a"},
		{Speaker: "B", Start: 1, End: 3, Text: "b"},
	}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("got %+v, want %+v", out, want)
	}
}

func TestMergeSameSpeakerFoldsSwallowedSpan(t *testing.T) {
	out := MergeSameSpeaker([]Span{
		{Speaker: "A", Start: 0, End: 2, Text: "a"},
		{Speaker: "B", Start: 0, End: 1, Text: "b"},
	}, 0.1)
	want := []Span{{Speaker: "A", Start: 0, End: 2, Text: "a b"}}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("got %+v, want %+v", out, want)
	}
}

func TestMergeSameSpeakerIsIdempotent(t *testing.T) {
	in := []Span{
		{Speaker: "A", Start: 0, End: 1, Text: "one"},
		{Speaker: "B", Start: 0.5, End: 1.4, Text: "two"},
		{Speaker: "A", Start: 1.45, End: 2, Text: "three"},
		{Speaker: "A", Start: 2.1, End: 2.2, Text: "four"},
		{Speaker: "C", Start: 2.1, End: 2.15, Text: "five"},
		{Speaker: "B", Start: 5, End: 6, Text: "six"},
	}
	once := MergeSameSpeaker(in, 0.25)
	twice := MergeSameSpeaker(once, 0.25)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("not idempotent:\nonce  %+v\ntwice %+v", once, twice)
	}
	assertTimeline(t, once)
}

func TestMergeSameSpeakerEmpty(t *testing.T) {
	if out := MergeSameSpeaker(nil, 1); out != nil {
		t.Errorf("expected nil, got %+v", out)
	}
}
