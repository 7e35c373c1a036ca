package googlestt

import (
	"fmt"
	"math"
	"strings"

	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tiroq/diarscribe/internal/asr"
	"github.com/tiroq/diarscribe/internal/diarize"
)

// parseTranscript turns recognition results into one segment per result.
func parseTranscript(resp *speechpb.LongRunningRecognizeResponse) *asr.Transcript {
	t := &asr.Transcript{}
	if resp == nil {
		return t
	}

	cursor := 0.0
	for _, r := range resp.Results {
		if r == nil || len(r.Alternatives) == 0 || r.Alternatives[0] == nil {
			continue
		}
		alt := r.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		end := durToSec(r.ResultEndTime)
		if text == "" {
			if end > cursor {
				cursor = end
			}
			continue
		}

		seg := asr.Segment{Start: cursor, End: end, Text: text}
		for _, w := range alt.Words {
			if w == nil {
				continue
			}
			ws, we := durToSec(w.StartTime), durToSec(w.EndTime)
			word := asr.Word{Text: w.Word, Start: asr.Float(ws), End: asr.Float(we)}
			if w.Confidence > 0 {
				word.Probability = asr.Float(float64(w.Confidence))
			}
			seg.Words = append(seg.Words, word)
		}
		if len(seg.Words) > 0 {
			seg.Start = math.Max(cursor, *seg.Words[0].Start)
			seg.End = math.Max(seg.End, *seg.Words[len(seg.Words)-1].End)
		}
		if seg.End < seg.Start {
			seg.End = seg.Start
		}
		t.Segments = append(t.Segments, seg)
		cursor = seg.End
	}

	// Trailing silence still ends a result, so cursor is the audio length.
	t.Duration = cursor
	return t
}

// parseTracks groups consecutive same-speaker words of the speaker-tagged
// result into tracks.
func parseTracks(resp *speechpb.LongRunningRecognizeResponse) []diarize.Track {
	words := taggedWords(resp)
	if len(words) == 0 {
		return nil
	}

	var tracks []diarize.Track
	cur := diarize.Track{
		Start:   durToSec(words[0].StartTime),
		End:     durToSec(words[0].EndTime),
		Speaker: speakerLabel(words[0]),
	}
	for _, w := range words[1:] {
		spk := speakerLabel(w)
		ws, we := durToSec(w.StartTime), durToSec(w.EndTime)
		if spk != cur.Speaker {
			tracks = append(tracks, cur)
			cur = diarize.Track{Start: ws, End: we, Speaker: spk}
			continue
		}
		cur.End = math.Max(cur.End, we)
	}
	tracks = append(tracks, cur)

	for i := range tracks {
		tracks[i].TrackID = tracks[i].Speaker
	}
	return tracks
}

// taggedWords returns the words of the last result that carries speaker
// tags. With diarization on, the API repeats every word there.
func taggedWords(resp *speechpb.LongRunningRecognizeResponse) []*speechpb.WordInfo {
	if resp == nil {
		return nil
	}
	for i := len(resp.Results) - 1; i >= 0; i-- {
		r := resp.Results[i]
		if r == nil || len(r.Alternatives) == 0 || r.Alternatives[0] == nil {
			continue
		}
		var out []*speechpb.WordInfo
		for _, w := range r.Alternatives[0].Words {
			if w != nil && w.SpeakerTag > 0 {
				out = append(out, w)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func speakerLabel(w *speechpb.WordInfo) string {
	return fmt.Sprintf("SPEAKER_%02d", w.SpeakerTag)
}

func durToSec(d *durationpb.Duration) float64 {
	if d == nil {
		return 0
	}
	return d.AsDuration().Seconds()
}
