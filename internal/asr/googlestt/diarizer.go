package googlestt

import (
	"context"

	speechpb "cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/tiroq/diarscribe/internal/diarize"
)

var _ diarize.Provider = (*Diarizer)(nil)

// Diarizer derives speaker turns from the API's word-level speaker tags.
// It shares the recognizer of the backend it was created from.
type Diarizer struct {
	backend *Backend
}

// NewDiarizer returns a diarization provider backed by b.
func NewDiarizer(b *Backend) *Diarizer {
	return &Diarizer{backend: b}
}

// Name returns the provider identifier.
func (d *Diarizer) Name() string { return "google_stt" }

// Diarize runs recognition with speaker diarization enabled and returns
// one track per run of same-speaker words.
func (d *Diarizer) Diarize(ctx context.Context, audioPath string, hints diarize.Hints) ([]diarize.Track, error) {
	rc := d.backend.recognitionConfig("", audioPath)
	rc.EnableWordTimeOffsets = true
	rc.DiarizationConfig = diarizationConfig(hints)

	resp, err := d.backend.recognize(ctx, audioPath, rc)
	if err != nil {
		return nil, err
	}
	return parseTracks(resp), nil
}

func diarizationConfig(h diarize.Hints) *speechpb.SpeakerDiarizationConfig {
	minSpk, maxSpk := h.MinSpeakers, h.MaxSpeakers
	if h.NumSpeakers > 0 {
		minSpk, maxSpk = h.NumSpeakers, h.NumSpeakers
	}
	return &speechpb.SpeakerDiarizationConfig{
		EnableSpeakerDiarization: true,
		MinSpeakerCount:          int32(max(minSpk, 0)),
		MaxSpeakerCount:          int32(max(maxSpk, 0)),
	}
}
