// Package diarize defines the diarization provider contract.
package diarize

import "context"

// Track is one raw diarization triple: an interval, the track it came from
// and the speaker label assigned to it.
type Track struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	TrackID string  `json:"track"`
	Speaker string  `json:"speaker"`
}

// Hints constrain the number of speakers. Zero means unconstrained.
type Hints struct {
	MinSpeakers int `yaml:"min_speakers" json:"min_speakers,omitempty"`
	MaxSpeakers int `yaml:"max_speakers" json:"max_speakers,omitempty"`
	NumSpeakers int `yaml:"num_speakers" json:"num_speakers,omitempty"`
}

// Provider produces speaker turns for an audio file.
type Provider interface {
	Name() string
	Diarize(ctx context.Context, audioPath string, hints Hints) ([]Track, error)
}

// None is a provider that never finds a speaker. Every span attributed
// against it is labelled as unknown.
type None struct{}

func (None) Name() string { return "none" }

func (None) Diarize(ctx context.Context, audioPath string, hints Hints) ([]Track, error) {
	return nil, nil
}
