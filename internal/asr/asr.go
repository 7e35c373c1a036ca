// Package asr defines the speech-to-text provider contract shared by every
// transcription backend and by the decode-pass controller.
package asr

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNoBackend is returned when a backend lookup fails.
var ErrNoBackend = errors.New("asr: no backend configured")

// Word is one recognised token. Timing and probability are optional on
// input; backends that cannot align words leave them nil.
type Word struct {
	Text        string   `json:"text"`
	Start       *float64 `json:"start,omitempty"`
	End         *float64 `json:"end,omitempty"`
	Probability *float64 `json:"probability,omitempty"`
}

// Segment is a single transcribed segment with timing in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Words []Word  `json:"words,omitempty"`
}

// Duration returns End-Start, or zero for degenerate segments.
func (s Segment) Duration() float64 {
	if s.End <= s.Start {
		return 0
	}
	return s.End - s.Start
}

// HasText reports whether the trimmed segment text is non-empty.
func (s Segment) HasText() bool {
	return strings.TrimSpace(s.Text) != ""
}

// Transcript is the result of one decode pass. Duration is the total audio
// duration in seconds as reported by the backend.
type Transcript struct {
	Segments []Segment `json:"segments"`
	Duration float64   `json:"duration"`
	Language string    `json:"language,omitempty"`
	Model    string    `json:"model,omitempty"`
	Backend  string    `json:"backend,omitempty"`
}

// DecodeConfig is the strictness profile for a single decode pass.
type DecodeConfig struct {
	Name                      string    `yaml:"name" json:"name"`
	Language                  string    `yaml:"language" json:"language,omitempty"`
	Model                     string    `yaml:"model" json:"model,omitempty"`
	BeamSize                  int       `yaml:"beam_size" json:"beam_size"`
	BestOf                    int       `yaml:"best_of" json:"best_of"`
	Temperatures              []float64 `yaml:"temperatures" json:"temperatures"`
	VADFilter                 bool      `yaml:"vad_filter" json:"vad_filter"`
	VADMinSilenceMs           int       `yaml:"vad_min_silence_ms" json:"vad_min_silence_ms,omitempty"`
	NoSpeechThreshold         float64   `yaml:"no_speech_threshold" json:"no_speech_threshold"`
	CompressionRatioThreshold float64   `yaml:"compression_ratio_threshold" json:"compression_ratio_threshold"`
	LogProbThreshold          float64   `yaml:"log_prob_threshold" json:"log_prob_threshold"`
	ConditionOnPrevious       bool      `yaml:"condition_on_previous" json:"condition_on_previous"`
	WordTimestamps            bool      `yaml:"word_timestamps" json:"word_timestamps"`
}

// HealthStatus reports backend health.
type HealthStatus struct {
	OK      bool
	Backend string
	Message string
	Latency time.Duration
}

// Backend is the interface that ASR backends must implement. Transcribe must
// be callable repeatedly against the same audio with different configs.
type Backend interface {
	Name() string
	Transcribe(ctx context.Context, audioPath string, cfg DecodeConfig) (*Transcript, error)
	HealthCheck(ctx context.Context) (*HealthStatus, error)
}

// Float returns a pointer to v. Handy for building Words.
func Float(v float64) *float64 {
	return &v
}
