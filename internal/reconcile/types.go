// Package reconcile fuses transcript timing with diarization turns into a
// single speaker-labelled timeline.
package reconcile

import "fmt"

// UnknownSpeaker labels spans when no diarization turn is available.
const UnknownSpeaker = "Unknown"

// ASROnlySpeaker labels the single-speaker timeline built when attribution
// is abandoned.
const ASROnlySpeaker = "SPEAKER_00"

// Turn is one contiguous interval attributed to a single speaker.
type Turn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// Span is one unit of the speaker-labelled timeline.
type Span struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
}

// Duration returns End-Start, or zero for a degenerate span.
func (s Span) Duration() float64 {
	if s.End <= s.Start {
		return 0
	}
	return s.End - s.Start
}

// Config enumerates every attribution tunable. Word-level and segment-level
// constants are kept separate; both sets came from empirical tuning.
type Config struct {
	MinOverlapRatio    float64 `yaml:"min_overlap_ratio"`
	WordCollar         float64 `yaml:"word_collar"`
	SegmentCollar      float64 `yaml:"segment_collar"`
	WordShortDuration  float64 `yaml:"word_short_duration"`
	WordMajorityRadius int     `yaml:"word_majority_radius"`
	WordMaxGap         float64 `yaml:"word_max_gap"`
	FinalShortDuration float64 `yaml:"final_short_duration"`
	FinalMaxGap        float64 `yaml:"final_max_gap"`
	MinCoverageRatio   float64 `yaml:"min_coverage_ratio"`
	Workers            int     `yaml:"workers"` // 0 = GOMAXPROCS

	// ASROnlyFallback replaces a final timeline that is empty, or still
	// under MinCoverageRatio, with one ASROnlySpeaker span per segment.
	ASROnlyFallback bool `yaml:"asr_only_fallback"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		MinOverlapRatio:    0.25,
		WordCollar:         0.08,
		SegmentCollar:      0.1,
		WordShortDuration:  0.3,
		WordMajorityRadius: 2,
		WordMaxGap:         0.12,
		FinalShortDuration: 0.8,
		FinalMaxGap:        0.25,
		MinCoverageRatio:   0.8,
	}
}

// Validate checks Config for validity.
func (c Config) Validate() error {
	if c.MinOverlapRatio < 0 || c.MinOverlapRatio > 1 {
		return fmt.Errorf("min_overlap_ratio must be between 0 and 1, got %v", c.MinOverlapRatio)
	}
	if c.MinCoverageRatio < 0 || c.MinCoverageRatio > 1 {
		return fmt.Errorf("min_coverage_ratio must be between 0 and 1, got %v", c.MinCoverageRatio)
	}
	if c.WordCollar < 0 || c.SegmentCollar < 0 {
		return fmt.Errorf("collars must be non-negative, got word=%v segment=%v", c.WordCollar, c.SegmentCollar)
	}
	if c.WordShortDuration < 0 || c.FinalShortDuration < 0 {
		return fmt.Errorf("short durations must be non-negative, got word=%v final=%v", c.WordShortDuration, c.FinalShortDuration)
	}
	if c.WordMaxGap < 0 || c.FinalMaxGap < 0 {
		return fmt.Errorf("max gaps must be non-negative, got word=%v final=%v", c.WordMaxGap, c.FinalMaxGap)
	}
	if c.WordMajorityRadius < 0 {
		return fmt.Errorf("word_majority_radius must be non-negative, got %d", c.WordMajorityRadius)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", c.Workers)
	}
	return nil
}
