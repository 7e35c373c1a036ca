package decode

import (
	"fmt"

	"github.com/tiroq/diarscribe/internal/asr"
)

// Weights combine the pass metrics into a score.
type Weights struct {
	Coverage  float64 `yaml:"coverage"`
	SpanRatio float64 `yaml:"span_ratio"`
	Density   float64 `yaml:"density"`
}

// Config holds the escalation policy and the three decode profiles.
type Config struct {
	// MinRetryDuration gates every retry; shorter audio is decoded once.
	MinRetryDuration float64 `yaml:"min_retry_duration"`

	Pass2MinCoverage    float64 `yaml:"pass2_min_coverage"`
	Pass2MinSpanRatio   float64 `yaml:"pass2_min_span_ratio"`
	Pass2MinChars       int     `yaml:"pass2_min_chars"`
	Pass2CharsPerSecond float64 `yaml:"pass2_chars_per_second"`

	Pass3MinCoverage  float64 `yaml:"pass3_min_coverage"`
	Pass3MinSpanRatio float64 `yaml:"pass3_min_span_ratio"`

	// DensityCharsPerSecond is the assumed speaking rate behind density.
	DensityCharsPerSecond float64 `yaml:"density_chars_per_second"`
	Weights               Weights `yaml:"weights"`

	Strict   asr.DecodeConfig `yaml:"strict"`
	Relaxed  asr.DecodeConfig `yaml:"relaxed"`
	Recovery asr.DecodeConfig `yaml:"recovery"`
}

// DefaultConfig returns the tuned policy. Strictness decreases from the
// strict profile to the recovery profile.
func DefaultConfig() Config {
	return Config{
		MinRetryDuration:      45,
		Pass2MinCoverage:      0.42,
		Pass2MinSpanRatio:     0.75,
		Pass2MinChars:         120,
		Pass2CharsPerSecond:   2.5,
		Pass3MinCoverage:      0.55,
		Pass3MinSpanRatio:     0.88,
		DensityCharsPerSecond: 5,
		Weights:               Weights{Coverage: 0.45, SpanRatio: 0.35, Density: 0.20},
		Strict: asr.DecodeConfig{
			Name:                      string(Pass1),
			BeamSize:                  5,
			BestOf:                    5,
			Temperatures:              []float64{0},
			VADFilter:                 true,
			VADMinSilenceMs:           500,
			NoSpeechThreshold:         0.6,
			CompressionRatioThreshold: 2.4,
			LogProbThreshold:          -1.0,
			ConditionOnPrevious:       true,
			WordTimestamps:            true,
		},
		Relaxed: asr.DecodeConfig{
			Name:                      string(Pass2),
			BeamSize:                  5,
			BestOf:                    5,
			Temperatures:              []float64{0, 0.2, 0.4},
			VADFilter:                 true,
			VADMinSilenceMs:           1000,
			NoSpeechThreshold:         0.75,
			CompressionRatioThreshold: 2.6,
			LogProbThreshold:          -1.5,
			WordTimestamps:            true,
		},
		Recovery: asr.DecodeConfig{
			Name:                      string(Pass3),
			BeamSize:                  8,
			BestOf:                    8,
			Temperatures:              []float64{0, 0.2, 0.4, 0.6, 0.8, 1.0},
			VADFilter:                 false,
			NoSpeechThreshold:         0.9,
			CompressionRatioThreshold: 3.0,
			LogProbThreshold:          -2.0,
			WordTimestamps:            true,
		},
	}
}

// Validate checks Config for validity.
func (c Config) Validate() error {
	if c.MinRetryDuration < 0 {
		return fmt.Errorf("min_retry_duration must be non-negative, got %v", c.MinRetryDuration)
	}
	for name, v := range map[string]float64{
		"pass2_min_coverage":   c.Pass2MinCoverage,
		"pass2_min_span_ratio": c.Pass2MinSpanRatio,
		"pass3_min_coverage":   c.Pass3MinCoverage,
		"pass3_min_span_ratio": c.Pass3MinSpanRatio,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %v", name, v)
		}
	}
	if c.DensityCharsPerSecond <= 0 {
		return fmt.Errorf("density_chars_per_second must be positive, got %v", c.DensityCharsPerSecond)
	}
	w := c.Weights
	if w.Coverage < 0 || w.SpanRatio < 0 || w.Density < 0 {
		return fmt.Errorf("weights must be non-negative, got %+v", w)
	}
	if sum := w.Coverage + w.SpanRatio + w.Density; sum <= 0 || sum > 1.0000001 {
		return fmt.Errorf("weights must sum to a value in (0, 1], got %v", sum)
	}
	for _, p := range []asr.DecodeConfig{c.Strict, c.Relaxed, c.Recovery} {
		if p.BeamSize < 1 {
			return fmt.Errorf("decode profile %q: beam_size must be at least 1, got %d", p.Name, p.BeamSize)
		}
	}
	return nil
}
