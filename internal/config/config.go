// Package config loads the diarscribe YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tiroq/diarscribe/internal/asr/googlestt"
	"github.com/tiroq/diarscribe/internal/asr/localwhisper"
	"github.com/tiroq/diarscribe/internal/asr/remotewhisper"
	"github.com/tiroq/diarscribe/internal/decode"
	"github.com/tiroq/diarscribe/internal/diarize"
	"github.com/tiroq/diarscribe/internal/diarize/sidecar"
	"github.com/tiroq/diarscribe/internal/reconcile"
)

// Backend and provider names accepted in the config file.
const (
	BackendRemoteWhisper = "remote_whisper"
	BackendLocalWhisper  = "local_whisper"
	BackendGoogleSTT     = "google_stt"

	ProviderNone      = "none"
	ProviderSidecar   = "sidecar"
	ProviderGoogleSTT = "google_stt"
)

// TokenEnv overrides asr.remote.token and diarization.sidecar.token when set.
const TokenEnv = "DIARSCRIBE_ASR_TOKEN"

var (
	knownBackends  = []string{BackendRemoteWhisper, BackendLocalWhisper, BackendGoogleSTT}
	knownProviders = []string{ProviderNone, ProviderSidecar, ProviderGoogleSTT}
	knownFormats   = []string{"txt", "srt", "vtt", "json"}
)

// Config is the whole configuration file.
type Config struct {
	LogMode     string            `yaml:"log_mode"` // "dev" or "prod"
	Reconcile   reconcile.Config  `yaml:"reconcile"`
	Decode      decode.Config     `yaml:"decode"`
	ASR         ASRConfig         `yaml:"asr"`
	Diarization DiarizationConfig `yaml:"diarization"`
	Output      OutputConfig      `yaml:"output"`
	Watch       WatchConfig       `yaml:"watch"`
}

// ASRConfig selects the speech-to-text backend.
type ASRConfig struct {
	Backend string               `yaml:"backend"`
	Remote  remotewhisper.Config `yaml:"remote"`
	Local   localwhisper.Config  `yaml:"local"`
	Google  googlestt.Config     `yaml:"google"`
}

// DiarizationConfig selects the diarization provider.
type DiarizationConfig struct {
	Provider string         `yaml:"provider"`
	Optional bool           `yaml:"optional"` // continue without turns when the provider fails
	Hints    diarize.Hints  `yaml:"hints"`
	Sidecar  sidecar.Config `yaml:"sidecar"`
}

// OutputConfig controls the transcript writers.
type OutputConfig struct {
	Formats []string `yaml:"formats"`
	Dir     string   `yaml:"dir"` // empty writes next to the audio file
}

// WatchConfig controls `diarscribe watch`.
type WatchConfig struct {
	Dir        string   `yaml:"dir"`
	Workers    int      `yaml:"workers"`
	Extensions []string `yaml:"extensions"`
}

// Default returns a configuration that works against a local whisper API.
func Default() *Config {
	return &Config{
		LogMode:   "dev",
		Reconcile: reconcile.DefaultConfig(),
		Decode:    decode.DefaultConfig(),
		ASR: ASRConfig{
			Backend: BackendRemoteWhisper,
			Remote:  remotewhisper.Config{BaseURL: "http://localhost:9000", TimeoutSeconds: 600, Retries: 3, Model: "small"},
			Local:   localwhisper.Config{BinaryPath: "whisper", Model: "small", TimeoutSeconds: 1800},
			Google:  googlestt.Config{LanguageCode: "en-US", MaxRetries: 4, TimeoutSeconds: 1800},
		},
		Diarization: DiarizationConfig{
			Provider: ProviderNone,
			Sidecar:  sidecar.Config{URL: "ws://localhost:4460", HandshakeTimeoutSeconds: 10, RequestTimeoutSeconds: 900},
		},
		Output: OutputConfig{Formats: []string{"txt", "json"}},
		Watch: WatchConfig{
			Workers:    2,
			Extensions: []string{".wav", ".mp3", ".m4a", ".flac", ".ogg", ".opus", ".webm"},
		},
	}
}

// DefaultPath returns ~/.config/diarscribe/config.yaml.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "diarscribe", "config.yaml")
}

// Load reads the YAML file at path over the defaults. A missing file yields
// the defaults. The token environment override is applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if token := os.Getenv(TokenEnv); token != "" {
		cfg.ASR.Remote.Token = token
		cfg.Diarization.Sidecar.Token = token
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating the parent directory.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks Config for validity.
func (c *Config) Validate() error {
	if err := c.Reconcile.Validate(); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if err := c.Decode.Validate(); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	if !slices.Contains(knownBackends, c.ASR.Backend) {
		return fmt.Errorf("asr.backend must be one of %s, got %q", strings.Join(knownBackends, ", "), c.ASR.Backend)
	}
	if c.ASR.Backend == BackendRemoteWhisper && c.ASR.Remote.BaseURL == "" {
		return fmt.Errorf("asr.remote.base_url is required for backend %s", BackendRemoteWhisper)
	}
	if c.ASR.Backend == BackendLocalWhisper && c.ASR.Local.BinaryPath == "" {
		return fmt.Errorf("asr.local.binary_path is required for backend %s", BackendLocalWhisper)
	}

	d := c.Diarization
	if !slices.Contains(knownProviders, d.Provider) {
		return fmt.Errorf("diarization.provider must be one of %s, got %q", strings.Join(knownProviders, ", "), d.Provider)
	}
	if d.Provider == ProviderSidecar && d.Sidecar.URL == "" {
		return fmt.Errorf("diarization.sidecar.url is required for provider %s", ProviderSidecar)
	}
	h := d.Hints
	if h.MinSpeakers < 0 || h.MaxSpeakers < 0 || h.NumSpeakers < 0 {
		return fmt.Errorf("diarization.hints must be non-negative, got %+v", h)
	}
	if h.MaxSpeakers > 0 && h.MinSpeakers > h.MaxSpeakers {
		return fmt.Errorf("diarization.hints.min_speakers (%d) must be <= max_speakers (%d)", h.MinSpeakers, h.MaxSpeakers)
	}

	if len(c.Output.Formats) == 0 {
		return fmt.Errorf("output.formats must name at least one format")
	}
	for _, f := range c.Output.Formats {
		if !slices.Contains(knownFormats, f) {
			return fmt.Errorf("output.formats: unknown format %q (want %s)", f, strings.Join(knownFormats, ", "))
		}
	}

	if c.Watch.Workers < 1 || c.Watch.Workers > 16 {
		return fmt.Errorf("watch.workers must be between 1 and 16, got %d", c.Watch.Workers)
	}
	return nil
}
