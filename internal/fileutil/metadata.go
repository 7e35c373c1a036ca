// Package fileutil provides audio inbox and sidecar metadata helpers.
package fileutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tiroq/diarscribe/internal/reconcile"
)

// RunMetadata is the sidecar written next to each run's transcripts.
type RunMetadata struct {
	Version     string           `json:"version"`
	RunID       string           `json:"run_id"`
	Audio       string           `json:"audio"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	Elapsed     string           `json:"elapsed"`
	ElapsedMs   int64            `json:"elapsed_ms"`
	ASR         *ASRMeta         `json:"asr,omitempty"`
	Diarization *DiarizationMeta `json:"diarization,omitempty"`
	Attribution *AttributionMeta `json:"attribution,omitempty"`
	Outputs     []string         `json:"outputs,omitempty"`
	Success     bool             `json:"success"`
	Error       string           `json:"error,omitempty"`
}

// ASRMeta captures the decode passes and the winner.
type ASRMeta struct {
	Backend  string     `json:"backend"`
	Model    string     `json:"model,omitempty"`
	Language string     `json:"language,omitempty"`
	Duration float64    `json:"audio_seconds"`
	Chosen   string     `json:"chosen_pass"`
	Passes   []PassMeta `json:"passes"`
}

// PassMeta is the score card of one decode pass.
type PassMeta struct {
	Name      string  `json:"name"`
	Coverage  float64 `json:"coverage"`
	SpanRatio float64 `json:"span_ratio"`
	Chars     int     `json:"chars"`
	Density   float64 `json:"density"`
	Score     float64 `json:"score"`
}

// DiarizationMeta records the provider outcome.
type DiarizationMeta struct {
	Provider string `json:"provider"`
	Turns    int    `json:"turns"`
	Failed   bool   `json:"failed,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AttributionMeta records the attribution outcome.
type AttributionMeta struct {
	Spans           int     `json:"spans"`
	FallbackUsed    bool    `json:"fallback_used"`
	ASRSeconds      float64 `json:"asr_seconds"`
	WordPathSeconds float64 `json:"word_path_seconds"`
	MappedSeconds   float64 `json:"mapped_seconds"`
	ASROnly         bool    `json:"asr_only,omitempty"`
}

// FillFromResult copies the engine result into m.
func (m *RunMetadata) FillFromResult(res *reconcile.Result, backend, provider string) {
	m.RunID = res.RunID
	m.Success = true
	m.Diarization = &DiarizationMeta{
		Provider: provider,
		Turns:    res.Turns,
		Failed:   res.DiarizationFailed,
		Error:    res.DiarizationError,
	}
	m.Attribution = &AttributionMeta{
		Spans:           len(res.Spans),
		FallbackUsed:    res.FallbackUsed,
		ASRSeconds:      res.ASRSeconds,
		WordPathSeconds: res.WordPathSeconds,
		MappedSeconds:   res.MappedSeconds,
		ASROnly:         res.ASROnly,
	}
	if res.Decode == nil {
		return
	}
	asrMeta := &ASRMeta{Backend: backend, Chosen: string(res.Decode.Best.Name)}
	if t := res.Decode.Best.Transcript; t != nil {
		asrMeta.Model = t.Model
		asrMeta.Language = t.Language
		asrMeta.Duration = t.Duration
	}
	for _, c := range res.Decode.Candidates {
		asrMeta.Passes = append(asrMeta.Passes, PassMeta{
			Name:      string(c.Name),
			Coverage:  c.Coverage,
			SpanRatio: c.SpanRatio,
			Chars:     c.Chars,
			Density:   c.Density,
			Score:     c.Score,
		})
	}
	m.ASR = asrMeta
}

// Finish stamps the end time and elapsed duration.
func (m *RunMetadata) Finish(at time.Time) {
	m.FinishedAt = at
	d := at.Sub(m.StartedAt)
	m.Elapsed = d.Round(time.Millisecond).String()
	m.ElapsedMs = d.Milliseconds()
}

// WriteMetadata writes <basePath>.meta.json next to the run's transcripts
// using temp file + rename. It returns the path written.
func WriteMetadata(basePath string, meta *RunMetadata) (string, error) {
	metaPath := basePath + ".meta.json"
	dir := filepath.Dir(metaPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create metadata dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "meta-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create metadata temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(meta); err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return "", fmt.Errorf("sync metadata: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("close metadata temp: %w", err)
	}
	success = true

	if err := os.Rename(tmpPath, metaPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename metadata: %w", err)
	}
	return metaPath, nil
}
