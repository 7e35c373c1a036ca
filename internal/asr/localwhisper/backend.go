// Package localwhisper is an asr.Backend that shells out to a local
// faster-whisper CLI and reads its JSON output from stdout.
package localwhisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tiroq/diarscribe/internal/asr"
)

// Config configures the local whisper CLI backend.
type Config struct {
	BinaryPath     string `yaml:"binary_path"`     // path to the faster-whisper CLI
	ModelPath      string `yaml:"model_path"`      // optional model directory
	Model          string `yaml:"model"`           // model name (e.g., "small", "large-v3")
	Device         string `yaml:"device"`          // "cpu", "cuda" or empty for auto
	Threads        int    `yaml:"threads"`         // CPU threads (0 = auto)
	TimeoutSeconds int    `yaml:"timeout_seconds"` // default 1800
}

// Backend shells out to a whisper CLI binary for local transcription.
type Backend struct {
	cfg Config
}

var _ asr.Backend = (*Backend)(nil)

// NewBackend creates a new local whisper backend with the given config.
func NewBackend(cfg Config) *Backend {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 1800
	}
	return &Backend{cfg: cfg}
}

// Name returns the backend identifier.
func (b *Backend) Name() string {
	return "local_whisper"
}

type whisperWord struct {
	Word        string   `json:"word"`
	Start       *float64 `json:"start"`
	End         *float64 `json:"end"`
	Probability *float64 `json:"probability"`
}

type whisperSegment struct {
	Start float64       `json:"start"`
	End   float64       `json:"end"`
	Text  string        `json:"text"`
	Words []whisperWord `json:"words"`
}

type whisperOutput struct {
	Segments []whisperSegment `json:"segments"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
}

// Transcribe runs the CLI once with the given decode profile. The
// subprocess is killed with its whole process group on timeout or when ctx
// is cancelled.
func (b *Backend) Transcribe(ctx context.Context, audioPath string, dc asr.DecodeConfig) (*asr.Transcript, error) {
	if _, err := os.Stat(b.cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("localwhisper: binary not found at %q: %w", b.cfg.BinaryPath, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(b.cfg.BinaryPath, b.buildArgs(audioPath, dc)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("localwhisper: failed to start subprocess: %w", err)
	}

	var mu sync.Mutex
	var reason error
	kill := func(why error) {
		mu.Lock()
		if reason == nil {
			reason = why
		}
		mu.Unlock()
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	timer := time.AfterFunc(time.Duration(b.cfg.TimeoutSeconds)*time.Second, func() {
		kill(fmt.Errorf("localwhisper: transcription timed out after %d seconds", b.cfg.TimeoutSeconds))
	})
	stop := context.AfterFunc(ctx, func() { kill(ctx.Err()) })

	err := cmd.Wait()
	timer.Stop()
	stop()

	if err != nil {
		mu.Lock()
		why := reason
		mu.Unlock()
		if why != nil {
			return nil, why
		}
		return nil, fmt.Errorf("localwhisper: subprocess failed: %w: %s", err, lastLine(stderr.String()))
	}

	var output whisperOutput
	if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
		return nil, fmt.Errorf("localwhisper: failed to parse JSON output: %w", err)
	}
	return b.toTranscript(output, dc), nil
}

func (b *Backend) toTranscript(output whisperOutput, dc asr.DecodeConfig) *asr.Transcript {
	transcript := &asr.Transcript{
		Language: output.Language,
		Model:    b.resolveModel(dc),
		Backend:  b.Name(),
		Duration: output.Duration,
	}

	for _, seg := range output.Segments {
		s := asr.Segment{Start: seg.Start, End: seg.End, Text: seg.Text}
		for _, w := range seg.Words {
			s.Words = append(s.Words, asr.Word{Text: w.Word, Start: w.Start, End: w.End, Probability: w.Probability})
		}
		transcript.Segments = append(transcript.Segments, s)
	}

	// Older CLIs omit duration; fall back to the last segment end.
	if transcript.Duration <= 0 && len(transcript.Segments) > 0 {
		transcript.Duration = transcript.Segments[len(transcript.Segments)-1].End
	}
	return transcript
}

// HealthCheck verifies the whisper binary exists, is executable, and responds.
func (b *Backend) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	status := &asr.HealthStatus{
		Backend: b.Name(),
	}

	info, err := os.Stat(b.cfg.BinaryPath)
	if err != nil {
		status.Message = fmt.Sprintf("binary not found at %q: %v", b.cfg.BinaryPath, err)
		return status, nil
	}
	if info.Mode()&0111 == 0 {
		status.Message = fmt.Sprintf("binary at %q is not executable", b.cfg.BinaryPath)
		return status, nil
	}

	if b.cfg.ModelPath != "" {
		if _, err := os.Stat(b.cfg.ModelPath); err != nil {
			status.Message = fmt.Sprintf("model not found at %q: %v", b.cfg.ModelPath, err)
			return status, nil
		}
	}

	start := time.Now()
	err = exec.CommandContext(ctx, b.cfg.BinaryPath, "--help").Run()
	status.Latency = time.Since(start)

	// --help may exit non-zero on some binaries; we just need it to execute.
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		status.Message = fmt.Sprintf("binary failed to execute: %v", err)
		return status, nil
	}

	status.OK = true
	status.Message = "binary is available and executable"
	return status, nil
}

// buildArgs constructs the CLI arguments for one decode pass.
func (b *Backend) buildArgs(audioPath string, dc asr.DecodeConfig) []string {
	var args []string

	switch {
	case b.cfg.ModelPath != "":
		args = append(args, "--model", b.cfg.ModelPath)
	case b.resolveModel(dc) != "":
		args = append(args, "--model", b.resolveModel(dc))
	}
	if b.cfg.Device != "" {
		args = append(args, "--device", b.cfg.Device)
	}
	if b.cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(b.cfg.Threads))
	}

	args = append(args, "--output-json")

	if dc.Language != "" {
		args = append(args, "--language", dc.Language)
	}
	if dc.BeamSize > 0 {
		args = append(args, "--beam_size", strconv.Itoa(dc.BeamSize))
	}
	if dc.BestOf > 0 {
		args = append(args, "--best_of", strconv.Itoa(dc.BestOf))
	}
	if len(dc.Temperatures) > 0 {
		temps := make([]string, len(dc.Temperatures))
		for i, t := range dc.Temperatures {
			temps[i] = formatFloat(t)
		}
		args = append(args, "--temperature", strings.Join(temps, ","))
	}
	if dc.VADFilter {
		args = append(args, "--vad_filter", "True")
		if dc.VADMinSilenceMs > 0 {
			args = append(args, "--vad_min_silence_duration_ms", strconv.Itoa(dc.VADMinSilenceMs))
		}
	}
	if dc.NoSpeechThreshold != 0 {
		args = append(args, "--no_speech_threshold", formatFloat(dc.NoSpeechThreshold))
	}
	if dc.CompressionRatioThreshold != 0 {
		args = append(args, "--compression_ratio_threshold", formatFloat(dc.CompressionRatioThreshold))
	}
	if dc.LogProbThreshold != 0 {
		args = append(args, "--logprob_threshold", formatFloat(dc.LogProbThreshold))
	}
	if !dc.ConditionOnPrevious {
		args = append(args, "--condition_on_previous_text", "False")
	}
	if dc.WordTimestamps {
		args = append(args, "--word_timestamps", "True")
	}

	args = append(args, audioPath)
	return args
}

// resolveModel returns the model name, preferring the decode profile.
func (b *Backend) resolveModel(dc asr.DecodeConfig) string {
	if dc.Model != "" {
		return dc.Model
	}
	return b.cfg.Model
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
