package localwhisper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/tiroq/diarscribe/internal/asr"
)

// writeFakeScript creates an executable shell script in dir.
func writeFakeScript(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("failed to write fake script: %v", err)
	}
	return path
}

func writeInput(t *testing.T, dir string) string {
	t.Helper()
	inputFile := filepath.Join(dir, "test.wav")
	if err := os.WriteFile(inputFile, []byte("fake audio"), 0644); err != nil {
		t.Fatal(err)
	}
	return inputFile
}

func skipOnWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
}

func TestName(t *testing.T) {
	if got := NewBackend(Config{}).Name(); got != "local_whisper" {
		t.Errorf("expected name %q, got %q", "local_whisper", got)
	}
}

func TestTranscribe_Success(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()

	jsonOutput := `{"segments": [` +
		`{"start": 0.0, "end": 5.2, "text": "Hello world", "words": [{"word": "Hello", "start": 0.0, "end": 0.5, "probability": 0.9}, {"word": "world", "start": null, "end": null, "probability": null}]},` +
		`{"start": 5.2, "end": 10.0, "text": "Second segment"}], "language": "en"}`
	binPath := writeFakeScript(t, dir, "whisper", "#!/bin/sh\necho '"+jsonOutput+"'\n")

	b := NewBackend(Config{BinaryPath: binPath, Model: "small", TimeoutSeconds: 10})
	transcript, err := b.Transcribe(context.Background(), writeInput(t, dir), asr.DecodeConfig{Language: "en"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if transcript.Backend != "local_whisper" || transcript.Language != "en" || transcript.Model != "small" {
		t.Errorf("unexpected transcript header: %+v", transcript)
	}
	if len(transcript.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(transcript.Segments))
	}
	seg := transcript.Segments[0]
	if seg.Text != "Hello world" || seg.Start != 0 || seg.End != 5.2 {
		t.Errorf("unexpected segment: %+v", seg)
	}
	if len(seg.Words) != 2 || seg.Words[1].Start != nil {
		t.Errorf("unexpected words: %+v", seg.Words)
	}
	// No duration in the output: last segment end.
	if transcript.Duration != 10.0 {
		t.Errorf("expected duration 10, got %v", transcript.Duration)
	}
}

func TestTranscribe_ReportedDuration(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	binPath := writeFakeScript(t, dir, "whisper", "#!/bin/sh\necho '{\"segments\": [{\"start\": 0, \"end\": 2, \"text\": \"hi\"}], \"duration\": 61.5}'\n")

	transcript, err := NewBackend(Config{BinaryPath: binPath}).Transcribe(context.Background(), writeInput(t, dir), asr.DecodeConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transcript.Duration != 61.5 {
		t.Errorf("expected reported duration 61.5, got %v", transcript.Duration)
	}
}

func TestTranscribe_BinaryNotFound(t *testing.T) {
	b := NewBackend(Config{BinaryPath: "/nonexistent/whisper-binary", TimeoutSeconds: 5})

	_, err := b.Transcribe(context.Background(), "/some/file.wav", asr.DecodeConfig{})
	if err == nil || !strings.Contains(err.Error(), "binary not found") {
		t.Fatalf("expected 'binary not found' error, got: %v", err)
	}
}

func TestTranscribe_SubprocessFailure(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	binPath := writeFakeScript(t, dir, "whisper", "#!/bin/sh\necho 'model download failed' >&2\nexit 3\n")

	_, err := NewBackend(Config{BinaryPath: binPath}).Transcribe(context.Background(), writeInput(t, dir), asr.DecodeConfig{})
	if err == nil || !strings.Contains(err.Error(), "model download failed") {
		t.Fatalf("expected stderr in error, got: %v", err)
	}
}

func TestTranscribe_Timeout(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	binPath := writeFakeScript(t, dir, "whisper-slow", "#!/bin/sh\nsleep 30\n")

	b := NewBackend(Config{BinaryPath: binPath, TimeoutSeconds: 1})

	start := time.Now()
	_, err := b.Transcribe(context.Background(), writeInput(t, dir), asr.DecodeConfig{})
	elapsed := time.Since(start)

	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected 'timed out' error, got: %v", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("timeout took too long: %v (expected ~1s)", elapsed)
	}
}

func TestTranscribe_ContextCanceled(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	binPath := writeFakeScript(t, dir, "whisper-slow", "#!/bin/sh\nsleep 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	_, err := NewBackend(Config{BinaryPath: binPath, TimeoutSeconds: 60}).Transcribe(ctx, writeInput(t, dir), asr.DecodeConfig{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
}

func TestTranscribe_ProfileModelOverridesConfig(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	binPath := writeFakeScript(t, dir, "whisper", "#!/bin/sh\necho '{\"segments\": [], \"language\": \"en\"}'\n")

	b := NewBackend(Config{BinaryPath: binPath, Model: "base", TimeoutSeconds: 10})
	transcript, err := b.Transcribe(context.Background(), writeInput(t, dir), asr.DecodeConfig{Model: "large-v3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transcript.Model != "large-v3" {
		t.Errorf("expected profile model to override config, got %q", transcript.Model)
	}
}

func TestHealthCheck_BinaryExists(t *testing.T) {
	status, err := NewBackend(Config{BinaryPath: "/bin/echo"}).HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.OK {
		t.Errorf("expected OK=true, message: %s", status.Message)
	}
	if status.Backend != "local_whisper" {
		t.Errorf("expected backend %q, got %q", "local_whisper", status.Backend)
	}
	if status.Latency <= 0 {
		t.Errorf("expected positive latency, got %v", status.Latency)
	}
}

func TestHealthCheck_MissingBinary(t *testing.T) {
	status, err := NewBackend(Config{BinaryPath: "/nonexistent/whisper"}).HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("unexpected error from HealthCheck: %v", err)
	}
	if status.OK || !strings.Contains(status.Message, "binary not found") {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestHealthCheck_MissingModel(t *testing.T) {
	status, err := NewBackend(Config{BinaryPath: "/bin/echo", ModelPath: "/nonexistent/model"}).HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("unexpected error from HealthCheck: %v", err)
	}
	if status.OK || !strings.Contains(status.Message, "model not found") {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestHealthCheck_NotExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-exec")
	if err := os.WriteFile(path, []byte("not a binary"), 0644); err != nil {
		t.Fatal(err)
	}

	status, err := NewBackend(Config{BinaryPath: path}).HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.OK || !strings.Contains(status.Message, "not executable") {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestDefaultTimeout(t *testing.T) {
	if got := NewBackend(Config{}).cfg.TimeoutSeconds; got != 1800 {
		t.Errorf("expected default timeout 1800, got %d", got)
	}
}

func TestBuildArgs(t *testing.T) {
	b := NewBackend(Config{ModelPath: "/models/small", Device: "cuda", Threads: 4})

	args := b.buildArgs("/tmp/audio.wav", asr.DecodeConfig{
		Language:                  "de",
		BeamSize:                  5,
		BestOf:                    5,
		Temperatures:              []float64{0, 0.2, 0.4},
		VADFilter:                 true,
		VADMinSilenceMs:           1000,
		NoSpeechThreshold:         0.75,
		CompressionRatioThreshold: 2.6,
		LogProbThreshold:          -1.5,
		ConditionOnPrevious:       true,
		WordTimestamps:            true,
	})

	expected := []string{
		"--model", "/models/small",
		"--device", "cuda",
		"--threads", "4",
		"--output-json",
		"--language", "de",
		"--beam_size", "5",
		"--best_of", "5",
		"--temperature", "0,0.2,0.4",
		"--vad_filter", "True",
		"--vad_min_silence_duration_ms", "1000",
		"--no_speech_threshold", "0.75",
		"--compression_ratio_threshold", "2.6",
		"--logprob_threshold", "-1.5",
		"--word_timestamps", "True",
		"/tmp/audio.wav",
	}
	assertArgs(t, args, expected)
}

func TestBuildArgs_Minimal(t *testing.T) {
	args := NewBackend(Config{}).buildArgs("/tmp/audio.wav", asr.DecodeConfig{ConditionOnPrevious: true})
	assertArgs(t, args, []string{"--output-json", "/tmp/audio.wav"})
}

func TestBuildArgs_RecoveryProfile(t *testing.T) {
	args := NewBackend(Config{Model: "small"}).buildArgs("/a.wav", asr.DecodeConfig{ConditionOnPrevious: false})
	assertArgs(t, args, []string{
		"--model", "small",
		"--output-json",
		"--condition_on_previous_text", "False",
		"/a.wav",
	})
}

func assertArgs(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d args, got %d: %v", len(want), len(got), got)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("arg[%d]: expected %q, got %q", i, want[i], got[i])
		}
	}
}
