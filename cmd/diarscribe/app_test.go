package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tiroq/diarscribe/internal/asr"
	"github.com/tiroq/diarscribe/internal/config"
	"github.com/tiroq/diarscribe/internal/diaglog"
	"github.com/tiroq/diarscribe/internal/diarize"
	"github.com/tiroq/diarscribe/internal/fileutil"
	"github.com/tiroq/diarscribe/internal/logger"
	"github.com/tiroq/diarscribe/testutil"
)

func newTestApp(t *testing.T, backend asr.Backend, provider diarize.Provider) *app {
	t.Helper()
	c := config.Default()
	c.Output.Formats = []string{"txt", "json"}
	a := &app{cfg: c, log: logger.NewNop(), diag: diaglog.NewNoOp(), backend: backend, provider: provider}
	if err := a.initEngine(); err != nil {
		t.Fatalf("initEngine: %v", err)
	}
	return a
}

func writeAudio(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("RIFF....WAVE"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func twoSpeakerTranscript() *asr.Transcript {
	return &asr.Transcript{Duration: 4, Language: "en", Model: "small", Segments: []asr.Segment{{
		Start: 0, End: 4, Text: "hello there friend",
		Words: testutil.Words("hello@0-1", "there@1-2", "friend@2-4"),
	}}}
}

func TestProcessWritesTranscriptsAndMetadata(t *testing.T) {
	audio := writeAudio(t, t.TempDir(), "call.wav")
	outDir := t.TempDir()
	backend := testutil.NewFakeBackend().On("pass1", twoSpeakerTranscript())
	diarizer := &testutil.FakeDiarizer{Tracks: []diarize.Track{
		{Start: 0, End: 2.5, Speaker: "SPEAKER_00"},
		{Start: 2.5, End: 4, Speaker: "SPEAKER_01"},
	}}

	meta, err := newTestApp(t, backend, diarizer).process(context.Background(), audio, outDir)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(meta.Outputs) != 2 {
		t.Fatalf("outputs = %v", meta.Outputs)
	}

	txt, err := os.ReadFile(filepath.Join(outDir, "call.txt"))
	if err != nil {
		t.Fatal(err)
	}
	want := "[00:00:00] SPEAKER_00: hello there\n[00:00:02] SPEAKER_01: friend\n"
	if string(txt) != want {
		t.Errorf("txt = %q, want %q", txt, want)
	}

	data, err := os.ReadFile(filepath.Join(outDir, "call.meta.json"))
	if err != nil {
		t.Fatal(err)
	}
	var got fileutil.RunMetadata
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if !got.Success || got.RunID == "" || got.ASR == nil || got.ASR.Chosen != "pass1" {
		t.Errorf("unexpected metadata: %s", data)
	}
	if got.Diarization == nil || got.Diarization.Provider != "fake-diarizer" || got.Diarization.Turns != 2 {
		t.Errorf("diarization metadata: %+v", got.Diarization)
	}
}

func TestProcessRecordsFailure(t *testing.T) {
	audio := writeAudio(t, t.TempDir(), "call.wav")
	outDir := t.TempDir()
	boom := errors.New("backend exploded")
	backend := testutil.NewFakeBackend().Fail("pass1", boom)

	_, err := newTestApp(t, backend, diarize.None{}).process(context.Background(), audio, outDir)
	if !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}

	data, err := os.ReadFile(filepath.Join(outDir, "call.meta.json"))
	if err != nil {
		t.Fatalf("metadata should be written for failed runs: %v", err)
	}
	var got fileutil.RunMetadata
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Success || !strings.Contains(got.Error, "backend exploded") {
		t.Errorf("unexpected metadata: %s", data)
	}
	if _, err := os.Stat(filepath.Join(outDir, "call.txt")); !os.IsNotExist(err) {
		t.Error("no transcript should be written for a failed run")
	}
}

func TestNewAppSelectsBackendAndProvider(t *testing.T) {
	tests := []struct {
		backend, provider string
		wantBackend       string
		wantProvider      string
	}{
		{config.BackendRemoteWhisper, config.ProviderNone, "remote_whisper_api", "none"},
		{config.BackendLocalWhisper, config.ProviderSidecar, "local_whisper", "sidecar"},
		{config.BackendGoogleSTT, config.ProviderGoogleSTT, "google_stt", "google_stt"},
	}
	for _, tt := range tests {
		t.Run(tt.backend+"/"+tt.provider, func(t *testing.T) {
			c := config.Default()
			c.ASR.Backend = tt.backend
			c.Diarization.Provider = tt.provider

			a, err := newApp(c, logger.NewNop(), diaglog.NewNoOp())
			if err != nil {
				t.Fatalf("newApp: %v", err)
			}
			defer a.Close()

			if a.provider.Name() != tt.wantProvider {
				t.Errorf("provider = %q, want %q", a.provider.Name(), tt.wantProvider)
			}
			if !strings.HasPrefix(a.backend.Name(), tt.wantBackend) {
				t.Errorf("backend = %q, want %q", a.backend.Name(), tt.wantBackend)
			}
			if got := len(a.registry.Backends()); got != 3 {
				t.Errorf("registered backends = %d, want 3", got)
			}
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	c := config.Default()
	err := transcribeCmd.Flags().Parse([]string{
		"--backend", "local_whisper",
		"--language", "de",
		"--num-speakers", "3",
		"--format", "srt,vtt",
		"--diarization-optional",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := applyOverrides(transcribeCmd, c); err != nil {
		t.Fatalf("applyOverrides: %v", err)
	}
	if c.ASR.Backend != config.BackendLocalWhisper {
		t.Errorf("backend = %q", c.ASR.Backend)
	}
	for _, p := range []asr.DecodeConfig{c.Decode.Strict, c.Decode.Relaxed, c.Decode.Recovery} {
		if p.Language != "de" {
			t.Errorf("profile %s language = %q", p.Name, p.Language)
		}
	}
	if c.Diarization.Hints.NumSpeakers != 3 || !c.Diarization.Optional {
		t.Errorf("diarization = %+v", c.Diarization)
	}
	if strings.Join(c.Output.Formats, ",") != "srt,vtt" {
		t.Errorf("formats = %v", c.Output.Formats)
	}
	if c.Diarization.Hints.MinSpeakers != 0 {
		t.Error("unchanged flags must not override config")
	}
}
