package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/tiroq/diarscribe/internal/asr"
	"github.com/tiroq/diarscribe/internal/diarize"
)

// FakeBackend is an asr.Backend that replays one scripted transcript per
// decode pass, keyed by the DecodeConfig name ("pass1", "pass2", ...).
type FakeBackend struct {
	BackendName string
	Transcripts map[string]*asr.Transcript
	Errors      map[string]error

	// Health, when set, replaces the default healthy status; HealthErr
	// makes HealthCheck fail outright.
	Health    *asr.HealthStatus
	HealthErr error

	mu    sync.Mutex
	calls []asr.DecodeConfig
}

// NewFakeBackend returns a FakeBackend named "fake".
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		BackendName: "fake",
		Transcripts: make(map[string]*asr.Transcript),
		Errors:      make(map[string]error),
	}
}

// On scripts the transcript returned for pass.
func (f *FakeBackend) On(pass string, t *asr.Transcript) *FakeBackend {
	f.Transcripts[pass] = t
	return f
}

// Fail scripts the error returned for pass.
func (f *FakeBackend) Fail(pass string, err error) *FakeBackend {
	f.Errors[pass] = err
	return f
}

func (f *FakeBackend) Name() string { return f.BackendName }

func (f *FakeBackend) Transcribe(ctx context.Context, audioPath string, cfg asr.DecodeConfig) (*asr.Transcript, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cfg)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := f.Errors[cfg.Name]; ok {
		return nil, err
	}
	t, ok := f.Transcripts[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("fake backend: no transcript scripted for %q", cfg.Name)
	}
	cp := *t
	cp.Segments = append([]asr.Segment(nil), t.Segments...)
	return &cp, nil
}

func (f *FakeBackend) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	if f.HealthErr != nil {
		return nil, f.HealthErr
	}
	if f.Health != nil {
		return f.Health, nil
	}
	return &asr.HealthStatus{OK: true, Backend: f.BackendName, Message: "fake"}, nil
}

// Passes returns the decode profile names in call order.
func (f *FakeBackend) Passes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Name
	}
	return out
}

// Calls returns every DecodeConfig the backend received.
func (f *FakeBackend) Calls() []asr.DecodeConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]asr.DecodeConfig(nil), f.calls...)
}

// FakeDiarizer is a diarize.Provider returning fixed tracks or an error.
type FakeDiarizer struct {
	Tracks []diarize.Track
	Err    error

	mu        sync.Mutex
	lastHints diarize.Hints
	calls     int
}

func (f *FakeDiarizer) Name() string { return "fake-diarizer" }

func (f *FakeDiarizer) Diarize(ctx context.Context, audioPath string, hints diarize.Hints) ([]diarize.Track, error) {
	f.mu.Lock()
	f.calls++
	f.lastHints = hints
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]diarize.Track(nil), f.Tracks...), nil
}

// Calls returns how many times Diarize ran.
func (f *FakeDiarizer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// LastHints returns the hints of the most recent call.
func (f *FakeDiarizer) LastHints() diarize.Hints {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastHints
}

// Words builds timed words from "text@start-end" triples, e.g.
// Words("hello@0-1", "there@1-2"). A bare word has no timing.
func Words(triples ...string) []asr.Word {
	words := make([]asr.Word, 0, len(triples))
	for _, s := range triples {
		text, timing, ok := strings.Cut(s, "@")
		if !ok {
			words = append(words, asr.Word{Text: text})
			continue
		}
		from, to, _ := strings.Cut(timing, "-")
		start, err1 := strconv.ParseFloat(from, 64)
		end, err2 := strconv.ParseFloat(to, 64)
		if err1 != nil || err2 != nil {
			panic(fmt.Sprintf("testutil.Words: bad word %q", s))
		}
		words = append(words, asr.Word{Text: text, Start: asr.Float(start), End: asr.Float(end)})
	}
	return words
}

// TranscriptWithCoverage builds a transcript of duration seconds whose
// single segment covers the first coverage fraction and holds chars runes.
func TranscriptWithCoverage(duration, coverage float64, chars int) *asr.Transcript {
	end := duration * coverage
	return &asr.Transcript{
		Duration: duration,
		Segments: []asr.Segment{{Start: 0, End: end, Text: strings.Repeat("a", chars)}},
	}
}

// DiagEvents returns the event names recorded in an NDJSON diagnostic log,
// in file order.
func DiagEvents(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read diag log: %v", err)
	}
	var events []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("diag line %q: %v", line, err)
		}
		events = append(events, entry.Event)
	}
	return events
}
