package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/tiroq/diarscribe/internal/asr"
	"github.com/tiroq/diarscribe/internal/decode"
	"github.com/tiroq/diarscribe/internal/diaglog"
	"github.com/tiroq/diarscribe/internal/diarize"
	"github.com/tiroq/diarscribe/testutil"
)

func newTestEngine(t *testing.T, mutate func(*Options)) *Engine {
	t.Helper()
	opts := Options{Reconcile: DefaultConfig(), Decode: decode.DefaultConfig()}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

// shortTranscript is below the retry gate, so only pass1 ever runs.
func shortTranscript() *asr.Transcript {
	return &asr.Transcript{Duration: 4, Segments: scenarioOneSegments()}
}

func scenarioOneTracks() []diarize.Track {
	return []diarize.Track{
		{Start: 2.5, End: 4, TrackID: "t2", Speaker: "S2"},
		{Start: 0, End: 2.5, TrackID: "t1", Speaker: "S1"},
	}
}

func TestEngineRun(t *testing.T) {
	backend := testutil.NewFakeBackend().On(string(decode.Pass1), shortTranscript())
	diarizer := &testutil.FakeDiarizer{Tracks: scenarioOneTracks()}
	hints := diarize.Hints{MinSpeakers: 2, MaxSpeakers: 3}
	e := newTestEngine(t, func(o *Options) { o.Hints = hints })

	res, err := e.Run(context.Background(), "meeting.wav", backend, diarizer)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := uuid.Parse(res.RunID); err != nil {
		t.Errorf("run id %q is not a uuid: %v", res.RunID, err)
	}
	want := []Span{
		{Speaker: "S1", Start: 0, End: 2, Text: "hello there"},
		{Speaker: "S2", Start: 2, End: 4, Text: "friend"},
	}
	if !reflect.DeepEqual(res.Spans, want) {
		t.Errorf("spans = %+v, want %+v", res.Spans, want)
	}
	testutil.AssertNotNil(t, res.Decode, "decode outcome")
	if res.Decode.Best.Name != decode.Pass1 || len(res.Decode.Candidates) != 1 {
		t.Errorf("unexpected decode outcome: %+v", res.Decode)
	}
	testutil.AssertEqual(t, 2, res.Turns, "turns")
	testutil.AssertFalse(t, res.DiarizationFailed, "diarization failed")
	testutil.AssertEqual(t, hints, diarizer.LastHints(), "hints forwarded")
	testutil.AssertEqual(t, []string{"pass1"}, backend.Passes(), "passes")

	again, err := e.Run(context.Background(), "meeting.wav", backend, diarizer)
	testutil.AssertNoError(t, err, "second Run")
	testutil.AssertNotEqual(t, res.RunID, again.RunID, "run ids")
}

func TestEngineRunDiarizationFailureIsFatal(t *testing.T) {
	boom := errors.New("sidecar unreachable")
	backend := testutil.NewFakeBackend().On(string(decode.Pass1), shortTranscript())
	diarizer := &testutil.FakeDiarizer{Err: boom}

	_, err := newTestEngine(t, nil).Run(context.Background(), "a.wav", backend, diarizer)
	if !errors.Is(err, boom) {
		t.Fatalf("expected provider error, got %v", err)
	}
	testutil.AssertStringContains(t, err.Error(), "fake-diarizer", "error names provider")
}

func TestEngineRunOptionalDiarization(t *testing.T) {
	backend := testutil.NewFakeBackend().On(string(decode.Pass1), shortTranscript())
	diarizer := &testutil.FakeDiarizer{Err: errors.New("sidecar unreachable")}
	e := newTestEngine(t, func(o *Options) { o.DiarizationOptional = true })

	res, err := e.Run(context.Background(), "a.wav", backend, diarizer)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.DiarizationFailed || !strings.Contains(res.DiarizationError, "unreachable") {
		t.Errorf("diarization failure not reported: %+v", res)
	}
	want := []Span{{Speaker: UnknownSpeaker, Start: 0, End: 4, Text: "hello there friend"}}
	if !reflect.DeepEqual(res.Spans, want) {
		t.Errorf("spans = %+v, want %+v", res.Spans, want)
	}
}

func TestEngineRunNoneProvider(t *testing.T) {
	backend := testutil.NewFakeBackend().On(string(decode.Pass1), shortTranscript())

	res, err := newTestEngine(t, nil).Run(context.Background(), "a.wav", backend, diarize.None{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, s := range res.Spans {
		if s.Speaker != UnknownSpeaker {
			t.Errorf("expected only %s, got %+v", UnknownSpeaker, s)
		}
	}
	testutil.AssertFalse(t, res.DiarizationFailed, "none provider is not a failure")
}

func TestEngineRunBackendErrorSkipsDiarization(t *testing.T) {
	boom := errors.New("model not loaded")
	backend := testutil.NewFakeBackend().Fail(string(decode.Pass1), boom)
	diarizer := &testutil.FakeDiarizer{Tracks: scenarioOneTracks()}

	_, err := newTestEngine(t, nil).Run(context.Background(), "a.wav", backend, diarizer)
	if !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
	testutil.AssertEqual(t, 0, diarizer.Calls(), "diarizer calls")
}

func TestEngineRunEscalatesBeforeAttribution(t *testing.T) {
	// A long, sparse pass1 triggers pass2; pass2 covers the audio densely.
	dense := &asr.Transcript{Duration: 60, Segments: []asr.Segment{
		{Start: 0, End: 30, Text: strings.Repeat("x", 100)},
		{Start: 30, End: 59, Text: strings.Repeat("y", 100)},
	}}
	backend := testutil.NewFakeBackend().
		On(string(decode.Pass1), testutil.TranscriptWithCoverage(60, 0.2, 20)).
		On(string(decode.Pass2), dense)
	diarizer := &testutil.FakeDiarizer{Tracks: []diarize.Track{{Start: 0, End: 60, Speaker: "S1"}}}

	res, err := newTestEngine(t, nil).Run(context.Background(), "a.wav", backend, diarizer)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	testutil.AssertEqual(t, decode.Pass2, res.Decode.Best.Name, "best pass")
	if len(res.Spans) != 1 || res.Spans[0].Speaker != "S1" || res.Spans[0].End != 59 {
		t.Errorf("unexpected spans: %+v", res.Spans)
	}
	assertTimeline(t, res.Spans)
}

func TestEngineRunDiagEvents(t *testing.T) {
	t.Setenv("DIARSCRIBE_DEBUG", "true")
	path := filepath.Join(t.TempDir(), "diag.ndjson")
	diag, err := diaglog.New(path)
	if err != nil {
		t.Fatalf("diaglog.New: %v", err)
	}
	backend := testutil.NewFakeBackend().On(string(decode.Pass1), shortTranscript())
	diarizer := &testutil.FakeDiarizer{Tracks: scenarioOneTracks()}
	e := newTestEngine(t, func(o *Options) { o.Diag = diag })

	if _, err := e.Run(context.Background(), "a.wav", backend, diarizer); err != nil {
		t.Fatalf("Run: %v", err)
	}
	diag.Close()

	want := []string{
		diaglog.EventRunStart,
		diaglog.EventDecodePass,
		diaglog.EventDecodeSkipped,
		diaglog.EventDecodeSelected,
		diaglog.EventDiarizeDone,
		diaglog.EventRunDone,
	}
	if got := testutil.DiagEvents(t, path); !reflect.DeepEqual(got, want) {
		t.Errorf("diag events = %v, want %v", got, want)
	}
}

func TestNewEngineRejectsInvalidOptions(t *testing.T) {
	cfg := decode.DefaultConfig()
	cfg.MinRetryDuration = -1
	if _, err := NewEngine(Options{Reconcile: DefaultConfig(), Decode: cfg}); err == nil {
		t.Fatal("expected invalid decode config to be rejected")
	}
}

func TestTurnsFromTracks(t *testing.T) {
	got := TurnsFromTracks(scenarioOneTracks())
	want := []Turn{{Start: 2.5, End: 4, Speaker: "S2"}, {Start: 0, End: 2.5, Speaker: "S1"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}
