package asr

import (
	"context"
	"errors"
	"testing"
)

// mockBackend is a test double for the Backend interface.
type mockBackend struct {
	name       string
	transcript *Transcript
	err        error
}

func (m *mockBackend) Name() string { return m.name }
func (m *mockBackend) Transcribe(ctx context.Context, audioPath string, cfg DecodeConfig) (*Transcript, error) {
	return m.transcript, m.err
}
func (m *mockBackend) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return &HealthStatus{OK: true, Backend: m.name}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	b := &mockBackend{name: "test"}

	r.Register("test", b)

	got, ok := r.Get("test")
	if !ok {
		t.Fatal("expected Get to return true for registered backend")
	}
	if got.Name() != "test" {
		t.Errorf("expected name %q, got %q", "test", got.Name())
	}

	_, ok = r.Get("missing")
	if ok {
		t.Fatal("expected Get to return false for unregistered backend")
	}
}

func TestRegistryPrimary(t *testing.T) {
	r := NewRegistry()
	r.Register("first", &mockBackend{name: "first"})
	r.Register("second", &mockBackend{name: "second"})

	primary, err := r.Primary()
	if err != nil {
		t.Fatalf("Primary: %v", err)
	}
	if primary.Name() != "first" {
		t.Errorf("expected first registered backend as primary, got %q", primary.Name())
	}
}

func TestRegistrySetPrimary(t *testing.T) {
	r := NewRegistry()
	r.Register("first", &mockBackend{name: "first"})
	r.Register("second", &mockBackend{name: "second"})

	if err := r.SetPrimary("second"); err != nil {
		t.Fatalf("SetPrimary: %v", err)
	}
	primary, err := r.Primary()
	if err != nil {
		t.Fatalf("Primary: %v", err)
	}
	if primary.Name() != "second" {
		t.Errorf("expected primary %q, got %q", "second", primary.Name())
	}
}

func TestRegistrySetPrimaryUnknown(t *testing.T) {
	r := NewRegistry()
	r.Register("first", &mockBackend{name: "first"})

	err := r.SetPrimary("nope")
	if !errors.Is(err, ErrNoBackend) {
		t.Fatalf("expected ErrNoBackend, got %v", err)
	}
}

func TestRegistryEmptyPrimary(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Primary(); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("expected ErrNoBackend, got %v", err)
	}
}

func TestRegistryBackendsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register("zeta", &mockBackend{name: "zeta"})
	r.Register("alpha", &mockBackend{name: "alpha"})

	names := r.Backends()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("unexpected backends: %v", names)
	}
}

func TestSegmentDuration(t *testing.T) {
	if d := (Segment{Start: 2, End: 1}).Duration(); d != 0 {
		t.Errorf("degenerate segment duration = %v, want 0", d)
	}
	if d := (Segment{Start: 1, End: 3.5}).Duration(); d != 2.5 {
		t.Errorf("duration = %v, want 2.5", d)
	}
}
