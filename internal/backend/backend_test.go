package backend

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func TestNewKnownVariants(t *testing.T) {
	cases := []struct {
		name string
	}{
		{"torch"},
		{"mlx"},
		{"mock"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := New(tc.name, Options{Voice: "af_heart", Speed: 1.0}, WorkerCommands{})
			if err != nil {
				t.Fatalf("New(%q) failed: %v", tc.name, err)
			}
			if b.Name() != tc.name {
				t.Errorf("Name() = %q, want %q", b.Name(), tc.name)
			}
		})
	}
}

func TestNewUnknownVariant(t *testing.T) {
	for _, name := range []string{"", "auto", "cuda"} {
		if _, err := New(name, Options{}, WorkerCommands{}); !errors.Is(err, ErrUnknownBackend) {
			t.Errorf("New(%q): expected ErrUnknownBackend, got %v", name, err)
		}
	}
}

func TestNewRejectsBadWorkerCommand(t *testing.T) {
	if _, err := New("torch", Options{}, WorkerCommands{Torch: `unterminated "quote`}); err == nil {
		t.Error("expected parse error for malformed worker command")
	}
	if _, err := New("mlx", Options{}, WorkerCommands{MLX: "   "}); err == nil {
		t.Error("expected error for empty worker command")
	}
}

func TestMockRequiresInitialize(t *testing.T) {
	m := NewMock(Options{})
	if _, err := m.Generate(context.Background(), "hello"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

func TestMockDeterministic(t *testing.T) {
	m := NewMock(Options{})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	first, err := m.Generate(context.Background(), "the same text")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	second, err := m.Generate(context.Background(), "the same text")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("identical text produced different samples")
		}
	}

	other, err := m.Generate(context.Background(), "different text!")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	same := len(other) == len(first)
	if same {
		for i := range first {
			if other[i] != first[i] {
				same = false
				break
			}
		}
	}
	if same {
		t.Error("different text produced identical samples")
	}
}

func TestMockSampleCount(t *testing.T) {
	m := NewMock(Options{})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := m.Generate(context.Background(), "12345")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 50 {
		t.Errorf("expected 50 samples for 5 chars, got %d", len(got))
	}

	empty, err := m.Generate(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 10 {
		t.Errorf("expected minimum 10 samples, got %d", len(empty))
	}
}

func TestMockSamplesInRange(t *testing.T) {
	m := NewMock(Options{})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	samples, err := m.Generate(context.Background(), "amplitude check")
	if err != nil {
		t.Fatal(err)
	}
	for i, s := range samples {
		if s < -1.0 || s > 1.0 {
			t.Fatalf("sample %d out of range: %v", i, s)
		}
	}
}

func TestMockFailAt(t *testing.T) {
	m := NewMock(Options{})
	m.FailAt = 3
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 2; i++ {
		if _, err := m.Generate(context.Background(), "ok"); err != nil {
			t.Fatalf("call %d failed early: %v", i, err)
		}
	}
	if _, err := m.Generate(context.Background(), "ok"); !errors.Is(err, ErrGenerationFailed) {
		t.Errorf("expected ErrGenerationFailed on third call, got %v", err)
	}
	if m.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", m.Calls())
	}
}

func TestResolveExplicitNamesPassThrough(t *testing.T) {
	for _, name := range []string{"torch", "mlx", "mock"} {
		if got := Resolve(context.Background(), name, WorkerCommands{}); got != name {
			t.Errorf("Resolve(%q) = %q", name, got)
		}
	}
}

func TestResolveAutoWithoutWorkerFallsBackToTorch(t *testing.T) {
	// The probe binary does not exist in the test environment, so auto
	// must resolve to the torch fallback.
	workers := WorkerCommands{MLX: "abgen-test-no-such-worker-binary"}
	if got := Resolve(context.Background(), "auto", workers); got != "torch" {
		t.Errorf("Resolve(auto) = %q, want torch", got)
	}
}

func TestDecodeFloat32(t *testing.T) {
	want := []float32{0, 1.0, -0.25}
	raw := make([]byte, len(want)*4)
	for i, f := range want {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(f))
	}

	got, err := decodeFloat32(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("decodeFloat32 failed: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDecodeFloat32Rejects(t *testing.T) {
	if _, err := decodeFloat32("not base64!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := decodeFloat32(base64.StdEncoding.EncodeToString([]byte{1, 2, 3})); err == nil {
		t.Error("expected error for unaligned payload")
	}
}
