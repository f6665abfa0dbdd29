// Package backend defines the speech-synthesis capability consumed by
// the pipeline and its fixed set of variants: two exec-based Kokoro
// workers (torch, mlx) and a deterministic mock for tests.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Common errors for backends.
var (
	// ErrNotInitialized is returned when Generate runs before Initialize.
	ErrNotInitialized = errors.New("backend is not initialized")

	// ErrUnknownBackend is returned for backend names outside the fixed set.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrGenerationFailed wraps synthesis failures from the worker.
	ErrGenerationFailed = errors.New("audio generation failed")
)

// Backend is the synthesis capability: text chunk in, float samples out.
// Implementations are not safe for concurrent Generate calls; the
// pipeline calls Generate from exactly one goroutine.
type Backend interface {
	// Name returns the resolved backend name ("torch", "mlx", "mock").
	Name() string

	// SampleRate returns the output sample rate in Hz.
	SampleRate() int

	// Initialize prepares the backend for Generate calls.
	Initialize(ctx context.Context) error

	// Generate synthesizes one chunk of text into float samples in [-1, 1].
	Generate(ctx context.Context, text string) ([]float32, error)

	// Cleanup releases backend resources.
	Cleanup() error
}

// Options carries the synthesis settings shared by all variants.
type Options struct {
	Voice        string
	Speed        float64
	LangCode     string
	SplitPattern string
}

// WorkerCommands overrides the default worker invocations for the exec
// variants. Empty fields keep the defaults.
type WorkerCommands struct {
	Torch string
	MLX   string
}

// New constructs the named backend variant. The name must already be
// resolved; pass "auto" through Resolve first.
func New(name string, opts Options, workers WorkerCommands) (Backend, error) {
	switch name {
	case "torch":
		cmd := workers.Torch
		if cmd == "" {
			cmd = defaultTorchCommand
		}
		return newExecBackend("torch", cmd, opts)
	case "mlx":
		cmd := workers.MLX
		if cmd == "" {
			cmd = defaultMLXCommand
		}
		return newExecBackend("mlx", cmd, opts)
	case "mock":
		return NewMock(opts), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
}
