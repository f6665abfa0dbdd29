package backend

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

// Mock is a deterministic in-process backend for tests and dry runs.
// Identical text always yields identical samples, which is what makes
// resume-idempotence tests meaningful.
type Mock struct {
	opts  Options
	delay time.Duration

	mu          sync.Mutex
	initialized bool
	calls       int

	// FailAt makes the nth Generate call (1-based) return FailErr.
	FailAt  int
	FailErr error
}

// NewMock creates a mock backend with no artificial delay.
func NewMock(opts Options) *Mock {
	return &Mock{opts: opts}
}

// SetDelay adds a fixed per-chunk synthesis delay.
func (m *Mock) SetDelay(d time.Duration) { m.delay = d }

// Calls returns how many Generate calls have been made.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Mock) Name() string    { return "mock" }
func (m *Mock) SampleRate() int { return 24000 }

func (m *Mock) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	return nil
}

func (m *Mock) Generate(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return nil, ErrNotInitialized
	}
	m.calls++
	fail := m.FailAt > 0 && m.calls >= m.FailAt
	m.mu.Unlock()

	if fail {
		if m.FailErr != nil {
			return nil, m.FailErr
		}
		return nil, ErrGenerationFailed
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Ten samples per input character, values seeded from the text so
	// different chunks produce distinguishable audio.
	h := fnv.New32a()
	h.Write([]byte(text)) //nolint:errcheck
	seed := h.Sum32()

	n := len(text) * 10
	if n == 0 {
		n = 10
	}
	samples := make([]float32, n)
	phase := float64(seed%997) / 997.0
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*(phase+float64(i)/50.0)))
	}
	return samples, nil
}

func (m *Mock) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	return nil
}
