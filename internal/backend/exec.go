package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"sync"

	shellwords "github.com/mattn/go-shellwords"
)

// Default worker invocations. The workers are thin wrappers around the
// Kokoro model runtimes; they read one JSON request on stdin and write
// JSON response lines on stdout.
const (
	defaultTorchCommand = "abgen-worker --runtime torch"
	defaultMLXCommand   = "abgen-worker --runtime mlx"
)

// execRequest is the wire request sent to the worker's stdin.
type execRequest struct {
	Text         string  `json:"text"`
	Voice        string  `json:"voice"`
	Speed        float64 `json:"speed"`
	LangCode     string  `json:"lang_code"`
	SplitPattern string  `json:"split_pattern"`
}

// execResponse is one line of worker output. Samples arrive as
// base64-encoded little-endian float32.
type execResponse struct {
	SamplesBase64 string `json:"samples_base64"`
	SampleRate    int    `json:"sample_rate"`
	Error         string `json:"error"`
	Final         bool   `json:"final"`
}

// execBackend drives a synthesis worker subprocess, one process per
// Generate call so a native crash in the model runtime cannot take the
// pipeline down with it.
type execBackend struct {
	name string
	argv []string
	opts Options

	mu          sync.Mutex
	initialized bool
	sampleRate  int
}

func newExecBackend(name, command string, opts Options) (*execBackend, error) {
	argv, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse %s worker command: %w", name, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%s worker command is empty", name)
	}
	return &execBackend{
		name:       name,
		argv:       argv,
		opts:       opts,
		sampleRate: 24000,
	}, nil
}

func (e *execBackend) Name() string { return e.name }

func (e *execBackend) SampleRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sampleRate
}

// Initialize verifies the worker binary is reachable. Model weights are
// loaded lazily by the worker itself.
func (e *execBackend) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := exec.LookPath(e.argv[0]); err != nil {
		return fmt.Errorf("locate %s worker: %w", e.name, err)
	}
	e.initialized = true
	return nil
}

func (e *execBackend) Generate(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return nil, ErrNotInitialized
	}

	req := execRequest{
		Text:         text,
		Voice:        e.opts.Voice,
		Speed:        e.opts.Speed,
		LangCode:     e.opts.LangCode,
		SplitPattern: e.opts.SplitPattern,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode worker request: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	// Stdin is wired before Start so the worker never races the write.
	cmd.Stdin = bytes.NewReader(append(payload, '\n'))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s worker: %w", e.name, err)
	}

	var parts [][]float32
	total := 0
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		var resp execResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, fmt.Errorf("%w: malformed worker response: %v", ErrGenerationFailed, err)
		}
		if resp.Error != "" {
			_ = cmd.Wait()
			return nil, fmt.Errorf("%w: %s", ErrGenerationFailed, resp.Error)
		}
		if resp.SampleRate > 0 {
			e.sampleRate = resp.SampleRate
		}
		if resp.SamplesBase64 != "" {
			samples, err := decodeFloat32(resp.SamplesBase64)
			if err != nil {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
			}
			parts = append(parts, samples)
			total += len(samples)
		}
		if resp.Final {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("read worker output: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v\nstderr: %s", ErrGenerationFailed, err, stderr.String())
	}

	out := make([]float32, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

func (e *execBackend) Cleanup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initialized = false
	return nil
}

func decodeFloat32(b64 string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode samples: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("sample payload length %d is not float aligned", len(raw))
	}
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples, nil
}
