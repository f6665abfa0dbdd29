package backend

import (
	"context"
	"os/exec"
	"time"

	shellwords "github.com/mattn/go-shellwords"
)

// probeTimeout bounds the MLX runtime probe; a hung probe must not
// stall run startup.
const probeTimeout = 8 * time.Second

// Resolve maps an "auto" backend selection to a concrete variant name.
// It prefers the MLX worker when a short runtime probe of it succeeds,
// otherwise falls back to torch. Any explicit name passes through
// untouched; the result is what gets recorded into checkpoint config,
// so a resume under a differently resolved backend reads as a config
// mismatch.
func Resolve(ctx context.Context, name string, workers WorkerCommands) string {
	if name != "auto" {
		return name
	}

	cmd := workers.MLX
	if cmd == "" {
		cmd = defaultMLXCommand
	}
	if probeWorker(ctx, cmd) {
		return "mlx"
	}
	return "torch"
}

// probeWorker runs the worker with --probe in a subprocess so a native
// crash in the accelerated runtime cannot terminate this process.
func probeWorker(ctx context.Context, command string) bool {
	argv, err := shellwords.NewParser().Parse(command)
	if err != nil || len(argv) == 0 {
		return false
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	probe := exec.CommandContext(ctx, argv[0], append(argv[1:], "--probe")...)
	return probe.Run() == nil
}
