// Package pipeline drives chunks through the synthesis backend under
// one of two scheduling strategies and hands ordered audio to the
// assembler.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/abgen/internal/backend"
	"github.com/dgnsrekt/abgen/internal/checkpoint"
	"github.com/dgnsrekt/abgen/internal/chunker"
	"github.com/dgnsrekt/abgen/internal/events"
	"github.com/dgnsrekt/abgen/internal/pcm"
)

// Mode selects the scheduling strategy. Chosen before any chunk is
// processed and never mixed within a run.
type Mode string

const (
	// ModeSequential is the single-threaded synthesize-convert-persist
	// loop. Mandatory whenever checkpointing is enabled or the output
	// format needs full-file post-processing.
	ModeSequential Mode = "sequential"

	// ModeOverlap3 overlaps inference and conversion in two goroutines
	// feeding a streaming encoder. MP3-without-checkpoint only.
	ModeOverlap3 Mode = "overlap3"
)

// ParseMode validates a pipeline mode flag value.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSequential, ModeOverlap3:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown pipeline mode %q", s)
}

// DefaultMode picks the mode when the user did not: overlap3 only where
// it is legal and the accelerated backend makes prefetch worthwhile.
func DefaultMode(format string, checkpointing bool, backendName string) Mode {
	if format == "mp3" && !checkpointing && backendName == "mlx" {
		return ModeOverlap3
	}
	return ModeSequential
}

// DefaultHeartbeatInterval is the liveness signal period.
const DefaultHeartbeatInterval = 5 * time.Second

// Config carries the per-run coordinator settings.
type Config struct {
	Mode              Mode
	Format            string
	Resume            bool
	PrefetchChunks    int // overlap3 inference-to-conversion queue depth
	PCMQueueSize      int // overlap3 conversion-to-exporter queue depth
	HeartbeatInterval time.Duration
}

// Coordinator runs the chunk schedule against one backend handle. The
// checkpoint store is nil when checkpointing is disabled.
type Coordinator struct {
	backend backend.Backend
	store   *checkpoint.Store
	events  *events.Emitter
	logger  *log.Logger
	cfg     Config
}

// New creates a coordinator. The backend handle is explicit; there is
// no process-wide backend state.
func New(b backend.Backend, store *checkpoint.Store, em *events.Emitter, logger *log.Logger, cfg Config) *Coordinator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PrefetchChunks < 1 {
		cfg.PrefetchChunks = 2
	}
	if cfg.PCMQueueSize < 1 {
		cfg.PCMQueueSize = 4
	}
	return &Coordinator{
		backend: b,
		store:   store,
		events:  em,
		logger:  logger,
		cfg:     cfg,
	}
}

// EffectiveMode applies the overlap3 support rule: requesting it with
// checkpointing on or a non-streamable format downgrades to sequential
// with a warning, never an error.
func (c *Coordinator) EffectiveMode() Mode {
	if c.cfg.Mode != ModeOverlap3 {
		return ModeSequential
	}
	if c.cfg.Format != "mp3" || c.store != nil {
		c.logger.Warn("overlap3 pipeline requires streamable MP3 output without checkpointing; falling back to sequential")
		return ModeSequential
	}
	return ModeOverlap3
}

// Run processes every chunk in index order and writes ordered audio
// through the assembler. On failure all checkpoint state is left
// intact for a future resume.
func (c *Coordinator) Run(ctx context.Context, chunks []chunker.Chunk, asm *pcm.Assembler) error {
	mode := c.EffectiveMode()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		c.heartbeatLoop(hbCtx)
	}()
	defer func() {
		stopHeartbeat()
		hbDone.Wait()
	}()

	if mode == ModeOverlap3 {
		return c.runOverlap3(ctx, chunks, asm)
	}
	return c.runSequential(ctx, chunks, asm)
}

// heartbeatLoop emits liveness signals on a fixed interval, independent
// of chunk completion; a single chunk can legitimately take longer than
// the interval.
func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			c.events.Heartbeat(t)
		}
	}
}
