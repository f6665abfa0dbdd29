package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dgnsrekt/abgen/internal/chunker"
	"github.com/dgnsrekt/abgen/internal/events"
	"github.com/dgnsrekt/abgen/internal/pcm"
)

// runSequential processes each chunk in index order: reuse a checkpoint
// record if one validates, otherwise synthesize, convert, persist, then
// hand the samples to the assembler. Strict per-chunk completion is
// what makes resume correct, so this loop is mandatory whenever
// checkpointing is on.
func (c *Coordinator) runSequential(ctx context.Context, chunks []chunker.Chunk, asm *pcm.Assembler) error {
	total := len(chunks)
	processed := 0

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}

		reused := false
		if c.store != nil && c.cfg.Resume && c.store.Completed(chunk.Index) {
			samples, ok := c.store.ChunkAudio(chunk.Index)
			if ok {
				if err := asm.Append(chunk.Index, samples); err != nil {
					return err
				}
				c.events.Worker(0, "ENCODE", fmt.Sprintf("Reused checkpoint chunk %d/%d", chunk.Index+1, total))
				c.events.Checkpoint(events.CheckpointReused, chunk.Index)
				reused = true
			} else {
				// State claimed completion but the record is gone or
				// corrupt; drop the claim and regenerate below.
				if err := c.store.DropChunk(chunk.Index); err != nil {
					return err
				}
				c.events.Checkpoint(events.CheckpointMissingAudio, chunk.Index)
			}
		}

		if !reused {
			c.events.Worker(0, "INFER", fmt.Sprintf("Chunk %d/%d", chunk.Index+1, total))

			start := time.Now()
			raw, err := c.backend.Generate(ctx, chunk.Text)
			if err != nil {
				return fmt.Errorf("synthesize chunk %d: %w", chunk.Index, err)
			}
			elapsed := time.Since(start)

			samples := pcm.ToInt16(raw)

			if c.store != nil {
				if err := c.store.RecordChunk(chunk.Index, samples); err != nil {
					return err
				}
				c.events.Checkpoint(events.CheckpointSaved, chunk.Index)
			}

			if err := asm.Append(chunk.Index, samples); err != nil {
				return err
			}
			c.events.Timing(chunk.Index, elapsed)
		}

		processed++
		c.events.Progress(processed, total)
	}

	return nil
}
