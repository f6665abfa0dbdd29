package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgnsrekt/abgen/internal/chunker"
	"github.com/dgnsrekt/abgen/internal/pcm"
)

// rawChunk flows from the inference role to the conversion role.
type rawChunk struct {
	index   int
	samples []float32
	elapsed time.Duration
}

// pcmChunk flows from the conversion role to the assembler.
type pcmChunk struct {
	index   int
	samples []int16
	elapsed time.Duration
}

// runOverlap3 overlaps three stages: an inference goroutine pulling
// chunks in index order, a conversion goroutine turning float output
// into canonical 16-bit samples, and this goroutine feeding the
// streaming encoder. Both channels are bounded, so a slow stage blocks
// its producer rather than buffering unboundedly; that backpressure is
// the only flow control. Both roles process strictly in index order,
// which keeps final byte order equal to chunk index order even though
// their work overlaps in time.
//
// A fatal error in either role cancels the shared context, which tears
// the whole pipeline down. There is no partial-continue.
func (c *Coordinator) runOverlap3(ctx context.Context, chunks []chunker.Chunk, asm *pcm.Assembler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	total := len(chunks)
	rawCh := make(chan rawChunk, c.cfg.PrefetchChunks)
	pcmCh := make(chan pcmChunk, c.cfg.PCMQueueSize)
	errCh := make(chan error, 2)

	var wg sync.WaitGroup
	wg.Add(2)

	// Inference role: the only caller of the backend. Accelerated
	// backends serialize device access internally, so a second caller
	// would add contention without parallelism.
	go func() {
		defer wg.Done()
		defer close(rawCh)
		for _, chunk := range chunks {
			c.events.Worker(0, "INFER", fmt.Sprintf("Chunk %d/%d", chunk.Index+1, total))

			start := time.Now()
			samples, err := c.backend.Generate(ctx, chunk.Text)
			if err != nil {
				errCh <- fmt.Errorf("synthesize chunk %d: %w", chunk.Index, err)
				cancel()
				return
			}
			rc := rawChunk{index: chunk.Index, samples: samples, elapsed: time.Since(start)}

			select {
			case rawCh <- rc:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Conversion role.
	go func() {
		defer wg.Done()
		defer close(pcmCh)
		for rc := range rawCh {
			pc := pcmChunk{
				index:   rc.index,
				samples: pcm.ToInt16(rc.samples),
				elapsed: rc.elapsed,
			}
			select {
			case pcmCh <- pc:
			case <-ctx.Done():
				return
			}
		}
	}()

	processed := 0
	var runErr error

drain:
	for {
		select {
		case pc, ok := <-pcmCh:
			if !ok {
				break drain
			}
			if err := asm.Append(pc.index, pc.samples); err != nil {
				runErr = err
				cancel()
				break drain
			}
			c.events.Worker(0, "ENCODE", fmt.Sprintf("Chunk %d/%d", pc.index+1, total))
			c.events.Timing(pc.index, pc.elapsed)
			processed++
			c.events.Progress(processed, total)
		case err := <-errCh:
			runErr = err
			cancel()
			break drain
		}
	}

	wg.Wait()

	if runErr == nil {
		// A role may have failed right as the channel drained.
		select {
		case runErr = <-errCh:
		default:
			runErr = ctx.Err()
		}
	}
	return runErr
}
