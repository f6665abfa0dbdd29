package pcm

import (
	"fmt"
)

// SampleSink receives canonical 16-bit samples in final audio order.
// Both the streaming encoder pipe and the spool file implement it.
type SampleSink interface {
	WriteSamples(samples []int16) error
}

// ChapterStart marks the first chunk index of a chapter.
type ChapterStart struct {
	Chunk int
	Title string
}

// ChapterSpan is a chapter's resolved position in the final audio.
type ChapterSpan struct {
	Title       string
	StartSample int64
	EndSample   int64
}

// Assembler forwards chunk audio to a sink while tracking the sample
// cursor and chapter start offsets. Chunks must arrive in strictly
// increasing index order regardless of when they were synthesized.
type Assembler struct {
	sink      SampleSink
	starts    []ChapterStart
	offsets   []int64 // start sample per chapter, parallel to starts
	cursor    int64
	lastIndex int
}

// NewAssembler creates an assembler writing to sink, with chapter starts
// from the chunk plan.
func NewAssembler(sink SampleSink, starts []ChapterStart) *Assembler {
	return &Assembler{
		sink:      sink,
		starts:    starts,
		offsets:   make([]int64, len(starts)),
		lastIndex: -1,
	}
}

// Append writes one chunk's samples. Out-of-order appends are a
// programming error in the coordinator and are rejected.
func (a *Assembler) Append(chunkIndex int, samples []int16) error {
	if chunkIndex <= a.lastIndex {
		return fmt.Errorf("chunk %d assembled out of order (last was %d)", chunkIndex, a.lastIndex)
	}
	a.lastIndex = chunkIndex

	for i, cs := range a.starts {
		if cs.Chunk == chunkIndex {
			a.offsets[i] = a.cursor
		}
	}

	if err := a.sink.WriteSamples(samples); err != nil {
		return err
	}
	a.cursor += int64(len(samples))
	return nil
}

// TotalSamples returns the number of samples emitted so far.
func (a *Assembler) TotalSamples() int64 {
	return a.cursor
}

// Chapters resolves chapter spans. A chapter ends where the next one
// starts; the last one ends at the total sample count.
func (a *Assembler) Chapters() []ChapterSpan {
	spans := make([]ChapterSpan, len(a.starts))
	for i, cs := range a.starts {
		title := cs.Title
		if title == "" {
			title = fmt.Sprintf("Chapter %d", i+1)
		}
		end := a.cursor
		if i+1 < len(a.offsets) {
			end = a.offsets[i+1]
		}
		spans[i] = ChapterSpan{
			Title:       title,
			StartSample: a.offsets[i],
			EndSample:   end,
		}
	}
	return spans
}
