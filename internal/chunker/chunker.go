// Package chunker splits chapter text into bounded synthesis units.
package chunker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/dgnsrekt/abgen/internal/book"
)

// Common errors for chunk planning.
var (
	// ErrNoContent is returned when the chapters yield zero chunks.
	ErrNoContent = errors.New("no text chunks produced from input")

	// ErrInvalidChunkSize is returned when the chunk budget is not positive.
	ErrInvalidChunkSize = errors.New("chunk size must be greater than zero")
)

// Chunk is one bounded unit of text submitted to the backend as a single
// synthesis call. Index order is the single source of truth for final
// audio order.
type Chunk struct {
	Index   int    // Position in the overall chunk sequence
	Chapter int    // Index of the owning chapter
	Title   string // Owning chapter's title
	Text    string
}

// ChapterBoundary records the first chunk index belonging to a chapter.
type ChapterBoundary struct {
	Chapter int    // Chapter index in the source book
	Chunk   int    // First chunk index of this chapter
	Title   string
}

// Sentence boundaries keep pieces listenable when a paragraph exceeds
// the budget. Trailing quotes and brackets stay with the sentence.
var sentenceEnd = regexp.MustCompile(`[.!?]+["')\]]*\s+`)

// Plan splits each chapter independently into chunks of at most maxChars
// characters, preferring breaks at splitPattern matches, then sentence
// ends, then a hard cut. Lengths are counted in runes throughout so
// multi-byte text gets the same chunk budget as ASCII. Identical inputs
// always produce an identical plan; resume validation depends on that.
func Plan(chapters []book.Chapter, maxChars int, splitPattern string) ([]Chunk, []ChapterBoundary, error) {
	if maxChars <= 0 {
		return nil, nil, ErrInvalidChunkSize
	}
	sep, err := regexp.Compile(splitPattern)
	if err != nil {
		return nil, nil, fmt.Errorf("compile split pattern %q: %w", splitPattern, err)
	}

	var chunks []Chunk
	var boundaries []ChapterBoundary

	for ci, chapter := range chapters {
		paragraphs := splitParagraphs(chapter.Text, sep)
		if len(paragraphs) == 0 {
			continue
		}

		boundaries = append(boundaries, ChapterBoundary{
			Chapter: ci,
			Chunk:   len(chunks),
			Title:   chapter.Title,
		})

		var buffer string
		bufferLen := 0
		flush := func() {
			if buffer == "" {
				return
			}
			chunks = append(chunks, Chunk{
				Index:   len(chunks),
				Chapter: ci,
				Title:   chapter.Title,
				Text:    buffer,
			})
			buffer = ""
			bufferLen = 0
		}

		for _, paragraph := range paragraphs {
			for _, piece := range splitOversized(paragraph, maxChars) {
				pieceLen := utf8.RuneCountInString(piece)
				if buffer == "" {
					buffer = piece
					bufferLen = pieceLen
					continue
				}
				if bufferLen+pieceLen+1 <= maxChars {
					buffer = buffer + " " + piece
					bufferLen += pieceLen + 1
				} else {
					flush()
					buffer = piece
					bufferLen = pieceLen
				}
			}
		}
		flush()
	}

	if len(chunks) == 0 {
		return nil, nil, ErrNoContent
	}
	return chunks, boundaries, nil
}

func splitParagraphs(text string, sep *regexp.Regexp) []string {
	parts := sep.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitOversized breaks a paragraph that exceeds the budget into
// sentence-packed pieces, hard-cutting any single sentence that is
// itself longer than the budget.
func splitOversized(paragraph string, maxChars int) []string {
	if utf8.RuneCountInString(paragraph) <= maxChars {
		return []string{paragraph}
	}

	var pieces []string
	var buffer string
	bufferLen := 0

	for _, sentence := range splitSentences(paragraph) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		sentenceLen := utf8.RuneCountInString(sentence)

		if sentenceLen > maxChars {
			if buffer != "" {
				pieces = append(pieces, buffer)
				buffer = ""
				bufferLen = 0
			}
			pieces = append(pieces, hardCut(sentence, maxChars)...)
			continue
		}

		if buffer == "" {
			buffer = sentence
			bufferLen = sentenceLen
		} else if bufferLen+sentenceLen+1 <= maxChars {
			buffer = buffer + " " + sentence
			bufferLen += sentenceLen + 1
		} else {
			pieces = append(pieces, buffer)
			buffer = sentence
			bufferLen = sentenceLen
		}
	}
	if buffer != "" {
		pieces = append(pieces, buffer)
	}

	if len(pieces) == 0 {
		return []string{paragraph}
	}
	return pieces
}

func splitSentences(text string) []string {
	matches := sentenceEnd.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	sentences := make([]string, 0, len(matches)+1)
	start := 0
	for _, m := range matches {
		sentences = append(sentences, text[start:m[1]])
		start = m[1]
	}
	if start < len(text) {
		sentences = append(sentences, text[start:])
	}
	return sentences
}

// hardCut splits on rune boundaries so multi-byte characters survive.
func hardCut(sentence string, maxChars int) []string {
	var pieces []string
	runes := []rune(sentence)
	for start := 0; start < len(runes); start += maxChars {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}
