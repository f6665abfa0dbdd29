// Package book loads chapter text and publishing metadata from EPUB files.
package book

import (
	"errors"
)

// Common errors for book loading.
var (
	// ErrNoContent is returned when a book contains no readable text.
	ErrNoContent = errors.New("no readable text content found")

	// ErrNotEPUB is returned when the input is not a valid EPUB container.
	ErrNotEPUB = errors.New("input is not a valid EPUB file")
)

// Chapter is one ordered unit of narration source text.
type Chapter struct {
	Title string // Chapter title, may be empty
	Text  string // Cleaned plain text
}

// Metadata holds the publishing metadata embedded into chaptered exports.
type Metadata struct {
	Title     string
	Author    string
	Cover     []byte // Raw cover image bytes, nil if absent
	CoverMIME string // MIME type of the cover image
}

// Book is the parsed result of an EPUB file.
type Book struct {
	Chapters []Chapter
	Meta     Metadata
}

// TotalChars returns the total number of text characters across all chapters.
func (b *Book) TotalChars() int {
	total := 0
	for _, ch := range b.Chapters {
		total += len(ch.Text)
	}
	return total
}
