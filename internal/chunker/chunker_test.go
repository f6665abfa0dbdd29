package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/dgnsrekt/abgen/internal/book"
)

func TestPlanRejectsInvalidChunkSize(t *testing.T) {
	chapters := []book.Chapter{{Title: "One", Text: "Hello."}}

	for _, size := range []int{0, -1, -100} {
		_, _, err := Plan(chapters, size, `\n+`)
		if err != ErrInvalidChunkSize {
			t.Errorf("Plan with maxChars=%d: expected ErrInvalidChunkSize, got %v", size, err)
		}
	}
}

func TestPlanRejectsBadSplitPattern(t *testing.T) {
	chapters := []book.Chapter{{Title: "One", Text: "Hello."}}

	_, _, err := Plan(chapters, 100, `[`)
	if err == nil {
		t.Fatal("expected error for invalid split pattern")
	}
}

func TestPlanEmptyInput(t *testing.T) {
	cases := []struct {
		name     string
		chapters []book.Chapter
	}{
		{"no chapters", nil},
		{"whitespace only", []book.Chapter{{Title: "One", Text: "   \n\n  "}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Plan(tc.chapters, 100, `\n+`)
			if err != ErrNoContent {
				t.Errorf("expected ErrNoContent, got %v", err)
			}
		})
	}
}

func TestPlanRespectsBudget(t *testing.T) {
	text := strings.Repeat("This is a sentence. ", 50)
	chapters := []book.Chapter{{Title: "One", Text: text}}

	chunks, _, err := Plan(chapters, 120, `\n+`)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	for _, c := range chunks {
		if len(c.Text) > 120 {
			t.Errorf("chunk %d exceeds budget: %d chars", c.Index, len(c.Text))
		}
		if c.Text == "" {
			t.Errorf("chunk %d is empty", c.Index)
		}
	}
}

func TestPlanBudgetCountsRunes(t *testing.T) {
	// Multi-byte text gets the same chunk budget as ASCII. This
	// paragraph is 51 runes but 139 bytes; counted in runes it fits a
	// 60-char budget in one chunk, counted in bytes it would shatter.
	text := strings.TrimSpace(strings.Repeat("これは日本語の文章です! ", 4))
	chapters := []book.Chapter{{Title: "One", Text: text}}

	chunks, _, err := Plan(chapters, 60, `\n+`)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk for a 51-rune paragraph, got %d", len(chunks))
	}
	if chunks[0].Text != text {
		t.Errorf("chunk text altered: %q", chunks[0].Text)
	}

	// And an unbreakable run still hard-cuts at the rune budget.
	long := []book.Chapter{{Title: "One", Text: strings.Repeat("日本語テキスト", 40)}}
	chunks, _, err = Plan(long, 60, `\n+`)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	for _, c := range chunks {
		if n := utf8.RuneCountInString(c.Text); n > 60 {
			t.Errorf("chunk %d exceeds rune budget: %d runes", c.Index, n)
		}
	}
}

func TestPlanIndicesAreSequential(t *testing.T) {
	chapters := []book.Chapter{
		{Title: "One", Text: "First chapter text.\n\nMore text here."},
		{Title: "Two", Text: "Second chapter text."},
	}

	chunks, _, err := Plan(chapters, 40, `\n+`)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk at position %d has index %d", i, c.Index)
		}
	}
}

func TestPlanChapterBoundaries(t *testing.T) {
	chapters := []book.Chapter{
		{Title: "Alpha", Text: strings.Repeat("Sentence one here. ", 20)},
		{Title: "", Text: "   "}, // empty chapters contribute no boundary
		{Title: "Gamma", Text: "Short."},
	}

	chunks, boundaries, err := Plan(chapters, 100, `\n+`)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(boundaries) != 2 {
		t.Fatalf("expected 2 boundaries, got %d", len(boundaries))
	}
	if boundaries[0].Chunk != 0 || boundaries[0].Title != "Alpha" {
		t.Errorf("unexpected first boundary: %+v", boundaries[0])
	}
	if boundaries[1].Chapter != 2 || boundaries[1].Title != "Gamma" {
		t.Errorf("unexpected second boundary: %+v", boundaries[1])
	}
	// The last chapter's boundary points at its first chunk.
	last := boundaries[1].Chunk
	if chunks[last].Title != "Gamma" {
		t.Errorf("boundary chunk %d belongs to %q", last, chunks[last].Title)
	}
}

func TestPlanNoTextLostAcrossChapters(t *testing.T) {
	chapters := []book.Chapter{
		{Title: "One", Text: "Alpha beta gamma. Delta epsilon zeta. Eta theta iota."},
	}

	chunks, _, err := Plan(chapters, 25, `\n+`)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	var joined []string
	for _, c := range chunks {
		joined = append(joined, c.Text)
	}
	got := strings.Join(strings.Fields(strings.Join(joined, " ")), " ")
	want := strings.Join(strings.Fields(chapters[0].Text), " ")
	if got != want {
		t.Errorf("text lost or reordered:\n got: %q\nwant: %q", got, want)
	}
}

func TestPlanHardCutPreservesRunes(t *testing.T) {
	// A single unbroken string with no sentence ends forces a hard cut,
	// which must not split multi-byte characters.
	text := strings.Repeat("日本語テキスト", 40)
	chapters := []book.Chapter{{Title: "One", Text: text}}

	chunks, _, err := Plan(chapters, 50, `\n+`)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	var rebuilt strings.Builder
	for _, c := range chunks {
		if !strings.Contains(text, c.Text) {
			t.Fatalf("chunk %d is not a clean substring (broken rune?)", c.Index)
		}
		rebuilt.WriteString(c.Text)
	}
	if rebuilt.String() != text {
		t.Error("hard cut dropped characters")
	}
}

func TestPlanDeterministic(t *testing.T) {
	chapters := []book.Chapter{
		{Title: "One", Text: strings.Repeat("A fairly normal sentence goes here. ", 30)},
		{Title: "Two", Text: "Closing words."},
	}

	first, firstBounds, err := Plan(chapters, 90, `\n+`)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, againBounds, err := Plan(chapters, 90, `\n+`)
		if err != nil {
			t.Fatalf("Plan failed on repeat: %v", err)
		}
		if len(again) != len(first) {
			t.Fatalf("chunk count changed between runs: %d vs %d", len(again), len(first))
		}
		for j := range again {
			if again[j] != first[j] {
				t.Fatalf("chunk %d differs between identical runs", j)
			}
		}
		if len(againBounds) != len(firstBounds) {
			t.Fatalf("boundary count changed between runs")
		}
	}
}

func TestSplitSentencesKeepsPunctuation(t *testing.T) {
	got := splitSentences(`He said "stop!" Then he left. Done`)
	if len(got) != 3 {
		t.Fatalf("expected 3 sentences, got %d: %q", len(got), got)
	}
	if !strings.Contains(got[0], `"stop!"`) {
		t.Errorf("trailing quote split from sentence: %q", got[0])
	}
}
