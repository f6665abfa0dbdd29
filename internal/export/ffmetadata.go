package export

import (
	"fmt"
	"strings"

	"github.com/dgnsrekt/abgen/internal/book"
)

// FFMetadata renders the FFMETADATA1 document carrying the book's title,
// author, and chapter markers. Chapter positions convert from samples
// to milliseconds, FFMETADATA's timebase here.
func FFMetadata(meta book.Metadata, chapters []Chapter, sampleRate int) string {
	var b strings.Builder
	b.WriteString(";FFMETADATA1\n")
	fmt.Fprintf(&b, "title=%s\n", escapeFFMeta(meta.Title))
	fmt.Fprintf(&b, "artist=%s\n", escapeFFMeta(meta.Author))
	fmt.Fprintf(&b, "album=%s\n", escapeFFMeta(meta.Title))

	for _, ch := range chapters {
		startMS := samplesToMillis(ch.StartSample, sampleRate)
		endMS := samplesToMillis(ch.EndSample, sampleRate)

		b.WriteString("\n[CHAPTER]\n")
		b.WriteString("TIMEBASE=1/1000\n")
		fmt.Fprintf(&b, "START=%d\n", startMS)
		fmt.Fprintf(&b, "END=%d\n", endMS)
		fmt.Fprintf(&b, "title=%s\n", escapeFFMeta(ch.Title))
	}
	return b.String()
}

func samplesToMillis(samples int64, sampleRate int) int64 {
	return samples * 1000 / int64(sampleRate)
}

// escapeFFMeta escapes the characters FFMETADATA1 treats specially:
// backslash first, then =, ;, #, and newlines.
func escapeFFMeta(text string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		"=", `\=`,
		";", `\;`,
		"#", `\#`,
		"\n", "\\\n",
	)
	return r.Replace(text)
}
