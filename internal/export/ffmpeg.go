// Package export streams or spools canonical PCM into ffmpeg to produce
// the final MP3 or M4B container.
//
// Two delivery paths exist. The streaming path pipes s16le into
// ffmpeg's stdin as samples arrive, used for MP3 without checkpointing.
// The spooled path writes PCM to a temp file first and invokes ffmpeg
// once, used whenever chapters/metadata must be embedded or
// checkpointing is active. Piping raw PCM instead of materializing an
// intermediate WAV also sidesteps WAV's 4 GiB length ceiling, which a
// multi-hour book exceeds.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/dgnsrekt/abgen/internal/book"
	"github.com/dgnsrekt/abgen/internal/pcm"
)

// ErrFFmpegNotFound is returned when the encoder binary is absent.
var ErrFFmpegNotFound = errors.New("ffmpeg not found in PATH")

// loudnormFilter applies -14 LUFS loudness normalization.
const loudnormFilter = "loudnorm=I=-14:TP=-1:LRA=11"

// Params are the encoder settings shared by every export path.
type Params struct {
	SampleRate int
	Bitrate    string // e.g. "192k"
	Normalize  bool
}

// Chapter is a resolved chapter marker in samples.
type Chapter struct {
	Title       string
	StartSample int64
	EndSample   int64
}

// LookPath locates the ffmpeg binary.
func LookPath() (string, error) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", ErrFFmpegNotFound
	}
	return path, nil
}

func rawInputArgs(p Params, input string) []string {
	return []string{
		"-f", "s16le",
		"-ar", strconv.Itoa(p.SampleRate),
		"-ac", "1",
		"-i", input,
	}
}

// silenceInputArgs substitutes 0.1s of silence when there is no PCM at
// all, so the encoder still produces a playable file.
func silenceInputArgs(p Params) []string {
	return []string{
		"-f", "lavfi",
		"-i", fmt.Sprintf("anullsrc=r=%d:cl=mono", p.SampleRate),
		"-t", "0.1",
	}
}

func runFFmpeg(ctx context.Context, ffmpegPath string, args []string) error {
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %v\n%s", err, stderr.String())
	}
	return nil
}

// EncodeMP3 encodes a spooled PCM file into MP3.
func EncodeMP3(ctx context.Context, pcmPath, outputPath string, p Params) error {
	ffmpegPath, err := LookPath()
	if err != nil {
		return err
	}

	var args []string
	if fi, statErr := os.Stat(pcmPath); statErr != nil || fi.Size() == 0 {
		args = silenceInputArgs(p)
	} else {
		args = rawInputArgs(p, pcmPath)
		if p.Normalize {
			args = append(args, "-af", loudnormFilter)
		}
	}
	args = append(args, "-b:a", p.Bitrate, "-y", outputPath)

	return runFFmpeg(ctx, ffmpegPath, args)
}

// EncodeM4B encodes a spooled PCM file into an M4B container with
// chapter markers, book metadata, and optional cover art.
func EncodeM4B(ctx context.Context, pcmPath, outputPath string, meta book.Metadata, chapters []Chapter, p Params) error {
	ffmpegPath, err := LookPath()
	if err != nil {
		return err
	}

	metaPath, err := writeTemp("abgen-ffmeta-*.txt", []byte(FFMetadata(meta, chapters, p.SampleRate)))
	if err != nil {
		return fmt.Errorf("write metadata file: %w", err)
	}
	defer os.Remove(metaPath) //nolint:errcheck

	var args []string
	if fi, statErr := os.Stat(pcmPath); statErr != nil || fi.Size() == 0 {
		args = silenceInputArgs(p)
	} else {
		args = rawInputArgs(p, pcmPath)
	}
	args = append(args, "-i", metaPath)

	var coverPath string
	if len(meta.Cover) > 0 {
		coverPath, err = writeTemp("abgen-cover-*"+coverExt(meta.CoverMIME), meta.Cover)
		if err != nil {
			return fmt.Errorf("write cover file: %w", err)
		}
		defer os.Remove(coverPath) //nolint:errcheck
		args = append(args, "-i", coverPath)
	}

	args = append(args, "-map", "0:a", "-map_metadata", "1")
	if coverPath != "" {
		args = append(args,
			"-map", "2:v",
			"-c:v", "copy",
			"-disposition:v:0", "attached_pic",
		)
	}
	if p.Normalize {
		args = append(args, "-af", loudnormFilter)
	}
	args = append(args,
		"-c:a", "aac",
		"-b:a", p.Bitrate,
		"-movflags", "+faststart",
		"-y", outputPath,
	)

	return runFFmpeg(ctx, ffmpegPath, args)
}

func writeTemp(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	_, err = f.Write(data)
	closeErr := f.Close()
	if err != nil {
		os.Remove(f.Name()) //nolint:errcheck
		return "", err
	}
	if closeErr != nil {
		os.Remove(f.Name()) //nolint:errcheck
		return "", closeErr
	}
	return f.Name(), nil
}

func coverExt(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	}
	return ".jpg"
}

// Spool accumulates PCM in a temp file for the spooled export path. It
// implements pcm.SampleSink.
type Spool struct {
	f    *os.File
	path string
}

// NewSpool creates the spool temp file.
func NewSpool() (*Spool, error) {
	f, err := os.CreateTemp("", "abgen-*.pcm")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	return &Spool{f: f, path: f.Name()}, nil
}

// WriteSamples appends samples to the spool.
func (s *Spool) WriteSamples(samples []int16) error {
	if _, err := s.f.Write(pcm.Bytes(samples)); err != nil {
		return fmt.Errorf("write spool: %w", err)
	}
	return nil
}

// Path returns the spool file path for the encoder invocation.
func (s *Spool) Path() string { return s.path }

// Finish closes the spool for writing. The file stays on disk until
// Remove.
func (s *Spool) Finish() error {
	return s.f.Close()
}

// Remove deletes the spool file.
func (s *Spool) Remove() {
	os.Remove(s.path) //nolint:errcheck
}
