package export

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/dgnsrekt/abgen/internal/pcm"
)

// Stream is the streaming MP3 export path: an ffmpeg process reading
// s16le from its stdin while synthesis is still running. Implements
// pcm.SampleSink.
type Stream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer

	mu     sync.Mutex
	closed bool
}

// OpenMP3Stream starts the encoder process for streaming MP3 export.
func OpenMP3Stream(outputPath string, p Params) (*Stream, error) {
	ffmpegPath, err := LookPath()
	if err != nil {
		return nil, err
	}

	args := rawInputArgs(p, "pipe:0")
	if p.Normalize {
		args = append(args, "-af", loudnormFilter)
	}
	args = append(args, "-b:a", p.Bitrate, "-y", outputPath)

	cmd := exec.Command(ffmpegPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open encoder stdin: %w", err)
	}

	s := &Stream{cmd: cmd, stdin: stdin}
	cmd.Stderr = &s.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start encoder: %w", err)
	}
	return s, nil
}

// WriteSamples pipes samples into the encoder. Blocks when the encoder
// falls behind; that backpressure is the stream's only flow control.
func (s *Stream) WriteSamples(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("encoder stream already closed")
	}
	if _, err := s.stdin.Write(pcm.Bytes(samples)); err != nil {
		return fmt.Errorf("write to encoder: %w", err)
	}
	return nil
}

// Close finalizes the stream: closes stdin and waits for the encoder to
// flush the container. A nonzero exit surfaces with ffmpeg's stderr.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.stdin.Close(); err != nil {
		_ = s.cmd.Wait()
		return fmt.Errorf("close encoder stdin: %w", err)
	}
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg failed: %v\n%s", err, s.stderr.String())
	}
	return nil
}

// Abort tears the encoder down without finalizing the output, used when
// the pipeline fails mid-stream. The partial output file is not valid.
func (s *Stream) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
}
