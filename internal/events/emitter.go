// Package events serializes pipeline state transitions into the
// external-facing event stream consumed by the supervising UI process.
//
// Two wire encodings exist, chosen once per run: a fixed-grammar text
// protocol (PHASE:, METADATA:, TIMING:, ...) and JSON lines carrying
// the same semantics.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Format selects the wire encoding.
type Format int

const (
	// FormatText emits the fixed-grammar line protocol.
	FormatText Format = iota
	// FormatJSON emits one JSON record per line.
	FormatJSON
)

// ParseFormat maps the CLI flag value onto a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown event format %q", s)
}

// Checkpoint lifecycle codes on the event stream.
const (
	CheckpointNone         = "NONE"
	CheckpointFound        = "FOUND"
	CheckpointInvalid      = "INVALID"
	CheckpointResuming     = "RESUMING"
	CheckpointReused       = "REUSED"
	CheckpointMissingAudio = "MISSING_AUDIO"
	CheckpointSaved        = "SAVED"
	CheckpointCleaned      = "CLEANED"
)

// Emitter writes pipeline events. Writes are serialized by a mutex; a
// slow transport delays the write, never reorders or drops it.
type Emitter struct {
	format Format
	jobID  string

	mu    sync.Mutex
	out   io.Writer
	errW  io.Writer
	logFP *os.File
}

// New creates an emitter writing to stdout/stderr, optionally mirroring
// every line to an append-only log file.
func New(format Format, jobID, logFile string) (*Emitter, error) {
	e := &Emitter{
		format: format,
		jobID:  jobID,
		out:    os.Stdout,
		errW:   os.Stderr,
	}
	if logFile != "" {
		if dir := filepath.Dir(logFile); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
		}
		fp, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		e.logFP = fp
	}
	return e, nil
}

// NewWriter creates an emitter against explicit writers, for tests.
func NewWriter(format Format, jobID string, out, errW io.Writer) *Emitter {
	return &Emitter{format: format, jobID: jobID, out: out, errW: errW}
}

// Close flushes and closes the mirror log file, if any.
func (e *Emitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.logFP == nil {
		return nil
	}
	err := e.logFP.Close()
	e.logFP = nil
	return err
}

func (e *Emitter) write(line string, toStderr bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.out
	if toStderr {
		w = e.errW
	}
	fmt.Fprintln(w, line) //nolint:errcheck
	if e.logFP != nil {
		fmt.Fprintln(e.logFP, line) //nolint:errcheck
	}
}

func (e *Emitter) emitJSON(eventType string, payload map[string]any) {
	body := map[string]any{
		"type":   eventType,
		"ts_ms":  time.Now().UnixMilli(),
		"job_id": e.jobID,
	}
	for k, v := range payload {
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	e.write(string(data), false)
}

// Phase marks a pipeline phase transition (PARSING, INFERENCE, ...).
func (e *Emitter) Phase(name string) {
	if e.format == FormatJSON {
		e.emitJSON("phase", map[string]any{"phase": name})
		return
	}
	e.write("PHASE:"+name, false)
}

// Metadata emits a key/value fact about the run.
func (e *Emitter) Metadata(key string, value any) {
	if e.format == FormatJSON {
		e.emitJSON("metadata", map[string]any{"key": key, "value": value})
		return
	}
	e.write(fmt.Sprintf("METADATA:%s:%v", key, value), false)
}

// Timing reports one chunk's synthesis duration.
func (e *Emitter) Timing(chunkIndex int, elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	if e.format == FormatJSON {
		e.emitJSON("timing", map[string]any{
			"chunk_idx":       chunkIndex,
			"chunk_timing_ms": ms,
			"stage":           "infer",
		})
		return
	}
	e.write(fmt.Sprintf("TIMING:%d:%d", chunkIndex, ms), false)
}

// Heartbeat is the periodic liveness signal, independent of chunk
// completion.
func (e *Emitter) Heartbeat(ts time.Time) {
	ms := ts.UnixMilli()
	if e.format == FormatJSON {
		e.emitJSON("heartbeat", map[string]any{"heartbeat_ts": ms})
		return
	}
	e.write(fmt.Sprintf("HEARTBEAT:%d", ms), false)
}

// Worker reports a role's state change with free-text detail.
func (e *Emitter) Worker(id int, status, details string) {
	if e.format == FormatJSON {
		e.emitJSON("worker", map[string]any{
			"id":      id,
			"status":  status,
			"details": details,
		})
		return
	}
	e.write(fmt.Sprintf("WORKER:%d:%s:%s", id, status, details), false)
}

// Progress reports current/total processed chunk counts.
func (e *Emitter) Progress(current, total int) {
	if e.format == FormatJSON {
		e.emitJSON("progress", map[string]any{
			"current_chunk": current,
			"total_chunks":  total,
		})
		return
	}
	e.write(fmt.Sprintf("PROGRESS:%d/%d chunks", current, total), false)
}

// Checkpoint reports a checkpoint lifecycle code, optionally with a
// detail component.
func (e *Emitter) Checkpoint(code string, detail ...any) {
	if e.format == FormatJSON {
		payload := map[string]any{"code": code}
		if len(detail) > 0 {
			payload["detail"] = fmt.Sprint(detail...)
		}
		e.emitJSON("checkpoint", payload)
		return
	}
	if len(detail) > 0 {
		e.write(fmt.Sprintf("CHECKPOINT:%s:%v", code, fmt.Sprint(detail...)), false)
		return
	}
	e.write("CHECKPOINT:"+code, false)
}

// Error surfaces a fatal error on the event stream.
func (e *Emitter) Error(message string) {
	if e.format == FormatJSON {
		e.emitJSON("error", map[string]any{"message": message})
		return
	}
	e.write(message, true)
}

// Done marks a fully successful run.
func (e *Emitter) Done(output string, chunks int) {
	if e.format == FormatJSON {
		e.emitJSON("done", map[string]any{"output": output, "chunks": chunks})
		return
	}
	e.write("DONE", false)
}

// Info emits a human-readable informational line.
func (e *Emitter) Info(message string) {
	if e.format == FormatJSON {
		e.emitJSON("log", map[string]any{"level": "info", "message": message})
		return
	}
	e.write(message, false)
}

// Warn emits a human-readable warning line.
func (e *Emitter) Warn(message string) {
	if e.format == FormatJSON {
		e.emitJSON("log", map[string]any{"level": "warning", "message": message})
		return
	}
	e.write("WARN: "+message, true)
}
