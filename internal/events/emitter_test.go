package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func textEmitter() (*Emitter, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errW := &bytes.Buffer{}
	return NewWriter(FormatText, "job1", out, errW), out, errW
}

func TestParseFormat(t *testing.T) {
	cases := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"text", FormatText, false},
		{"", FormatText, false},
		{"json", FormatJSON, false},
		{"xml", FormatText, true},
	}
	for _, tc := range cases {
		got, err := ParseFormat(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseFormat(%q) error = %v", tc.in, err)
		}
		if err == nil && got != tc.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTextGrammar(t *testing.T) {
	e, out, errW := textEmitter()

	e.Phase("INFERENCE")
	e.Metadata("backend_resolved", "mlx")
	e.Timing(3, 1500*time.Millisecond)
	e.Worker(0, "INFER", "Chunk 4/10")
	e.Progress(4, 10)
	e.Checkpoint(CheckpointSaved, 3)
	e.Checkpoint(CheckpointNone)
	e.Done("out.mp3", 10)

	want := []string{
		"PHASE:INFERENCE",
		"METADATA:backend_resolved:mlx",
		"TIMING:3:1500",
		"WORKER:0:INFER:Chunk 4/10",
		"PROGRESS:4/10 chunks",
		"CHECKPOINT:SAVED:3",
		"CHECKPOINT:NONE",
		"DONE",
	}
	got := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(got) != len(want) {
		t.Fatalf("expected %d lines, got %d:\n%s", len(want), len(got), out.String())
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, got[i], want[i])
		}
	}
	if errW.Len() != 0 {
		t.Errorf("unexpected stderr output: %q", errW.String())
	}
}

func TestTextHeartbeat(t *testing.T) {
	e, out, _ := textEmitter()
	ts := time.UnixMilli(1700000000123)
	e.Heartbeat(ts)
	if got := strings.TrimSpace(out.String()); got != "HEARTBEAT:1700000000123" {
		t.Errorf("got %q", got)
	}
}

func TestTextErrorsGoToStderr(t *testing.T) {
	e, out, errW := textEmitter()
	e.Error("something broke")
	e.Warn("slow worker")
	if out.Len() != 0 {
		t.Errorf("unexpected stdout output: %q", out.String())
	}
	lines := strings.Split(strings.TrimRight(errW.String(), "\n"), "\n")
	if len(lines) != 2 || lines[0] != "something broke" || lines[1] != "WARN: slow worker" {
		t.Errorf("unexpected stderr lines: %q", lines)
	}
}

func decodeLine(t *testing.T, line string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("invalid JSON line %q: %v", line, err)
	}
	return m
}

func TestJSONEnvelope(t *testing.T) {
	out := &bytes.Buffer{}
	e := NewWriter(FormatJSON, "book.mp3", out, &bytes.Buffer{})

	e.Phase("PARSING")

	m := decodeLine(t, strings.TrimSpace(out.String()))
	if m["type"] != "phase" || m["phase"] != "PARSING" {
		t.Errorf("unexpected payload: %v", m)
	}
	if m["job_id"] != "book.mp3" {
		t.Errorf("missing job id: %v", m)
	}
	if _, ok := m["ts_ms"].(float64); !ok {
		t.Errorf("missing timestamp: %v", m)
	}
}

func TestJSONEvents(t *testing.T) {
	out := &bytes.Buffer{}
	e := NewWriter(FormatJSON, "j", out, &bytes.Buffer{})

	e.Timing(2, 800*time.Millisecond)
	e.Progress(3, 9)
	e.Checkpoint(CheckpointInvalid, "config_mismatch")
	e.Error("boom")
	e.Done("out.m4b", 9)

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}

	timing := decodeLine(t, lines[0])
	if timing["type"] != "timing" || timing["chunk_idx"] != float64(2) || timing["chunk_timing_ms"] != float64(800) {
		t.Errorf("unexpected timing: %v", timing)
	}

	progress := decodeLine(t, lines[1])
	if progress["current_chunk"] != float64(3) || progress["total_chunks"] != float64(9) {
		t.Errorf("unexpected progress: %v", progress)
	}

	ckpt := decodeLine(t, lines[2])
	if ckpt["code"] != "INVALID" || ckpt["detail"] != "config_mismatch" {
		t.Errorf("unexpected checkpoint: %v", ckpt)
	}

	// JSON mode keeps errors on the primary stream for single-pipe
	// consumers.
	errEvent := decodeLine(t, lines[3])
	if errEvent["type"] != "error" || errEvent["message"] != "boom" {
		t.Errorf("unexpected error event: %v", errEvent)
	}

	done := decodeLine(t, lines[4])
	if done["type"] != "done" || done["chunks"] != float64(9) {
		t.Errorf("unexpected done event: %v", done)
	}
}
