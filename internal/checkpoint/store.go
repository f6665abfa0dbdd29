// Package checkpoint persists per-chunk synthesized audio and run state
// so an interrupted run can resume without redoing synthesis.
//
// On-disk layout, per output target X:
//
//	X.checkpoint/state.json          run state and config
//	X.checkpoint/chunk_000042.pcm.zst  one record per completed chunk
//
// Chunk records are s16le samples, zstd-compressed. All writes go
// through a temp file plus rename, and a chunk's audio is always on
// disk before the state file claims it complete.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/dgnsrekt/abgen/internal/pcm"
)

// Common errors for checkpoint handling.
var (
	// ErrExists is returned by Create when checkpoint state is already
	// present and the caller did not validate a resume.
	ErrExists = errors.New("checkpoint already exists")

	// ErrNotLoaded is returned when chunk operations run before Create
	// or a valid Load.
	ErrNotLoaded = errors.New("checkpoint state not loaded")
)

const stateFile = "state.json"

// Config captures every setting that changes either the generated
// waveform or the exported output. A resume with any field changed is
// rejected.
type Config struct {
	Voice        string  `json:"voice"`
	Speed        float64 `json:"speed"`
	LangCode     string  `json:"lang_code"`
	Backend      string  `json:"backend"`
	ChunkChars   int     `json:"chunk_chars"`
	SplitPattern string  `json:"split_pattern"`
	Format       string  `json:"format"`
	Bitrate      string  `json:"bitrate"`
	Normalize    bool    `json:"normalize"`
}

// ChapterStart pairs a chapter title with its first chunk index.
type ChapterStart struct {
	Chunk int    `json:"chunk"`
	Title string `json:"title"`
}

// State is the persisted run record.
type State struct {
	SourceHash      string         `json:"source_hash"`
	Config          Config         `json:"config"`
	TotalChunks     int            `json:"total_chunks"`
	CompletedChunks []int          `json:"completed_chunks"`
	ChapterStarts   []ChapterStart `json:"chapter_start_indices"`
}

// Validation is the outcome of loading persisted state against the
// current run parameters. Only Valid permits chunk reuse.
type Validation int

const (
	Absent Validation = iota
	Valid
	InvalidHashMismatch
	InvalidConfigMismatch
	InvalidChunkCountMismatch
)

// Reason returns the wire detail for INVALID checkpoint events.
func (v Validation) Reason() string {
	switch v {
	case InvalidHashMismatch:
		return "hash_mismatch"
	case InvalidConfigMismatch:
		return "config_mismatch"
	case InvalidChunkCountMismatch:
		return "chunk_mismatch"
	}
	return ""
}

// ProbeResult is the cheap pre-run check: hash and existence only.
// A probe can report reusable progress that a full Load later rejects
// for config drift; callers treat it as a hint, not a promise.
type ProbeResult struct {
	Exists    bool
	HashOK    bool
	Total     int
	Completed int
}

// Store owns one checkpoint directory. It is not safe for concurrent
// runs against the same output path; the caller prevents that.
type Store struct {
	dir string

	mu        sync.Mutex
	state     State
	completed map[int]struct{}
	loaded    bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Dir returns the checkpoint directory path for an output file.
func Dir(outputPath string) string {
	return outputPath + ".checkpoint"
}

// NewStore creates a store for the given checkpoint directory. Nothing
// is read or written until Create, Load, or Probe is called.
func NewStore(dir string) (*Store, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Store{
		dir:     dir,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// HashSource computes the SHA-256 of the input file, streamed so large
// books do not land in memory.
func HashSource(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open source for hashing: %w", err)
	}
	defer f.Close() //nolint:errcheck

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hash source: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Create initializes fresh on-disk state. It fails with ErrExists when
// state is already present; callers resolve that by a validated Load or
// an explicit Cleanup first.
func (s *Store) Create(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(filepath.Join(s.dir, stateFile)); err == nil {
		return ErrExists
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}

	s.adopt(state)
	return s.saveStateLocked()
}

// Load reads persisted state and validates it against the current run.
// On Valid the store adopts the persisted completed set; any other
// outcome leaves the store unloaded.
func (s *Store) Load(sourceHash string, cfg Config, totalChunks int) (State, Validation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.readState()
	if !ok {
		return State{}, Absent
	}
	if state.SourceHash != sourceHash {
		return State{}, InvalidHashMismatch
	}
	if state.Config != cfg {
		return State{}, InvalidConfigMismatch
	}
	if state.TotalChunks != totalChunks {
		return State{}, InvalidChunkCountMismatch
	}

	s.adopt(state)
	return s.state, Valid
}

// Probe is the cheap pre-run check: existence and source hash only.
// Intentionally weaker than Load.
func (s *Store) Probe(sourceHash string) ProbeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.readState()
	if !ok {
		return ProbeResult{}
	}
	return ProbeResult{
		Exists:    true,
		HashOK:    state.SourceHash == sourceHash,
		Total:     state.TotalChunks,
		Completed: len(state.CompletedChunks),
	}
}

// Completed reports whether the state claims the chunk is done. The
// claim is only trusted as far as ChunkAudio can back it with a record.
func (s *Store) Completed(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.completed[index]
	return ok
}

// CompletedCount returns the number of chunks the state claims done.
func (s *Store) CompletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

// RecordChunk persists one chunk's samples and then marks it complete.
// The audio write strictly precedes the state update so a crash between
// the two leaves the state behind the audio, never ahead of it.
func (s *Store) RecordChunk(index int, samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return ErrNotLoaded
	}

	compressed := s.encoder.EncodeAll(pcm.Bytes(samples), nil)
	if err := atomicWrite(s.chunkPath(index), compressed); err != nil {
		return fmt.Errorf("write chunk %d record: %w", index, err)
	}

	s.completed[index] = struct{}{}
	return s.saveStateLocked()
}

// ChunkAudio loads one chunk's samples. ok is false when the record is
// missing or unreadable; the caller treats that chunk as incomplete and
// regenerates it.
func (s *Store) ChunkAudio(index int) ([]int16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.chunkPath(index))
	if err != nil {
		return nil, false
	}
	raw, err := s.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, false
	}
	samples, err := pcm.FromBytes(raw)
	if err != nil {
		return nil, false
	}
	return samples, true
}

// DropChunk removes a chunk from the completed set, typically after
// ChunkAudio found its record missing, and persists the change.
func (s *Store) DropChunk(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return ErrNotLoaded
	}
	delete(s.completed, index)
	return s.saveStateLocked()
}

// Cleanup deletes all on-disk state. Called only after a fully
// successful run that used checkpointing, or to discard an invalidated
// checkpoint before a fresh Create.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loaded = false
	s.completed = nil
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove checkpoint directory: %w", err)
	}
	return nil
}

// adopt installs state in memory, discarding completed indices outside
// [0, totalChunks); those are treated as incomplete for this run.
func (s *Store) adopt(state State) {
	s.completed = make(map[int]struct{}, len(state.CompletedChunks))
	for _, idx := range state.CompletedChunks {
		if idx >= 0 && idx < state.TotalChunks {
			s.completed[idx] = struct{}{}
		}
	}
	s.state = state
	s.loaded = true
}

func (s *Store) readState() (State, bool) {
	data, err := os.ReadFile(filepath.Join(s.dir, stateFile))
	if err != nil {
		return State{}, false
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, false
	}
	return state, true
}

func (s *Store) saveStateLocked() error {
	s.state.CompletedChunks = s.sortedCompleted()
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint state: %w", err)
	}
	if err := atomicWrite(filepath.Join(s.dir, stateFile), data); err != nil {
		return fmt.Errorf("write checkpoint state: %w", err)
	}
	return nil
}

func (s *Store) sortedCompleted() []int {
	out := make([]int, 0, len(s.completed))
	for idx := range s.completed {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func (s *Store) chunkPath(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("chunk_%06d.pcm.zst", index))
}

// atomicWrite writes via a temp file and rename so readers never see a
// partial file.
func atomicWrite(path string, data []byte) error {
	tempPath := path + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tempPath) //nolint:errcheck
		return err
	}
	if closeErr != nil {
		os.Remove(tempPath) //nolint:errcheck
		return closeErr
	}

	return os.Rename(tempPath, path)
}
