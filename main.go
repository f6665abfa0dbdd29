// Package main provides the entry point for the abgen CLI, which turns
// an EPUB into a narrated MP3 or M4B audiobook.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dgnsrekt/abgen/internal/backend"
	"github.com/dgnsrekt/abgen/internal/book"
	"github.com/dgnsrekt/abgen/internal/checkpoint"
	"github.com/dgnsrekt/abgen/internal/chunker"
	"github.com/dgnsrekt/abgen/internal/events"
	"github.com/dgnsrekt/abgen/internal/export"
	"github.com/dgnsrekt/abgen/internal/pcm"
	"github.com/dgnsrekt/abgen/internal/pipeline"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile      string
	inputPath       string
	outputPath      string
	voice           string
	langCode        string
	speed           float64
	chunkChars      int
	splitPattern    string
	backendName     string
	format          string
	bitrate         string
	normalize       bool
	pipelineMode    string
	prefetchChunks  int
	pcmQueueSize    int
	titleOverride   string
	authorOverride  string
	coverOverride   string
	useCheckpoint   bool
	resumeRun       bool
	checkCheckpoint bool
	extractMetadata bool
	eventFormat     string
	logFile         string

	rootCmd = &cobra.Command{
		Use:           "abgen",
		Short:         "Convert an EPUB into a narrated audiobook",
		Long:          "\nConvert an EPUB into a narrated MP3 or M4B audiobook with a Kokoro TTS backend, resumable from checkpoints.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(*cobra.Command, []string) error {
			return validateOptions()
		},
		RunE: execute,
	}
)

// envOverrides are settings read from the environment rather than
// flags: log verbosity and the worker commands for the exec backends.
type envOverrides struct {
	LogLevel    string `env:"ABGEN_LOG_LEVEL"`
	TorchWorker string `env:"ABGEN_TORCH_WORKER"`
	MLXWorker   string `env:"ABGEN_MLX_WORKER"`
}

// backendDefaultChunkChars are the benchmark-derived chunk budgets:
// MLX throughput peaks near 900 chars per call, torch near 600.
var backendDefaultChunkChars = map[string]int{
	"mlx":   900,
	"torch": 600,
}

const fallbackChunkChars = 600

// Constructor and encoder indirection so tests can substitute a
// failure-injecting backend and skip the real ffmpeg invocation.
var (
	newBackend = backend.New
	encodeMP3  = export.EncodeMP3
	encodeM4B  = export.EncodeM4B
)

func validateOptions() error {
	voice = viper.GetString("voice")
	langCode = viper.GetString("lang_code")
	speed = viper.GetFloat64("speed")
	chunkChars = viper.GetInt("chunk_chars")
	splitPattern = viper.GetString("split_pattern")
	backendName = viper.GetString("backend")
	format = viper.GetString("format")
	bitrate = viper.GetString("bitrate")
	normalize = viper.GetBool("normalize")
	prefetchChunks = viper.GetInt("prefetch_chunks")
	pcmQueueSize = viper.GetInt("pcm_queue_size")
	eventFormat = viper.GetString("event_format")

	if _, err := events.ParseFormat(eventFormat); err != nil {
		return err
	}

	// Modes that exit before synthesis skip the synthesis option checks.
	if extractMetadata || checkCheckpoint {
		return nil
	}

	switch format {
	case "mp3", "m4b":
	default:
		return fmt.Errorf("unsupported format %q (want mp3 or m4b)", format)
	}
	switch bitrate {
	case "128k", "192k", "320k":
	default:
		return fmt.Errorf("unsupported bitrate %q (want 128k, 192k, or 320k)", bitrate)
	}
	switch backendName {
	case "auto", "torch", "mlx", "mock":
	default:
		return fmt.Errorf("unsupported backend %q (want auto, torch, mlx, or mock)", backendName)
	}
	if speed < 0.1 || speed > 3.0 {
		return fmt.Errorf("speed must be between 0.1 and 3.0, got %.2f", speed)
	}
	if chunkChars < 0 {
		return errors.New("chunk-chars must not be negative")
	}
	if prefetchChunks < 1 {
		return errors.New("prefetch-chunks must be >= 1")
	}
	if pcmQueueSize < 1 {
		return errors.New("pcm-queue-size must be >= 1")
	}
	if pipelineMode != "" {
		if _, err := pipeline.ParseMode(pipelineMode); err != nil {
			return err
		}
	}
	return nil
}

func execute(cmd *cobra.Command, _ []string) error {
	overrides, err := env.ParseAs[envOverrides]()
	if err != nil {
		return fmt.Errorf("error parsing environment: %w", err)
	}
	if overrides.LogLevel != "" {
		if lvl, lerr := log.ParseLevel(overrides.LogLevel); lerr == nil {
			log.SetLevel(lvl)
		}
	}

	evFormat, _ := events.ParseFormat(eventFormat)
	jobID := filepath.Base(outputPath)
	if jobID == "" || jobID == "." {
		jobID = "abgen"
	}
	em, err := events.New(evFormat, jobID, logFile)
	if err != nil {
		return err
	}
	defer em.Close() //nolint:errcheck

	if err := generate(cmd.Context(), em, overrides); err != nil {
		em.Error(err.Error())
		return err
	}
	return nil
}

func generate(ctx context.Context, em *events.Emitter, overrides envOverrides) error {
	start := time.Now()

	if _, err := os.Stat(inputPath); err != nil {
		return fmt.Errorf("input EPUB not found: %s", inputPath)
	}

	if extractMetadata {
		meta, err := book.ReadMetadata(inputPath)
		if err != nil {
			return err
		}
		em.Metadata("title", meta.Title)
		em.Metadata("author", meta.Author)
		em.Metadata("has_cover", len(meta.Cover) > 0)
		return nil
	}

	store, err := checkpoint.NewStore(checkpoint.Dir(outputPath))
	if err != nil {
		return err
	}

	if checkCheckpoint {
		return reportCheckpoint(em, store)
	}

	workers := backend.WorkerCommands{Torch: overrides.TorchWorker, MLX: overrides.MLXWorker}
	resolved := backend.Resolve(ctx, backendName, workers)
	em.Metadata("backend_resolved", resolved)

	maxChars := chunkChars
	if maxChars == 0 {
		var ok bool
		if maxChars, ok = backendDefaultChunkChars[resolved]; !ok {
			maxChars = fallbackChunkChars
		}
	}

	em.Phase("PARSING")
	bk, err := book.Read(inputPath)
	if err != nil {
		return err
	}
	chunks, boundaries, err := chunker.Plan(bk.Chapters, maxChars, splitPattern)
	if err != nil {
		return err
	}
	em.Metadata("total_chars", bk.TotalChars())
	em.Metadata("chapter_count", len(boundaries))
	log.Info("planned synthesis",
		"chunks", len(chunks),
		"chapters", len(boundaries),
		"chars", humanize.Comma(int64(bk.TotalChars())))

	meta, err := applyMetadataOverrides(bk.Meta)
	if err != nil {
		return err
	}

	useCkpt := useCheckpoint || resumeRun
	if useCkpt {
		cfg := checkpoint.Config{
			Voice:        voice,
			Speed:        speed,
			LangCode:     langCode,
			Backend:      resolved,
			ChunkChars:   maxChars,
			SplitPattern: splitPattern,
			Format:       format,
			Bitrate:      bitrate,
			Normalize:    normalize,
		}
		if err := prepareCheckpoint(em, store, cfg, chunks, boundaries); err != nil {
			return err
		}
	} else {
		store = nil
	}

	b, err := newBackend(resolved, backend.Options{
		Voice:        voice,
		Speed:        speed,
		LangCode:     langCode,
		SplitPattern: splitPattern,
	}, workers)
	if err != nil {
		return err
	}
	if err := b.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize %q backend: %w", resolved, err)
	}
	defer b.Cleanup() //nolint:errcheck

	if dir := filepath.Dir(outputPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	requestedMode := pipeline.Mode(pipelineMode)
	if pipelineMode == "" {
		requestedMode = pipeline.DefaultMode(format, useCkpt, resolved)
	}
	coord := pipeline.New(b, store, em, log.Default(), pipeline.Config{
		Mode:           requestedMode,
		Format:         format,
		Resume:         resumeRun,
		PrefetchChunks: prefetchChunks,
		PCMQueueSize:   pcmQueueSize,
	})
	mode := coord.EffectiveMode()
	em.Metadata("pipeline_mode", string(mode))

	params := export.Params{
		SampleRate: b.SampleRate(),
		Bitrate:    bitrate,
		Normalize:  normalize,
	}

	// MP3 without checkpointing streams straight into the encoder to
	// skip the second disk pass. Everything else spools so the full
	// PCM is on disk before ffmpeg runs.
	var stream *export.Stream
	var spool *export.Spool
	var sink pcm.SampleSink
	if format == "mp3" && !useCkpt {
		stream, err = export.OpenMP3Stream(outputPath, params)
		if err != nil {
			return err
		}
		sink = stream
	} else {
		spool, err = export.NewSpool()
		if err != nil {
			return err
		}
		defer spool.Remove()
		sink = spool
	}

	starts := make([]pcm.ChapterStart, len(boundaries))
	for i, bd := range boundaries {
		starts[i] = pcm.ChapterStart{Chunk: bd.Chunk, Title: bd.Title}
	}
	asm := pcm.NewAssembler(sink, starts)

	delivery := "disk spooling"
	if stream != nil {
		delivery = "streaming MP3 export"
	}
	em.Info(fmt.Sprintf("Processing %d chunks with %s backend (%s pipeline + %s)",
		len(chunks), b.Name(), mode, delivery))

	em.Phase("INFERENCE")
	if err := coord.Run(ctx, chunks, asm); err != nil {
		if stream != nil {
			stream.Abort()
		}
		return err
	}

	em.Phase("CONCATENATING")
	em.Info("Concatenating audio segments...")

	em.Phase("EXPORTING")
	if err := finishExport(ctx, stream, spool, asm, meta, params); err != nil {
		// Checkpoint state stays on disk so the run can resume at the
		// export stage without redoing inference.
		return err
	}

	if store != nil {
		if err := store.Cleanup(); err != nil {
			return err
		}
		em.Checkpoint(events.CheckpointCleaned)
	}

	em.Done(outputPath, len(chunks))
	em.Info("Done.")
	em.Info(fmt.Sprintf("Output: %s", outputPath))
	em.Info(fmt.Sprintf("Chunks: %d", len(chunks)))
	log.Info("run complete",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"chunks", len(chunks))
	return nil
}

// reportCheckpoint handles --check-checkpoint: probe and exit. The
// probe checks existence and source hash only; config drift is only
// detectable by an actual resume.
func reportCheckpoint(em *events.Emitter, store *checkpoint.Store) error {
	hash, err := checkpoint.HashSource(inputPath)
	if err != nil {
		return err
	}
	pr := store.Probe(hash)
	switch {
	case !pr.Exists:
		em.Checkpoint(events.CheckpointNone)
	case !pr.HashOK:
		em.Checkpoint(events.CheckpointInvalid, "hash_mismatch")
	default:
		em.Checkpoint(events.CheckpointFound, fmt.Sprintf("%d:%d", pr.Total, pr.Completed))
	}
	return nil
}

// prepareCheckpoint loads or creates checkpoint state for this run. An
// invalid resume downgrades to a fresh run after announcing why; a
// fresh --checkpoint run over leftover state is refused so the user
// decides what to do with it.
func prepareCheckpoint(em *events.Emitter, store *checkpoint.Store, cfg checkpoint.Config, chunks []chunker.Chunk, boundaries []chunker.ChapterBoundary) error {
	hash, err := checkpoint.HashSource(inputPath)
	if err != nil {
		return err
	}

	starts := make([]checkpoint.ChapterStart, len(boundaries))
	for i, b := range boundaries {
		starts[i] = checkpoint.ChapterStart{Chunk: b.Chunk, Title: b.Title}
	}
	fresh := checkpoint.State{
		SourceHash:    hash,
		Config:        cfg,
		TotalChunks:   len(chunks),
		ChapterStarts: starts,
	}

	if resumeRun {
		_, validation := store.Load(hash, cfg, len(chunks))
		switch validation {
		case checkpoint.Valid:
			em.Checkpoint(events.CheckpointResuming, store.CompletedCount())
			return nil
		case checkpoint.Absent:
			return store.Create(fresh)
		default:
			em.Checkpoint(events.CheckpointInvalid, validation.Reason())
			if err := store.Cleanup(); err != nil {
				return err
			}
			return store.Create(fresh)
		}
	}

	if err := store.Create(fresh); err != nil {
		if errors.Is(err, checkpoint.ErrExists) {
			return fmt.Errorf("checkpoint already exists at %s; pass --resume to continue it or delete it first", checkpoint.Dir(outputPath))
		}
		return err
	}
	return nil
}

func finishExport(ctx context.Context, stream *export.Stream, spool *export.Spool, asm *pcm.Assembler, meta book.Metadata, params export.Params) error {
	if stream != nil {
		return stream.Close()
	}

	if err := spool.Finish(); err != nil {
		return fmt.Errorf("finalize audio spool: %w", err)
	}
	if format == "m4b" {
		return encodeM4B(ctx, spool.Path(), outputPath, meta, exportChapters(asm), params)
	}
	return encodeMP3(ctx, spool.Path(), outputPath, params)
}

func exportChapters(asm *pcm.Assembler) []export.Chapter {
	spans := asm.Chapters()
	chapters := make([]export.Chapter, len(spans))
	for i, s := range spans {
		chapters[i] = export.Chapter{
			Title:       s.Title,
			StartSample: s.StartSample,
			EndSample:   s.EndSample,
		}
	}
	return chapters
}

// applyMetadataOverrides folds --title/--author/--cover into the
// metadata extracted from the book.
func applyMetadataOverrides(meta book.Metadata) (book.Metadata, error) {
	if titleOverride != "" {
		meta.Title = titleOverride
	}
	if authorOverride != "" {
		meta.Author = authorOverride
	}
	if coverOverride != "" {
		data, err := os.ReadFile(coverOverride)
		if err != nil {
			return meta, fmt.Errorf("cover override file not found: %s", coverOverride)
		}
		meta.Cover = data
		meta.CoverMIME = coverMIMEFromExt(coverOverride)
	}
	return meta, nil
}

func coverMIMEFromExt(path string) string {
	switch filepath.Ext(path) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	}
	return "image/jpeg"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.Flags().StringVarP(&inputPath, "input", "i", "", "path to the input EPUB (required)")
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "path to the output audio file (required)")
	rootCmd.Flags().StringVar(&voice, "voice", "af_heart", "Kokoro voice")
	rootCmd.Flags().StringVar(&langCode, "lang-code", "a", "Kokoro language code")
	rootCmd.Flags().Float64Var(&speed, "speed", 1.0, "speech speed multiplier")
	rootCmd.Flags().IntVar(&chunkChars, "chunk-chars", 0, "max characters per chunk (0 picks the backend default)")
	rootCmd.Flags().StringVar(&splitPattern, "split-pattern", `\n+`, "regex used to split chapter text into paragraphs")
	rootCmd.Flags().StringVar(&backendName, "backend", "auto", "TTS backend (auto, torch, mlx, mock)")
	rootCmd.Flags().StringVar(&format, "format", "mp3", "output format (mp3 or m4b)")
	rootCmd.Flags().StringVar(&bitrate, "bitrate", "192k", "audio bitrate (128k, 192k, 320k)")
	rootCmd.Flags().BoolVar(&normalize, "normalize", false, "apply -14 LUFS loudness normalization")
	rootCmd.Flags().StringVar(&pipelineMode, "pipeline-mode", "", "pipeline mode (sequential or overlap3)")
	rootCmd.Flags().IntVar(&prefetchChunks, "prefetch-chunks", 2, "chunks to prefetch ahead of conversion in overlap3 mode")
	rootCmd.Flags().IntVar(&pcmQueueSize, "pcm-queue-size", 4, "converted-audio queue depth in overlap3 mode")
	rootCmd.Flags().StringVar(&titleOverride, "title", "", "override the book title in M4B metadata")
	rootCmd.Flags().StringVar(&authorOverride, "author", "", "override the book author in M4B metadata")
	rootCmd.Flags().StringVar(&coverOverride, "cover", "", "override the cover image for M4B output")
	rootCmd.Flags().BoolVar(&useCheckpoint, "checkpoint", false, "save progress so an interrupted run can resume")
	rootCmd.Flags().BoolVar(&resumeRun, "resume", false, "resume from a checkpoint if one is valid")
	rootCmd.Flags().BoolVar(&checkCheckpoint, "check-checkpoint", false, "report checkpoint status and exit")
	rootCmd.Flags().BoolVar(&extractMetadata, "extract-metadata", false, "print EPUB metadata and exit")
	rootCmd.Flags().StringVar(&eventFormat, "event-format", "text", "event output format (text or json)")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "optional file to mirror event output to")

	_ = rootCmd.MarkFlagRequired("input")
	_ = rootCmd.MarkFlagRequired("output")

	// Config bindings
	_ = viper.BindPFlag("voice", rootCmd.Flags().Lookup("voice"))
	_ = viper.BindPFlag("lang_code", rootCmd.Flags().Lookup("lang-code"))
	_ = viper.BindPFlag("speed", rootCmd.Flags().Lookup("speed"))
	_ = viper.BindPFlag("chunk_chars", rootCmd.Flags().Lookup("chunk-chars"))
	_ = viper.BindPFlag("split_pattern", rootCmd.Flags().Lookup("split-pattern"))
	_ = viper.BindPFlag("backend", rootCmd.Flags().Lookup("backend"))
	_ = viper.BindPFlag("format", rootCmd.Flags().Lookup("format"))
	_ = viper.BindPFlag("bitrate", rootCmd.Flags().Lookup("bitrate"))
	_ = viper.BindPFlag("normalize", rootCmd.Flags().Lookup("normalize"))
	_ = viper.BindPFlag("prefetch_chunks", rootCmd.Flags().Lookup("prefetch-chunks"))
	_ = viper.BindPFlag("pcm_queue_size", rootCmd.Flags().Lookup("pcm-queue-size"))
	_ = viper.BindPFlag("event_format", rootCmd.Flags().Lookup("event-format"))

	viper.SetDefault("voice", "af_heart")
	viper.SetDefault("lang_code", "a")
	viper.SetDefault("speed", 1.0)
	viper.SetDefault("split_pattern", `\n+`)
	viper.SetDefault("backend", "auto")
	viper.SetDefault("format", "mp3")
	viper.SetDefault("bitrate", "192k")
	viper.SetDefault("prefetch_chunks", 2)
	viper.SetDefault("pcm_queue_size", 4)
	viper.SetDefault("event_format", "text")

	rootCmd.AddCommand(configCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "abgen")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "abgen")}, dirs...)
	}

	if c := os.Getenv("ABGEN_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("abgen")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("abgen")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
		return
	}

	if viper.ConfigFileUsed() == "" {
		configFile = filepath.Join(dirs[0], "abgen.yml")
	}
}
