package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/docsmith-dev/docsmith/internal/chunk"
	"github.com/docsmith-dev/docsmith/internal/config"
	"github.com/docsmith-dev/docsmith/internal/errors"
	"github.com/docsmith-dev/docsmith/internal/scanner"
	"github.com/docsmith-dev/docsmith/internal/store"
)

// lockFileName guards the data directory against concurrent indexers.
const lockFileName = "index.lock"

// Embedder is the slice of the provider gateway the indexer needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
	Dimensions() int
}

// Result summarizes an indexing run.
type Result struct {
	Indexed   int           // Files chunked, embedded, and stored
	Unchanged int           // Files skipped because their fingerprint matched
	Failed    int           // Files whose processing failed; retried next run
	Deleted   int           // Files removed from the index
	Chunks    int           // Chunks now stored for files touched this run
	Duration  time.Duration // Wall time of the run

	// Snapshot is the persisted state after the run, including the
	// failed-file entries.
	Snapshot *Snapshot
}

// FailedFiles lists the paths whose last attempt failed.
func (r *Result) FailedFiles() []string {
	if r.Snapshot == nil {
		return nil
	}
	var failed []string
	for path, st := range r.Snapshot.Files {
		if st.Failed {
			failed = append(failed, path)
		}
	}
	sort.Strings(failed)
	return failed
}

// Indexer drives full and incremental index builds. One Indexer owns
// its data directory for the duration of each run, enforced by a file
// lock.
type Indexer struct {
	cfg     *config.Config
	rootDir string
	dataDir string
	store   store.VectorStore
	embed   Embedder
	chunker chunk.Chunker
	logger  *slog.Logger
}

// New creates an indexer over the given repository root.
func New(cfg *config.Config, rootDir string, vs store.VectorStore, embed Embedder, chunker chunk.Chunker, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		cfg:     cfg,
		rootDir: rootDir,
		dataDir: config.DataDir(rootDir),
		store:   vs,
		embed:   embed,
		chunker: chunker,
		logger:  logger,
	}
}

// Index runs one build. With fullRebuild the previous snapshot is
// discarded and every file is reprocessed; chunk IDs are content
// derived, so unchanged chunks still reuse their stored vectors.
//
// Per-file failures (unreadable, chunking or embedding errors) are
// recorded in the snapshot and the run continues; storage failures
// abort the run. The snapshot is persisted once, at the end.
func (ix *Indexer) Index(ctx context.Context, fullRebuild bool) (*Result, error) {
	start := time.Now()

	if err := os.MkdirAll(ix.dataDir, 0o755); err != nil {
		return nil, errors.New(errors.ErrCodeStorageFailed, "failed to create data directory", err)
	}

	lock := flock.New(filepath.Join(ix.dataDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.New(errors.ErrCodeStorageFailed, "failed to acquire data directory lock", err)
	}
	if !locked {
		return nil, errors.New(errors.ErrCodeDataDirLocked,
			fmt.Sprintf("another indexer holds %s", ix.dataDir), nil)
	}
	defer func() { _ = lock.Unlock() }()

	var snap *Snapshot
	if fullRebuild {
		snap = NewSnapshot(ix.embed.ModelName(), ix.embed.Dimensions())
	} else {
		snap, err = LoadSnapshot(ix.dataDir, ix.embed.ModelName(), ix.embed.Dimensions())
		if err != nil {
			return nil, err
		}
	}

	files, err := scanner.New(scanner.Options{
		RootDir:         ix.rootDir,
		IncludePatterns: ix.cfg.Paths.Include,
		ExcludePatterns: ix.cfg.Paths.Exclude,
		MaxFileSize:     ix.cfg.Indexing.MaxFileSize,
	}).Scan(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	var work []*scanner.FileInfo
	seen := make(map[string]bool, len(files))
	for _, fi := range files {
		seen[fi.Path] = true
		prev, ok := snap.Files[fi.Path]
		if ok && !prev.Failed && prev.Fingerprint == fi.Fingerprint {
			result.Unchanged++
			continue
		}
		work = append(work, fi)
	}

	// Deletions first: files the scan no longer found give up their
	// chunks before new work begins. The store's owned files are
	// reconciled alongside the snapshot, so a full rebuild (which
	// starts from an empty snapshot) still reaps stale files.
	stale := make(map[string]bool)
	for path := range snap.Files {
		if !seen[path] {
			stale[path] = true
		}
	}
	for _, path := range ix.store.FilePaths() {
		if !seen[path] {
			stale[path] = true
		}
	}
	for path := range stale {
		if err := ix.store.DeleteByFile(ctx, path); err != nil {
			return nil, err
		}
		delete(snap.Files, path)
		result.Deleted++
		ix.logger.Debug("removed deleted file from index", "path", path)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers())

	for _, fi := range work {
		fi := fi
		g.Go(func() error {
			chunks, err := ix.processFile(gctx, fi)
			if err != nil {
				// Storage failures poison the run; anything else is
				// recorded against the file and the run continues.
				if errors.IsFatal(err) || gctx.Err() != nil {
					return err
				}
				ix.logger.Warn("failed to index file", "path", fi.Path, "error", err)
				mu.Lock()
				snap.markFailed(fi.Path)
				result.Failed++
				mu.Unlock()
				return nil
			}

			ids := make([]string, len(chunks))
			for i, c := range chunks {
				ids[i] = c.ID
			}
			mu.Lock()
			snap.Files[fi.Path] = &FileState{
				Fingerprint: fi.Fingerprint,
				ChunkIDs:    ids,
				IndexedAt:   time.Now().UTC(),
			}
			result.Indexed++
			result.Chunks += len(chunks)
			mu.Unlock()
			return nil
		})
	}

	runErr := g.Wait()

	// Persist whatever completed: on abort the snapshot still reflects
	// the files that committed before the failure.
	if saveErr := snap.Save(ix.dataDir); saveErr != nil && runErr == nil {
		runErr = saveErr
	}
	if runErr != nil {
		return nil, runErr
	}

	result.Snapshot = snap
	result.Duration = time.Since(start)
	ix.logger.Info("indexing complete",
		"indexed", result.Indexed,
		"unchanged", result.Unchanged,
		"failed", result.Failed,
		"deleted", result.Deleted,
		"chunks", result.Chunks,
		"duration", result.Duration)
	return result, nil
}

// processFile runs the chunk → embed → store pipeline for one file and
// returns the chunks now owned by it.
func (ix *Indexer) processFile(ctx context.Context, fi *scanner.FileInfo) ([]*chunk.Chunk, error) {
	content, err := os.ReadFile(fi.AbsPath)
	if err != nil {
		return nil, errors.New(errors.ErrCodeFileNotFound, "failed to read file", err)
	}

	chunks, err := ix.chunker.Chunk(ctx, &chunk.FileInput{
		Path:     fi.Path,
		Content:  content,
		Language: fi.Language,
	})
	if err != nil {
		return nil, errors.New(errors.ErrCodeChunkingFailed, "failed to chunk file", err)
	}

	// Only chunks whose ID has no stored vector need the provider;
	// unchanged chunks carry their embedding forward in the store.
	var toEmbed []*chunk.Chunk
	for _, c := range chunks {
		if !ix.store.HasVector(c.ID) {
			toEmbed = append(toEmbed, c)
		}
	}

	vectors := make(map[string][]float32, len(toEmbed))
	batchSize := ix.cfg.Embeddings.BatchSize
	for start := 0; start < len(toEmbed); start += batchSize {
		end := min(start+batchSize, len(toEmbed))
		batch := toEmbed[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		embedded, err := ix.embed.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, errors.New(errors.ErrCodeEmbeddingFailed, "failed to embed chunks", err)
		}
		for i, c := range batch {
			vectors[c.ID] = embedded[i]
		}
	}

	if err := ix.store.UpsertChunks(ctx, fi.Path, chunks, vectors); err != nil {
		return nil, err
	}
	return chunks, nil
}

func (ix *Indexer) workers() int {
	if ix.cfg.Indexing.Workers > 0 {
		return ix.cfg.Indexing.Workers
	}
	return runtime.NumCPU()
}

// markFailed records a failed attempt while keeping the last good
// fingerprint, so the file is retried on the next run.
func (s *Snapshot) markFailed(path string) {
	if prev, ok := s.Files[path]; ok {
		prev.Failed = true
		return
	}
	s.Files[path] = &FileState{Failed: true, IndexedAt: time.Now().UTC()}
}
