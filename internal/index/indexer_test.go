package index

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsmith-dev/docsmith/internal/chunk"
	"github.com/docsmith-dev/docsmith/internal/config"
	"github.com/docsmith-dev/docsmith/internal/errors"
	"github.com/docsmith-dev/docsmith/internal/provider"
	"github.com/docsmith-dev/docsmith/internal/store"
)

// countingEmbedder counts how many texts reach the provider.
type countingEmbedder struct {
	inner provider.Embedder
	texts atomic.Int64
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.texts.Add(int64(len(texts)))
	return c.inner.EmbedBatch(ctx, texts)
}

func (c *countingEmbedder) ModelName() string { return c.inner.ModelName() }
func (c *countingEmbedder) Dimensions() int   { return c.inner.Dimensions() }

type fixture struct {
	root    string
	indexer *Indexer
	store   *store.ChunkStore
	embed   *countingEmbedder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.Indexing.Workers = 2
	cfg.Embeddings.BatchSize = 4

	embed := &countingEmbedder{inner: provider.NewStaticEmbedder()}

	dataDir := config.DataDir(root)
	require.NoError(t, os.MkdirAll(dataDir, 0o755))
	vs, err := store.Open(store.DefaultConfig(filepath.Join(dataDir, "chunks.db"), embed.ModelName(), embed.Dimensions()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })

	ix := New(cfg, root, vs, embed, chunk.NewHeuristicChunker(), nil)
	return &fixture{root: root, indexer: ix, store: vs, embed: embed}
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const fileA = `package a

func Alpha() int {
	return 1
}

func Beta() int {
	return 2
}
`

const fileB = `package b

func Gamma() string {
	return "gamma"
}
`

func TestIndexThenReindexIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.go", fileA)
	f.write(t, "b.go", fileB)

	// Given a first full pass
	first, err := f.indexer.Index(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Indexed)
	embedsAfterFirst := f.embed.texts.Load()
	require.Positive(t, embedsAfterFirst)

	// When nothing changed and the indexer runs again
	second, err := f.indexer.Index(context.Background(), false)
	require.NoError(t, err)

	// Then no file is reprocessed and the provider is never called
	assert.Equal(t, 0, second.Indexed)
	assert.Equal(t, 2, second.Unchanged)
	assert.Equal(t, embedsAfterFirst, f.embed.texts.Load())
}

func TestIndexOnlyTouchesModifiedFile(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.go", fileA)
	f.write(t, "b.go", fileB)

	_, err := f.indexer.Index(context.Background(), false)
	require.NoError(t, err)
	aIDs := f.store.ChunkIDsForFile("a.go")
	require.NotEmpty(t, aIDs)

	// When only b.go changes
	f.write(t, "b.go", fileB+"\nfunc Delta() string {\n\treturn \"delta\"\n}\n")
	result, err := f.indexer.Index(context.Background(), false)
	require.NoError(t, err)

	// Then a.go is untouched and keeps its chunk IDs
	assert.Equal(t, 1, result.Indexed)
	assert.Equal(t, 1, result.Unchanged)
	assert.Equal(t, aIDs, f.store.ChunkIDsForFile("a.go"))
}

func TestIndexRemovesDeletedFiles(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.go", fileA)
	f.write(t, "b.go", fileB)

	_, err := f.indexer.Index(context.Background(), false)
	require.NoError(t, err)
	require.NotEmpty(t, f.store.ChunkIDsForFile("b.go"))

	require.NoError(t, os.Remove(filepath.Join(f.root, "b.go")))
	result, err := f.indexer.Index(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Deleted)
	assert.Empty(t, f.store.ChunkIDsForFile("b.go"))
	assert.NotEmpty(t, f.store.ChunkIDsForFile("a.go"))
}

func TestFullRebuildRemovesDeletedFiles(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.go", fileA)
	f.write(t, "b.go", fileB)

	_, err := f.indexer.Index(context.Background(), false)
	require.NoError(t, err)
	require.NotEmpty(t, f.store.ChunkIDsForFile("b.go"))

	// The file disappears and the rebuild starts from an empty
	// snapshot; its chunks must still be reaped from the store.
	require.NoError(t, os.Remove(filepath.Join(f.root, "b.go")))
	result, err := f.indexer.Index(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Deleted)
	assert.Empty(t, f.store.ChunkIDsForFile("b.go"))
	assert.Equal(t, []string{"a.go"}, f.store.FilePaths())

	query, err := f.embed.EmbedBatch(context.Background(), []string{"gamma"})
	require.NoError(t, err)
	results, err := f.store.Search(context.Background(), query[0], 20)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.NotEqual(t, "b.go", r.Chunk.FilePath)
	}
}

func TestFullRebuildReusesStoredVectors(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.go", fileA)

	_, err := f.indexer.Index(context.Background(), false)
	require.NoError(t, err)
	embedsAfterFirst := f.embed.texts.Load()

	// A full rebuild reprocesses every file, but unchanged content
	// reproduces the same chunk IDs, so no re-embedding happens.
	result, err := f.indexer.Index(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Indexed)
	assert.Equal(t, embedsAfterFirst, f.embed.texts.Load())
}

func TestFailedFileIsRetriedNextRun(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.go", fileA)

	// Given an embedder that rejects everything on the first run
	failing := &failingEmbedder{inner: f.embed}
	failing.failing.Store(true)
	ix := New(f.indexer.cfg, f.root, f.store, failing, chunk.NewHeuristicChunker(), nil)

	result, err := ix.Index(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []string{"a.go"}, result.FailedFiles())
	assert.Empty(t, f.store.ChunkIDsForFile("a.go"))

	// When the provider recovers
	failing.failing.Store(false)
	result, err = ix.Index(context.Background(), false)
	require.NoError(t, err)

	// Then the file is picked up again even though it did not change
	assert.Equal(t, 1, result.Indexed)
	assert.NotEmpty(t, f.store.ChunkIDsForFile("a.go"))
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.go", fileA)

	_, err := f.indexer.Index(context.Background(), false)
	require.NoError(t, err)

	// A fresh indexer over the same data dir sees the snapshot and
	// skips unchanged files.
	ix2 := New(f.indexer.cfg, f.root, f.store, f.embed, chunk.NewHeuristicChunker(), nil)
	result, err := ix2.Index(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 0, result.Indexed)
	assert.Equal(t, 1, result.Unchanged)
}

func TestConcurrentIndexersAreRejected(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.go", fileA)

	dataDir := config.DataDir(f.root)
	held := flockHold(t, filepath.Join(dataDir, lockFileName))
	defer held()

	_, err := f.indexer.Index(context.Background(), false)

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDataDirLocked, errors.GetCode(err))
}

func TestModelChangeReembedsEverything(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.go", fileA)

	_, err := f.indexer.Index(context.Background(), false)
	require.NoError(t, err)
	embedsAfterFirst := f.embed.texts.Load()
	require.Positive(t, embedsAfterFirst)
	require.NoError(t, f.store.Close())

	// Same dimension, different model: chunk IDs are unchanged, but the
	// stored vectors belong to the old embedding space. Reopening the
	// store under the new model clears them, so the next run embeds
	// everything again instead of reusing them.
	renamed := &renamedEmbedder{Embedder: f.embed, name: "other-model"}
	vs, err := store.Open(store.DefaultConfig(
		filepath.Join(config.DataDir(f.root), "chunks.db"), renamed.ModelName(), renamed.Dimensions()))
	require.NoError(t, err)
	defer vs.Close()

	ix := New(f.indexer.cfg, f.root, vs, renamed, chunk.NewHeuristicChunker(), nil)
	result, err := ix.Index(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Indexed)
	assert.Greater(t, f.embed.texts.Load(), embedsAfterFirst)
	assert.NotEmpty(t, vs.ChunkIDsForFile("a.go"))
}

func TestSnapshotModelChangeStartsFresh(t *testing.T) {
	dir := t.TempDir()
	snap := NewSnapshot("model-a", 8)
	snap.Files["x.go"] = &FileState{Fingerprint: "abc"}
	require.NoError(t, snap.Save(dir))

	// Same model loads the recorded state back.
	same, err := LoadSnapshot(dir, "model-a", 8)
	require.NoError(t, err)
	assert.Len(t, same.Files, 1)

	// A different model or dimension cannot reuse old vectors.
	other, err := LoadSnapshot(dir, "model-b", 8)
	require.NoError(t, err)
	assert.Empty(t, other.Files)

	resized, err := LoadSnapshot(dir, "model-a", 16)
	require.NoError(t, err)
	assert.Empty(t, resized.Files)
}

func TestCorruptSnapshotIsReported(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SnapshotFileName), []byte("{not json"), 0o644))

	_, err := LoadSnapshot(dir, "model-a", 8)

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCorruptIndex, errors.GetCode(err))
}

// flockHold takes the data-dir lock and returns its release func.
func flockHold(t *testing.T, path string) func() {
	t.Helper()
	lock := flock.New(path)
	locked, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	return func() { _ = lock.Unlock() }
}

// renamedEmbedder reports a different model name over the same vectors.
type renamedEmbedder struct {
	Embedder
	name string
}

func (r *renamedEmbedder) ModelName() string { return r.name }

// failingEmbedder fails all calls while the flag is set.
type failingEmbedder struct {
	inner   Embedder
	failing atomic.Bool
}

func (f *failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.failing.Load() {
		return nil, errors.New(errors.ErrCodeProviderAuth, "simulated rejection", nil)
	}
	return f.inner.EmbedBatch(ctx, texts)
}

func (f *failingEmbedder) ModelName() string { return f.inner.ModelName() }
func (f *failingEmbedder) Dimensions() int   { return f.inner.Dimensions() }
