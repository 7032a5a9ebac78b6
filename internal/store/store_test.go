package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsmith-dev/docsmith/internal/chunk"
	derrors "github.com/docsmith-dev/docsmith/internal/errors"
)

func openTestStore(t *testing.T, dims int) *ChunkStore {
	t.Helper()
	s, err := Open(DefaultConfig(filepath.Join(t.TempDir(), "chunks.db"), "test-model", dims))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testChunk(path string, ordinal int, text string) *chunk.Chunk {
	return &chunk.Chunk{
		ID:        chunk.MakeID(path, ordinal, text),
		FilePath:  path,
		Ordinal:   ordinal,
		Kind:      chunk.KindCode,
		StartLine: ordinal*10 + 1,
		EndLine:   ordinal*10 + 5,
		Text:      text,
	}
}

func TestUpsertAndSearch(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()

	a := testChunk("a.go", 0, "func A() {}")
	b := testChunk("a.go", 1, "func B() {}")

	err := s.UpsertChunks(ctx, "a.go", []*chunk.Chunk{a, b}, map[string][]float32{
		a.ID: {1, 0, 0},
		b.ID: {0, 1, 0},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Count())

	results, err := s.Search(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, a.ID, results[0].Chunk.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestSearch_OrderedWithDeterministicTieBreak(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()

	// Two chunks with identical vectors tie on score; order falls back to
	// chunk ID.
	c1 := testChunk("x.go", 0, "alpha")
	c2 := testChunk("y.go", 0, "beta")
	require.NoError(t, s.UpsertChunks(ctx, "x.go", []*chunk.Chunk{c1}, map[string][]float32{c1.ID: {1, 1}}))
	require.NoError(t, s.UpsertChunks(ctx, "y.go", []*chunk.Chunk{c2}, map[string][]float32{c2.ID: {1, 1}}))

	results, err := s.Search(ctx, []float32{1, 1}, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, results[0].Score, results[1].Score)
	assert.Less(t, results[0].Chunk.ID, results[1].Chunk.ID)
}

func TestSearch_KBeyondCorpusReturnsEverything(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()

	c := testChunk("a.go", 0, "only one")
	require.NoError(t, s.UpsertChunks(ctx, "a.go", []*chunk.Chunk{c}, map[string][]float32{c.ID: {1, 0}}))

	results, err := s.Search(ctx, []float32{0, 1}, 100)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearch_EmptyStore(t *testing.T) {
	s := openTestStore(t, 2)
	results, err := s.Search(context.Background(), []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDimensionMismatchRejected(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()

	c := testChunk("a.go", 0, "func A() {}")
	err := s.UpsertChunks(ctx, "a.go", []*chunk.Chunk{c}, map[string][]float32{c.ID: {1, 0}})
	require.Error(t, err)
	assert.Equal(t, derrors.ErrCodeDimensionMismatch, derrors.GetCode(err))
	assert.Equal(t, 0, s.Count(), "failed upsert must not leave partial state")

	_, err = s.Search(ctx, []float32{1, 0}, 1)
	assert.Equal(t, derrors.ErrCodeDimensionMismatch, derrors.GetCode(err))
}

func TestUpsert_ReplacesFileWholesale(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()

	old1 := testChunk("a.go", 0, "old one")
	old2 := testChunk("a.go", 1, "old two")
	require.NoError(t, s.UpsertChunks(ctx, "a.go", []*chunk.Chunk{old1, old2}, map[string][]float32{
		old1.ID: {1, 0},
		old2.ID: {0, 1},
	}))

	replacement := testChunk("a.go", 0, "new one")
	require.NoError(t, s.UpsertChunks(ctx, "a.go", []*chunk.Chunk{replacement}, map[string][]float32{
		replacement.ID: {1, 1},
	}))

	assert.Equal(t, 1, s.Count())
	assert.Equal(t, []string{replacement.ID}, s.ChunkIDsForFile("a.go"))
	assert.False(t, s.HasVector(old1.ID))
	assert.False(t, s.HasVector(old2.ID))

	results, err := s.Search(ctx, []float32{1, 1}, 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, old1.ID, r.Chunk.ID)
		assert.NotEqual(t, old2.ID, r.Chunk.ID)
	}
}

func TestUpsert_CarriesForwardExistingVectors(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()

	kept := testChunk("a.go", 0, "unchanged block")
	removed := testChunk("a.go", 1, "doomed block")
	require.NoError(t, s.UpsertChunks(ctx, "a.go", []*chunk.Chunk{kept, removed}, map[string][]float32{
		kept.ID:    {1, 0},
		removed.ID: {0, 1},
	}))

	// Re-upsert: the unchanged chunk keeps its ID and brings no new vector.
	added := testChunk("a.go", 1, "fresh block")
	require.NoError(t, s.UpsertChunks(ctx, "a.go", []*chunk.Chunk{kept, added}, map[string][]float32{
		added.ID: {1, 1},
	}))

	assert.True(t, s.HasVector(kept.ID))
	assert.True(t, s.HasVector(added.ID))
	assert.False(t, s.HasVector(removed.ID))

	results, err := s.Search(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, kept.ID, results[0].Chunk.ID)
}

func TestUpsert_MissingVectorFails(t *testing.T) {
	s := openTestStore(t, 2)

	c := testChunk("a.go", 0, "no vector anywhere")
	err := s.UpsertChunks(context.Background(), "a.go", []*chunk.Chunk{c}, nil)
	require.Error(t, err)
	assert.Equal(t, 0, s.Count())
}

func TestDeleteByFile_IdempotentAndComplete(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()

	c := testChunk("a.go", 0, "func A() {}")
	require.NoError(t, s.UpsertChunks(ctx, "a.go", []*chunk.Chunk{c}, map[string][]float32{c.ID: {1, 0}}))

	require.NoError(t, s.DeleteByFile(ctx, "a.go"))
	assert.Equal(t, 0, s.Count())
	assert.Empty(t, s.ChunkIDsForFile("a.go"))

	// Deleting again, or deleting a file that never existed, is a no-op.
	require.NoError(t, s.DeleteByFile(ctx, "a.go"))
	require.NoError(t, s.DeleteByFile(ctx, "never-indexed.go"))
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.db")
	ctx := context.Background()

	s, err := Open(DefaultConfig(path, "test-model", 2))
	require.NoError(t, err)

	c := testChunk("a.go", 0, "func A() {}")
	require.NoError(t, s.UpsertChunks(ctx, "a.go", []*chunk.Chunk{c}, map[string][]float32{c.ID: {1, 0}}))
	require.NoError(t, s.Close())

	reopened, err := Open(DefaultConfig(path, "test-model", 2))
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 1, reopened.Count())
	assert.True(t, reopened.HasVector(c.ID))

	results, err := reopened.Search(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, c.ID, results[0].Chunk.ID)
	assert.Equal(t, c.Text, results[0].Chunk.Text)
}

func TestReopen_DimensionChangeRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.db")

	s, err := Open(DefaultConfig(path, "test-model", 2))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(DefaultConfig(path, "test-model", 3))
	require.Error(t, err)
	assert.Equal(t, derrors.ErrCodeDimensionMismatch, derrors.GetCode(err))
}

func TestReopen_ModelChangeClearsStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.db")
	ctx := context.Background()

	s, err := Open(DefaultConfig(path, "model-a", 2))
	require.NoError(t, err)

	c := testChunk("a.go", 0, "func A() {}")
	require.NoError(t, s.UpsertChunks(ctx, "a.go", []*chunk.Chunk{c}, map[string][]float32{c.ID: {1, 0}}))
	require.NoError(t, s.Close())

	// Same dimension, different model: the old vectors belong to a
	// different embedding space and must not be carried forward.
	reopened, err := Open(DefaultConfig(path, "model-b", 2))
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 0, reopened.Count())
	assert.False(t, reopened.HasVector(c.ID))
	assert.Empty(t, reopened.ChunkIDsForFile("a.go"))
	assert.Empty(t, reopened.FilePaths())
}

func TestFilePaths(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()

	assert.Empty(t, s.FilePaths())

	cb := testChunk("b.go", 0, "func B() {}")
	ca := testChunk("a.go", 0, "func A() {}")
	require.NoError(t, s.UpsertChunks(ctx, "b.go", []*chunk.Chunk{cb}, map[string][]float32{cb.ID: {1, 0}}))
	require.NoError(t, s.UpsertChunks(ctx, "a.go", []*chunk.Chunk{ca}, map[string][]float32{ca.ID: {0, 1}}))

	assert.Equal(t, []string{"a.go", "b.go"}, s.FilePaths())

	require.NoError(t, s.DeleteByFile(ctx, "a.go"))
	assert.Equal(t, []string{"b.go"}, s.FilePaths())
}
