// Package store provides the persistent chunk and vector store.
// Chunks and their embeddings are durably stored in bbolt; an in-memory
// HNSW graph serves nearest-neighbor queries. All chunks are owned by the
// file that produced them and are replaced as a unit when that file changes.
package store

import (
	"context"
	"fmt"

	"github.com/docsmith-dev/docsmith/internal/chunk"
)

// Config configures a ChunkStore.
type Config struct {
	// Path is the bbolt database file.
	Path string

	// Model is the embedding model the vectors came from. Chunk IDs are
	// content derived and model independent, so a store reopened under a
	// different model discards its contents rather than mixing embedding
	// spaces.
	Model string

	// Dimensions is the embedding dimension, fixed at store creation.
	// A store reopened with a different dimension refuses to load.
	Dimensions int

	// M is the HNSW max connections per layer.
	M int

	// EfSearch is the HNSW query-time search width.
	EfSearch int
}

// DefaultConfig returns sensible defaults for the given model and
// dimension.
func DefaultConfig(path, model string, dimensions int) Config {
	return Config{
		Path:       path,
		Model:      model,
		Dimensions: dimensions,
		M:          16,
		EfSearch:   64,
	}
}

// Result is a single similarity search result.
type Result struct {
	Chunk *chunk.Chunk
	Score float32 // Normalized similarity, higher is more similar
}

// VectorStore is the read/write contract of the chunk store.
type VectorStore interface {
	// UpsertChunks atomically replaces all chunks owned by filePath.
	// vectors maps chunk ID to embedding for newly embedded chunks; chunks
	// whose ID already has a stored vector carry it forward.
	UpsertChunks(ctx context.Context, filePath string, chunks []*chunk.Chunk, vectors map[string][]float32) error

	// DeleteByFile removes all chunks owned by a file. Deleting an unknown
	// file is a no-op.
	DeleteByFile(ctx context.Context, filePath string) error

	// Search returns the k most similar chunks, ordered by descending
	// score with ties broken by chunk ID.
	Search(ctx context.Context, query []float32, k int) ([]*Result, error)

	// HasVector reports whether a chunk ID already has an embedding.
	HasVector(id string) bool

	// ChunkIDsForFile returns the IDs currently owned by a file.
	ChunkIDsForFile(filePath string) []string

	// FilePaths returns every file that currently owns chunks.
	FilePaths() []string

	// Count returns the number of stored chunks.
	Count() int

	// Dimensions returns the fixed embedding dimension.
	Dimensions() int

	Close() error
}

// ErrDimensionMismatch indicates a vector whose dimension does not match
// the store's configured dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
