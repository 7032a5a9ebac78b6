// Package chunk splits source files into retrievable semantic units.
// The Chunker interface is the boundary to syntax-aware parsers; the
// heuristic implementation in this package is the default collaborator.
package chunk

import "context"

// Kind represents the kind of content in a chunk.
type Kind string

const (
	KindCode     Kind = "code"
	KindMarkdown Kind = "markdown"
	KindText     Kind = "text"
)

// Chunk is a retrievable unit of content extracted from a file.
// A chunk is owned exclusively by the file that produced it and is replaced
// wholesale when that file changes.
type Chunk struct {
	// ID is derived deterministically from the owning path, the chunk's
	// ordinal within the file, and a hash of its text. Identical content at
	// the same position always reproduces the same ID, which is what makes
	// re-embedding decisions cheap.
	ID string

	// FilePath is the owning file, relative to the repository root.
	FilePath string

	// Ordinal is the chunk's position within the file (0-based).
	Ordinal int

	// Kind is the content kind tag.
	Kind Kind

	// Language is the source language (go, python, markdown, ...).
	Language string

	// StartLine and EndLine are the 1-indexed, inclusive line span.
	StartLine int
	EndLine   int

	// Text is the raw chunk text.
	Text string
}

// FileInput is the input for the Chunker interface.
type FileInput struct {
	Path     string // Relative path
	Content  []byte // File content
	Language string // go, typescript, python, markdown, ...
}

// Chunker splits files into semantic chunks.
type Chunker interface {
	Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error)
}
