// Package index builds and maintains the repository index: scanning,
// diffing against the last snapshot, chunking, embedding, and storage.
package index

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"

	"github.com/docsmith-dev/docsmith/internal/errors"
)

// snapshotVersion guards against format changes.
const snapshotVersion = 1

// SnapshotFileName is the snapshot file inside the data directory.
const SnapshotFileName = "snapshot.json"

// FileState records what the index knows about a single file.
type FileState struct {
	// Fingerprint is the content hash the file had when last indexed.
	Fingerprint string `json:"fingerprint"`

	// ChunkIDs are the chunk IDs the file currently owns in the store.
	ChunkIDs []string `json:"chunk_ids"`

	// IndexedAt is when the file was last successfully indexed.
	IndexedAt time.Time `json:"indexed_at"`

	// Failed marks a file whose last indexing attempt failed. The
	// fingerprint then still describes the last successful state, so
	// the file is retried on the next run.
	Failed bool `json:"failed,omitempty"`
}

// Snapshot is the persisted view of the indexed repository. It is
// written once per indexing run, atomically, after all file work has
// finished.
type Snapshot struct {
	Version    int                   `json:"version"`
	Model      string                `json:"model"`
	Dimensions int                   `json:"dimensions"`
	UpdatedAt  time.Time             `json:"updated_at"`
	Files      map[string]*FileState `json:"files"`
}

// NewSnapshot creates an empty snapshot for the given model identity.
func NewSnapshot(model string, dimensions int) *Snapshot {
	return &Snapshot{
		Version:    snapshotVersion,
		Model:      model,
		Dimensions: dimensions,
		Files:      make(map[string]*FileState),
	}
}

// LoadSnapshot reads the snapshot from dir. A missing file yields an
// empty snapshot; a corrupt one is an error so the caller can decide to
// rebuild.
func LoadSnapshot(dir, model string, dimensions int) (*Snapshot, error) {
	path := filepath.Join(dir, SnapshotFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewSnapshot(model, dimensions), nil
		}
		return nil, errors.New(errors.ErrCodeStorageFailed, "failed to read snapshot", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.New(errors.ErrCodeCorruptIndex, "snapshot file is corrupt", err)
	}
	if snap.Files == nil {
		snap.Files = make(map[string]*FileState)
	}

	// A snapshot produced by a different model or dimension describes
	// vectors that are not comparable to new ones. Start fresh.
	if snap.Version != snapshotVersion || snap.Model != model || snap.Dimensions != dimensions {
		return NewSnapshot(model, dimensions), nil
	}
	return &snap, nil
}

// Save writes the snapshot atomically via temp file and rename, so a
// crash mid-write never leaves a torn snapshot behind.
func (s *Snapshot) Save(dir string) error {
	s.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.New(errors.ErrCodeInternal, "failed to encode snapshot", err)
	}
	path := filepath.Join(dir, SnapshotFileName)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return errors.New(errors.ErrCodeStorageFailed, "failed to write snapshot", err)
	}
	return nil
}
