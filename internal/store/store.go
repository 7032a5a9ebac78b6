package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/coder/hnsw"
	"go.etcd.io/bbolt"

	"github.com/docsmith-dev/docsmith/internal/chunk"
	derrors "github.com/docsmith-dev/docsmith/internal/errors"
)

var (
	bucketMeta    = []byte("meta")
	bucketChunks  = []byte("chunks")
	bucketVectors = []byte("vectors")
	bucketFiles   = []byte("files")

	keyDimensions = []byte("dimensions")
	keyModel      = []byte("model")
)

// ChunkStore is the bbolt-backed VectorStore implementation.
//
// Durability comes from bbolt: each UpsertChunks/DeleteByFile is one
// transaction, so a file's chunks are never half-replaced on disk. The
// in-memory maps and HNSW graph mirror the database and are updated under
// the write lock only after the transaction commits, so readers never
// observe a partial update either.
type ChunkStore struct {
	mu     sync.RWMutex
	db     *bbolt.DB
	config Config

	graph   *hnsw.Graph[uint64]
	chunks  map[string]*chunk.Chunk
	vectors map[string][]float32 // normalized
	byFile  map[string][]string

	// String ID <-> internal graph key. Deletion is lazy: removing a
	// mapping orphans the graph node, which is cheaper than deleting from
	// the graph and avoids known issues deleting the last node.
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	closed bool
}

var _ VectorStore = (*ChunkStore)(nil)

// Open opens (or creates) a chunk store at cfg.Path and loads its contents
// into memory. Opening an existing store with a different dimension fails.
func Open(cfg Config) (*ChunkStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, derrors.ValidationError(fmt.Sprintf("store dimensions must be positive, got %d", cfg.Dimensions), nil)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}

	db, err := bbolt.Open(cfg.Path, 0o600, nil)
	if err != nil {
		return nil, derrors.StorageError("open chunk store", err)
	}

	s := &ChunkStore{
		db:      db,
		config:  cfg,
		chunks:  make(map[string]*chunk.Chunk),
		vectors: make(map[string][]float32),
		byFile:  make(map[string][]string),
		idMap:   make(map[string]uint64),
		keyMap:  make(map[uint64]string),
	}
	s.graph = newGraph(cfg)

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func newGraph(cfg Config) *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = cfg.M
	g.EfSearch = cfg.EfSearch
	g.Ml = 0.25
	return g
}

// init creates buckets and verifies the stored dimension and model.
// A dimension mismatch is an error; a model mismatch clears the store,
// since content-derived chunk IDs would otherwise resurrect vectors
// from the old embedding space.
func (s *ChunkStore) init() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketChunks, bucketVectors, bucketFiles} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return derrors.StorageError(fmt.Sprintf("create bucket %s", b), err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		if stored := meta.Get(keyDimensions); stored != nil {
			dims, err := strconv.Atoi(string(stored))
			if err != nil {
				return derrors.Wrap(derrors.ErrCodeCorruptIndex, err)
			}
			if dims != s.config.Dimensions {
				return derrors.New(derrors.ErrCodeDimensionMismatch,
					fmt.Sprintf("store was built with %d dimensions, configured for %d; rebuild the index", dims, s.config.Dimensions), nil)
			}
			if model := meta.Get(keyModel); model != nil && string(model) != s.config.Model {
				slog.Warn("embedding model changed, clearing chunk store",
					"stored", string(model), "configured", s.config.Model)
				if err := s.wipe(tx); err != nil {
					return err
				}
			}
			return meta.Put(keyModel, []byte(s.config.Model))
		}
		if err := meta.Put(keyDimensions, []byte(strconv.Itoa(s.config.Dimensions))); err != nil {
			return err
		}
		return meta.Put(keyModel, []byte(s.config.Model))
	})
}

// wipe drops and recreates the data buckets inside an open transaction.
func (s *ChunkStore) wipe(tx *bbolt.Tx) error {
	for _, b := range [][]byte{bucketChunks, bucketVectors, bucketFiles} {
		if err := tx.DeleteBucket(b); err != nil {
			return derrors.StorageError(fmt.Sprintf("drop bucket %s", b), err)
		}
		if _, err := tx.CreateBucket(b); err != nil {
			return derrors.StorageError(fmt.Sprintf("recreate bucket %s", b), err)
		}
	}
	return nil
}

// load reads all chunks and vectors into memory and rebuilds the graph.
func (s *ChunkStore) load() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			var ids []string
			if err := json.Unmarshal(v, &ids); err != nil {
				return derrors.Wrap(derrors.ErrCodeCorruptIndex, err)
			}
			s.byFile[string(k)] = ids
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketChunks).ForEach(func(k, v []byte) error {
			var c chunk.Chunk
			if err := json.Unmarshal(v, &c); err != nil {
				return derrors.Wrap(derrors.ErrCodeCorruptIndex, err)
			}
			s.chunks[string(k)] = &c
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(bucketVectors).ForEach(func(k, v []byte) error {
			vec, err := decodeVector(v)
			if err != nil {
				return derrors.Wrap(derrors.ErrCodeCorruptIndex, err)
			}
			if len(vec) != s.config.Dimensions {
				return derrors.New(derrors.ErrCodeCorruptIndex,
					fmt.Sprintf("stored vector for %s has %d dimensions, want %d", k, len(vec), s.config.Dimensions), nil)
			}
			s.insertVector(string(k), vec)
			return nil
		})
	})
}

// insertVector adds a vector to the in-memory maps and graph.
// Caller must hold the write lock (or be single-threaded during load).
func (s *ChunkStore) insertVector(id string, vec []float32) {
	if oldKey, exists := s.idMap[id]; exists {
		delete(s.keyMap, oldKey)
		delete(s.idMap, id)
	}

	key := s.nextKey
	s.nextKey++

	s.vectors[id] = vec
	s.graph.Add(hnsw.MakeNode(key, vec))
	s.idMap[id] = key
	s.keyMap[key] = id
}

// UpsertChunks atomically replaces all chunks owned by filePath.
// Vectors for chunk IDs not present in the vectors argument are carried
// forward from the existing store; every chunk must end up with a vector.
func (s *ChunkStore) UpsertChunks(ctx context.Context, filePath string, chunks []*chunk.Chunk, vectors map[string][]float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return derrors.StorageError("store is closed", nil)
	}

	for id, vec := range vectors {
		if len(vec) != s.config.Dimensions {
			return derrors.New(derrors.ErrCodeDimensionMismatch,
				ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(vec)}.Error(), nil).
				WithDetail("chunk_id", id)
		}
	}

	// Resolve the final vector for every chunk before touching anything.
	newVectors := make(map[string][]float32, len(chunks))
	newIDs := make([]string, len(chunks))
	for i, c := range chunks {
		newIDs[i] = c.ID
		if vec, ok := vectors[c.ID]; ok {
			newVectors[c.ID] = normalize(vec)
		} else if existing, ok := s.vectors[c.ID]; ok {
			newVectors[c.ID] = existing
		} else {
			return derrors.ValidationError(fmt.Sprintf("chunk %s has no embedding", c.ID), nil).
				WithDetail("path", filePath)
		}
	}

	oldIDs := s.byFile[filePath]

	err := s.db.Update(func(tx *bbolt.Tx) error {
		chunksBkt := tx.Bucket(bucketChunks)
		vectorsBkt := tx.Bucket(bucketVectors)
		filesBkt := tx.Bucket(bucketFiles)

		// Whole-file replacement: delete then insert inside one tx.
		for _, id := range oldIDs {
			if err := chunksBkt.Delete([]byte(id)); err != nil {
				return err
			}
			if err := vectorsBkt.Delete([]byte(id)); err != nil {
				return err
			}
		}

		for _, c := range chunks {
			data, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := chunksBkt.Put([]byte(c.ID), data); err != nil {
				return err
			}
			if err := vectorsBkt.Put([]byte(c.ID), encodeVector(newVectors[c.ID])); err != nil {
				return err
			}
		}

		if len(newIDs) == 0 {
			return filesBkt.Delete([]byte(filePath))
		}
		ids, err := json.Marshal(newIDs)
		if err != nil {
			return err
		}
		return filesBkt.Put([]byte(filePath), ids)
	})
	if err != nil {
		return derrors.StorageError(fmt.Sprintf("upsert chunks for %s", filePath), err)
	}

	// Durable; now flip the in-memory view.
	for _, id := range oldIDs {
		delete(s.chunks, id)
		delete(s.vectors, id)
		if key, ok := s.idMap[id]; ok {
			delete(s.keyMap, key)
			delete(s.idMap, id)
		}
	}
	for _, c := range chunks {
		s.chunks[c.ID] = c
		s.insertVector(c.ID, newVectors[c.ID])
	}
	if len(newIDs) == 0 {
		delete(s.byFile, filePath)
	} else {
		s.byFile[filePath] = newIDs
	}

	return nil
}

// DeleteByFile removes all chunks owned by a file. Unknown files are a
// no-op so deletes can be retried freely.
func (s *ChunkStore) DeleteByFile(ctx context.Context, filePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return derrors.StorageError("store is closed", nil)
	}

	ids, ok := s.byFile[filePath]
	if !ok {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		chunksBkt := tx.Bucket(bucketChunks)
		vectorsBkt := tx.Bucket(bucketVectors)
		for _, id := range ids {
			if err := chunksBkt.Delete([]byte(id)); err != nil {
				return err
			}
			if err := vectorsBkt.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketFiles).Delete([]byte(filePath))
	})
	if err != nil {
		return derrors.StorageError(fmt.Sprintf("delete chunks for %s", filePath), err)
	}

	for _, id := range ids {
		delete(s.chunks, id)
		delete(s.vectors, id)
		if key, ok := s.idMap[id]; ok {
			delete(s.keyMap, key)
			delete(s.idMap, id)
		}
	}
	delete(s.byFile, filePath)

	return nil
}

// Search returns the k most similar chunks to query, ordered by descending
// score with ties broken by chunk ID. A k larger than the corpus returns
// the whole corpus.
func (s *ChunkStore) Search(ctx context.Context, query []float32, k int) ([]*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, derrors.StorageError("store is closed", nil)
	}
	if len(query) != s.config.Dimensions {
		return nil, derrors.New(derrors.ErrCodeDimensionMismatch,
			ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)}.Error(), nil)
	}
	if k <= 0 || len(s.idMap) == 0 {
		return []*Result{}, nil
	}

	q := normalize(query)

	var results []*Result
	if k >= len(s.idMap) {
		// Exact scan: cheaper than the graph for tiny corpora and
		// guarantees the full corpus is returned.
		results = make([]*Result, 0, len(s.idMap))
		for id, vec := range s.vectors {
			if _, live := s.idMap[id]; !live {
				continue
			}
			results = append(results, &Result{
				Chunk: s.chunks[id],
				Score: (1 + dot(q, vec)) / 2,
			})
		}
	} else {
		nodes := s.graph.Search(q, k)
		results = make([]*Result, 0, len(nodes))
		for _, node := range nodes {
			id, live := s.keyMap[node.Key]
			if !live {
				continue // lazily deleted
			}
			results = append(results, &Result{
				Chunk: s.chunks[id],
				Score: 1 - s.graph.Distance(q, node.Value)/2,
			})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// HasVector reports whether a chunk ID already has a stored embedding.
func (s *ChunkStore) HasVector(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.idMap[id]
	return ok
}

// ChunkIDsForFile returns the chunk IDs currently owned by a file.
func (s *ChunkStore) ChunkIDsForFile(filePath string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byFile[filePath]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// FilePaths returns every file that currently owns chunks, sorted.
func (s *ChunkStore) FilePaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.byFile))
	for path := range s.byFile {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Count returns the number of stored chunks.
func (s *ChunkStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idMap)
}

// Dimensions returns the fixed embedding dimension.
func (s *ChunkStore) Dimensions() int {
	return s.config.Dimensions
}

// Close closes the underlying database.
func (s *ChunkStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return s.db.Close()
}

// encodeVector serializes a vector as little-endian float32 bits.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector deserializes a vector encoded by encodeVector.
func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector data length %d not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// normalize returns a unit-length copy of v. Zero vectors are returned
// unchanged.
func normalize(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	out := make([]float32, len(v))
	copy(out, v)
	if sumSquares == 0 {
		return out
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range out {
		out[i] *= inv
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
