package cmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/docsmith-dev/docsmith/internal/cache"
	"github.com/docsmith-dev/docsmith/internal/chunk"
	"github.com/docsmith-dev/docsmith/internal/config"
	"github.com/docsmith-dev/docsmith/internal/index"
	"github.com/docsmith-dev/docsmith/internal/logging"
	"github.com/docsmith-dev/docsmith/internal/provider"
	"github.com/docsmith-dev/docsmith/internal/store"
)

// Data files inside the index data directory.
const (
	chunksDBName = "chunks.db"
	cacheDBName  = "responses.db"
)

// app bundles the wired components behind every command.
type app struct {
	cfg     *config.Config
	rootDir string
	logger  *slog.Logger
	store   *store.ChunkStore
	cache   *cache.ResponseCache
	gateway *provider.Gateway
	indexer *index.Indexer

	cleanups []func()
}

// newApp loads configuration and wires store, cache, provider gateway,
// and indexer for the current working directory.
func newApp(ctx context.Context) (*app, error) {
	rootDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(rootDir)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, rootDir: rootDir}

	dataDir := config.DataDir(rootDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	logger, logCleanup, err := logging.Setup(logging.Config{
		Level:    cfg.LogLevel,
		FilePath: filepath.Join(dataDir, "logs", "docsmith.log"),
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	a.logger = logger
	a.cleanups = append(a.cleanups, logCleanup)

	embedder, err := provider.NewEmbedder(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	respCache, err := cache.Open(filepath.Join(dataDir, cacheDBName), cfg.Cache.MemoryEntries)
	if err != nil {
		_ = embedder.Close()
		a.close()
		return nil, err
	}
	a.cache = respCache

	a.gateway = provider.NewGateway(embedder, respCache,
		provider.WithGenerator(provider.NewGeneratorFromConfig(cfg)),
		provider.WithLogger(logger))

	vs, err := store.Open(store.DefaultConfig(filepath.Join(dataDir, chunksDBName), a.gateway.ModelName(), a.gateway.Dimensions()))
	if err != nil {
		_ = a.gateway.Close()
		_ = respCache.Close()
		a.close()
		return nil, err
	}
	a.store = vs

	a.indexer = index.New(cfg, rootDir, vs, a.gateway, chunk.NewHeuristicChunker(), logger)
	return a, nil
}

// close releases everything newApp opened, in reverse order.
func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.gateway != nil {
		_ = a.gateway.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}
