// Package config loads and validates docsmith configuration.
// Configuration comes from .docsmith.yaml in the repository root, with
// DOCSMITH_* environment variables taking highest priority.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the per-repository configuration file.
const ConfigFileName = ".docsmith.yaml"

// DataDirName is the per-repository index data directory.
const DataDirName = ".docsmith"

// Embedding provider names.
const (
	ProviderOllama = "ollama"
	ProviderStatic = "static"
)

// Config represents the complete docsmith configuration.
type Config struct {
	Version    int              `yaml:"version"`
	Paths      PathsConfig      `yaml:"paths"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Generation GenerationConfig `yaml:"generation"`
	Indexing   IndexingConfig   `yaml:"indexing"`
	Watch      WatchConfig      `yaml:"watch"`
	Cache      CacheConfig      `yaml:"cache"`
	LogLevel   string           `yaml:"log_level"`
}

// PathsConfig configures which paths to include and exclude.
// Patterns use doublestar glob syntax relative to the repository root.
type PathsConfig struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider selects the embedding backend: "ollama" or "static".
	Provider string `yaml:"provider"`
	// Model is the embedding model name (ollama only).
	Model string `yaml:"model"`
	// Dimensions is the embedding dimension (0 = auto-detect).
	Dimensions int `yaml:"dimensions"`
	// BatchSize is the maximum number of texts per embed request.
	BatchSize int `yaml:"batch_size"`
	// OllamaHost is the Ollama API endpoint.
	OllamaHost string `yaml:"ollama_host"`
	// Timeout is the per-request timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// GenerationConfig configures the text generation provider.
type GenerationConfig struct {
	// Model is the generation model name.
	Model string `yaml:"model"`
	// Timeout is the per-request timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// IndexingConfig configures indexing runs.
type IndexingConfig struct {
	// Workers is the number of files processed concurrently (0 = NumCPU).
	Workers int `yaml:"workers"`
	// MaxFileSize is the maximum file size to index in bytes.
	MaxFileSize int64 `yaml:"max_file_size"`
	// MaxRetries is the retry ceiling for provider calls.
	MaxRetries int `yaml:"max_retries"`
}

// WatchConfig configures the filesystem watcher.
type WatchConfig struct {
	// Debounce is the window for coalescing bursts of file events.
	Debounce time.Duration `yaml:"debounce"`
}

// CacheConfig configures the provider response cache.
type CacheConfig struct {
	// MemoryEntries is the size of the in-memory LRU front.
	MemoryEntries int `yaml:"memory_entries"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			Include: nil, // all supported files
			Exclude: []string{
				"**/node_modules/**",
				"**/vendor/**",
				"**/.git/**",
				"**/" + DataDirName + "/**",
			},
		},
		Embeddings: EmbeddingsConfig{
			Provider:   ProviderOllama,
			Model:      "nomic-embed-text",
			Dimensions: 0,
			BatchSize:  32,
			OllamaHost: "http://localhost:11434",
			Timeout:    60 * time.Second,
		},
		Generation: GenerationConfig{
			Model:   "llama3.2",
			Timeout: 120 * time.Second,
		},
		Indexing: IndexingConfig{
			Workers:     runtime.NumCPU(),
			MaxFileSize: 10 * 1024 * 1024,
			MaxRetries:  3,
		},
		Watch: WatchConfig{
			Debounce: 300 * time.Millisecond,
		},
		Cache: CacheConfig{
			MemoryEntries: 1000,
		},
		LogLevel: "info",
	}
}

// Load reads configuration for the given repository root.
// A missing config file is not an error; defaults are returned.
func Load(root string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(root, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigFileName, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv applies DOCSMITH_* environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("DOCSMITH_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
	}
	if v := os.Getenv("DOCSMITH_EMBEDDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("DOCSMITH_EMBED_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("DOCSMITH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DOCSMITH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Indexing.Workers = n
		}
	}
	if v := os.Getenv("DOCSMITH_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Watch.Debounce = d
		}
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Embeddings.Provider {
	case ProviderOllama, ProviderStatic:
	default:
		return fmt.Errorf("invalid embeddings provider %q (want ollama or static)", c.Embeddings.Provider)
	}

	if c.Embeddings.BatchSize < 1 || c.Embeddings.BatchSize > 256 {
		return fmt.Errorf("embeddings batch_size %d out of range [1, 256]", c.Embeddings.BatchSize)
	}

	if c.Indexing.Workers < 0 {
		return fmt.Errorf("indexing workers must be >= 0, got %d", c.Indexing.Workers)
	}

	if c.Watch.Debounce < 0 {
		return fmt.Errorf("watch debounce must be >= 0, got %s", c.Watch.Debounce)
	}

	return nil
}

// DataDir returns the index data directory for a repository root.
func DataDir(root string) string {
	return filepath.Join(root, DataDirName)
}

// Save writes the configuration to the repository root.
func (c *Config) Save(root string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(root, ConfigFileName), data, 0o644)
}
