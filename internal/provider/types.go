// Package provider mediates access to embedding and generation backends.
// All model traffic flows through the Gateway, which layers response
// caching, retry with backoff, and a circuit breaker over the raw
// provider clients.
package provider

import (
	"context"
	"time"
)

// Embedder converts text into dense vectors.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one call.
	// The result has the same length and order as the input.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector size this embedder produces.
	Dimensions() int

	// ModelName returns the model identifier used for cache keying.
	ModelName() string

	// Available reports whether the backend is reachable.
	Available(ctx context.Context) bool

	// Close releases resources held by the embedder.
	Close() error
}

// Generator produces free-form text from a prompt.
type Generator interface {
	// Generate returns the model completion for prompt.
	Generate(ctx context.Context, prompt string) (string, error)

	// ModelName returns the model identifier used for cache keying.
	ModelName() string

	// Close releases resources held by the generator.
	Close() error
}

// Defaults for the Ollama backend.
const (
	DefaultOllamaHost  = "http://localhost:11434"
	DefaultEmbedModel  = "nomic-embed-text"
	DefaultGenModel    = "qwen2.5-coder:1.5b"
	DefaultDimensions  = 768
	DefaultBatchSize   = 32
	DefaultTimeout     = 60 * time.Second
	DefaultPoolSize    = 4
	connectTimeout     = 5 * time.Second
	idleConnTimeout    = 10 * time.Second
)

// StaticDimensions is the vector size of the hash-based embedder.
const StaticDimensions = 384

// OllamaConfig configures the Ollama HTTP clients.
type OllamaConfig struct {
	Host       string
	Model      string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
	PoolSize   int

	// SkipHealthCheck bypasses the startup reachability probe.
	SkipHealthCheck bool
}

func (c *OllamaConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultOllamaHost
	}
	if c.Model == "" {
		c.Model = DefaultEmbedModel
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
}
