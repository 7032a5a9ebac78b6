package provider

import (
	"context"
	"fmt"

	"github.com/docsmith-dev/docsmith/internal/config"
	"github.com/docsmith-dev/docsmith/internal/errors"
)

// NewEmbedder creates the embedder selected by the configuration.
func NewEmbedder(ctx context.Context, cfg *config.Config) (Embedder, error) {
	switch cfg.Embeddings.Provider {
	case config.ProviderOllama:
		return NewOllamaEmbedder(ctx, OllamaConfig{
			Host:       cfg.Embeddings.OllamaHost,
			Model:      cfg.Embeddings.Model,
			Dimensions: cfg.Embeddings.Dimensions,
			BatchSize:  cfg.Embeddings.BatchSize,
			Timeout:    cfg.Embeddings.Timeout,
		})
	case config.ProviderStatic:
		return NewStaticEmbedder(), nil
	default:
		return nil, errors.New(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown embedding provider: %q", cfg.Embeddings.Provider), nil)
	}
}

// NewGeneratorFromConfig creates the generation backend, or nil when
// none is usable for the configured provider.
func NewGeneratorFromConfig(cfg *config.Config) Generator {
	if cfg.Embeddings.Provider != config.ProviderOllama {
		return nil
	}
	return NewOllamaGenerator(OllamaConfig{
		Host:    cfg.Embeddings.OllamaHost,
		Model:   cfg.Generation.Model,
		Timeout: cfg.Generation.Timeout,
	})
}
