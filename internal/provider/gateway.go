package provider

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/docsmith-dev/docsmith/internal/cache"
	"github.com/docsmith-dev/docsmith/internal/errors"
)

// Gateway is the single entry point for model traffic. Every call is
// fingerprinted and checked against the response cache before it
// reaches the provider; misses go through a circuit breaker and retry
// with exponential backoff, and successful responses are written back
// to the cache before they are returned.
type Gateway struct {
	embedder  Embedder
	generator Generator
	cache     *cache.ResponseCache
	retryCfg  errors.RetryConfig
	breaker   *errors.CircuitBreaker
	logger    *slog.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGenerator attaches a text generation backend.
func WithGenerator(g Generator) GatewayOption {
	return func(gw *Gateway) { gw.generator = g }
}

// WithRetryConfig overrides the default retry policy.
func WithRetryConfig(cfg errors.RetryConfig) GatewayOption {
	return func(gw *Gateway) { gw.retryCfg = cfg }
}

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) GatewayOption {
	return func(gw *Gateway) { gw.logger = l }
}

// NewGateway wraps an embedder with caching, retry, and a circuit
// breaker. The cache may be nil, in which case every call goes to the
// provider.
func NewGateway(embedder Embedder, respCache *cache.ResponseCache, opts ...GatewayOption) *Gateway {
	gw := &Gateway{
		embedder: embedder,
		cache:    respCache,
		retryCfg: errors.DefaultRetryConfig(),
		breaker:  errors.NewCircuitBreaker("provider"),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(gw)
	}
	return gw
}

// EmbedBatch returns embeddings for texts, serving from the response
// cache when an identical request has succeeded before.
func (gw *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	fp := Fingerprint(gw.embedder.ModelName(), "embed", embedPayload(texts))

	return errors.RetryWithResult(ctx, gw.retryCfg, func() ([][]float32, error) {
		// Cache is consulted before every attempt: a concurrent
		// worker may have completed the same request during backoff.
		if cached, ok := gw.lookup(fp); ok {
			var vectors [][]float32
			if err := json.Unmarshal(cached, &vectors); err == nil {
				return vectors, nil
			}
			gw.logger.Warn("discarding undecodable cache entry", "fingerprint", fp)
		}

		vectors, err := gw.callEmbed(ctx, texts)
		if err != nil {
			return nil, err
		}
		gw.store(fp, mustJSON(vectors))
		return vectors, nil
	})
}

// Embed returns the embedding for a single text.
func (gw *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := gw.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Generate returns the completion for prompt, cached by fingerprint.
func (gw *Gateway) Generate(ctx context.Context, prompt string) (string, error) {
	if gw.generator == nil {
		return "", errors.New(errors.ErrCodeInternal, "no generator configured", nil)
	}
	fp := Fingerprint(gw.generator.ModelName(), "generate", []byte(prompt))

	return errors.RetryWithResult(ctx, gw.retryCfg, func() (string, error) {
		if cached, ok := gw.lookup(fp); ok {
			return string(cached), nil
		}

		var out string
		err := gw.breaker.Execute(func() error {
			var callErr error
			out, callErr = gw.generator.Generate(ctx, prompt)
			return callErr
		})
		if err != nil {
			return "", gw.classifyBreaker(err)
		}
		gw.store(fp, []byte(out))
		return out, nil
	})
}

// Dimensions returns the embedder's vector size.
func (gw *Gateway) Dimensions() int { return gw.embedder.Dimensions() }

// ModelName returns the embedder's model identifier.
func (gw *Gateway) ModelName() string { return gw.embedder.ModelName() }

// Available reports whether the embedding backend is reachable.
func (gw *Gateway) Available(ctx context.Context) bool {
	return gw.embedder.Available(ctx)
}

// Close releases the underlying provider clients. The cache is owned
// by the caller and stays open.
func (gw *Gateway) Close() error {
	err := gw.embedder.Close()
	if gw.generator != nil {
		if genErr := gw.generator.Close(); err == nil {
			err = genErr
		}
	}
	return err
}

func (gw *Gateway) callEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	err := gw.breaker.Execute(func() error {
		var callErr error
		vectors, callErr = gw.embedder.EmbedBatch(ctx, texts)
		return callErr
	})
	if err != nil {
		return nil, gw.classifyBreaker(err)
	}
	return vectors, nil
}

// classifyBreaker maps an open circuit onto the transient provider
// error so the retry layer backs off instead of failing permanently.
func (gw *Gateway) classifyBreaker(err error) error {
	if errors.Is(err, errors.ErrCircuitOpen) {
		return errors.New(errors.ErrCodeProviderUnavailable, "provider circuit open", err)
	}
	return err
}

func (gw *Gateway) lookup(fp string) ([]byte, bool) {
	if gw.cache == nil {
		return nil, false
	}
	data, ok, err := gw.cache.Get(fp)
	if err != nil {
		gw.logger.Warn("response cache read failed", "error", err)
		return nil, false
	}
	return data, ok
}

// store writes the response to the cache. Cache failures are logged
// and swallowed: the response itself is already in hand.
func (gw *Gateway) store(fp string, data []byte) {
	if gw.cache == nil {
		return
	}
	if err := gw.cache.Put(fp, data); err != nil {
		gw.logger.Warn("response cache write failed", "error", err)
	}
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
