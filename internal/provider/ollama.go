package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/docsmith-dev/docsmith/internal/errors"
)

// OllamaEmbedder generates embeddings through Ollama's HTTP API.
type OllamaEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    OllamaConfig
	dims      int

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*OllamaEmbedder)(nil)

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaEmbedder creates an embedder backed by an Ollama server.
// Unless SkipHealthCheck is set, it probes the server and derives the
// vector dimensions from a test embedding when none are configured.
func NewOllamaEmbedder(ctx context.Context, cfg OllamaConfig) (*OllamaEmbedder, error) {
	cfg.applyDefaults()

	// Connection pooling with a short idle timeout: CLI runs are
	// short-lived and connections should drop quickly after exit.
	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     idleConnTimeout,
	}

	// No client-level timeout: per-request timeouts come from
	// context.WithTimeout so cancellation propagates correctly.
	e := &OllamaEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		dims:      cfg.Dimensions,
	}

	if !cfg.SkipHealthCheck {
		checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()

		if !e.Available(checkCtx) {
			transport.CloseIdleConnections()
			return nil, errors.New(errors.ErrCodeProviderUnavailable,
				fmt.Sprintf("ollama server not reachable at %s", cfg.Host), nil)
		}
		if e.dims == 0 {
			dims, err := e.detectDimensions(checkCtx)
			if err != nil {
				transport.CloseIdleConnections()
				return nil, err
			}
			e.dims = dims
		}
	}
	if e.dims == 0 {
		e.dims = DefaultDimensions
	}
	return e, nil
}

// Embed generates an embedding for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return make([]float32, e.dims), nil
	}
	embeddings, err := e.doEmbed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, errors.New(errors.ErrCodeProviderBadRequest, "no embedding returned", nil)
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts, splitting the
// input into API batches of the configured size. Blank texts map to
// zero vectors without a round trip.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, errors.New(errors.ErrCodeInternal, "embedder is closed", nil)
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	type indexed struct {
		idx  int
		text string
	}
	results := make([][]float32, len(texts))
	var nonEmpty []indexed
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = make([]float32, e.dims)
		} else {
			nonEmpty = append(nonEmpty, indexed{i, text})
		}
	}

	for start := 0; start < len(nonEmpty); start += e.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+e.config.BatchSize, len(nonEmpty))
		batch := nonEmpty[start:end]

		batchTexts := make([]string, len(batch))
		for i, it := range batch {
			batchTexts[i] = it.text
		}
		embeddings, err := e.doEmbed(ctx, batchTexts)
		if err != nil {
			return nil, err
		}
		if len(embeddings) != len(batch) {
			return nil, errors.New(errors.ErrCodeProviderBadRequest,
				fmt.Sprintf("expected %d embeddings, got %d", len(batch), len(embeddings)), nil)
		}
		for i, emb := range embeddings {
			results[batch[i].idx] = emb
		}
	}
	return results, nil
}

func (e *OllamaEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	var input any
	if len(texts) == 1 {
		input = texts[0]
	} else {
		input = texts
	}
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.config.Model, Input: input})
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternal, "failed to marshal embed request", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	respBody, err := e.post(reqCtx, "/api/embed", body)
	if err != nil {
		return nil, err
	}

	var parsed ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, errors.New(errors.ErrCodeProviderBadRequest, "failed to decode embed response", err)
	}
	return parsed.Embeddings, nil
}

func (e *OllamaEmbedder) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Host+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// detectDimensions probes the model with a short text to learn the
// vector size it produces.
func (e *OllamaEmbedder) detectDimensions(ctx context.Context) (int, error) {
	embeddings, err := e.doEmbed(ctx, []string{"dimension probe"})
	if err != nil {
		return 0, errors.New(errors.ErrCodeProviderUnavailable, "failed to detect embedding dimensions", err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return 0, errors.New(errors.ErrCodeProviderBadRequest, "empty embedding during dimension detection", nil)
	}
	return len(embeddings[0]), nil
}

// Dimensions returns the vector size this embedder produces.
func (e *OllamaEmbedder) Dimensions() int { return e.dims }

// ModelName returns the configured model identifier.
func (e *OllamaEmbedder) ModelName() string { return e.config.Model }

// Available probes the server root endpoint.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, e.config.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close shuts down idle connections.
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}

// OllamaGenerator produces completions through Ollama's generate API.
type OllamaGenerator struct {
	client    *http.Client
	transport *http.Transport
	config    OllamaConfig
}

var _ Generator = (*OllamaGenerator)(nil)

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

// NewOllamaGenerator creates a generator backed by an Ollama server.
func NewOllamaGenerator(cfg OllamaConfig) *OllamaGenerator {
	cfg.applyDefaults()
	if cfg.Model == DefaultEmbedModel {
		cfg.Model = DefaultGenModel
	}
	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		IdleConnTimeout:     idleConnTimeout,
	}
	return &OllamaGenerator{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
	}
}

// Generate returns the non-streamed completion for prompt.
func (g *OllamaGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(ollamaGenerateRequest{Model: g.config.Model, Prompt: prompt})
	if err != nil {
		return "", errors.New(errors.ErrCodeInternal, "failed to marshal generate request", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.config.Host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", errors.New(errors.ErrCodeInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, respBody)
	}

	var parsed ollamaGenerateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", errors.New(errors.ErrCodeProviderBadRequest, "failed to decode generate response", err)
	}
	return parsed.Response, nil
}

// ModelName returns the configured model identifier.
func (g *OllamaGenerator) ModelName() string { return g.config.Model }

// Close shuts down idle connections.
func (g *OllamaGenerator) Close() error {
	g.transport.CloseIdleConnections()
	return nil
}

// classifyStatus maps an HTTP status from the provider onto the error
// taxonomy. Rate limits and server-side failures are transient; auth
// and malformed requests are permanent.
func classifyStatus(status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	msg := fmt.Sprintf("provider returned HTTP %d: %s", status, detail)

	switch {
	case status == http.StatusTooManyRequests:
		return errors.New(errors.ErrCodeProviderRateLimited, msg, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.New(errors.ErrCodeProviderAuth, msg, nil)
	case status >= 500:
		return errors.New(errors.ErrCodeProviderUnavailable, msg, nil)
	default:
		return errors.New(errors.ErrCodeProviderBadRequest, msg, nil)
	}
}

// classifyTransportError maps network-level failures. Timeouts and
// connection errors are transient; context cancellation passes through
// untouched so callers can distinguish shutdown from provider trouble.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.New(errors.ErrCodeProviderTimeout, "provider request timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.New(errors.ErrCodeProviderTimeout, "provider request timed out", err)
	}
	return errors.New(errors.ErrCodeProviderUnavailable, "provider request failed", err)
}
