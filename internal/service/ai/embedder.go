package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"memorychat/internal/config"

	chromem "github.com/philippgille/chromem-go"
	log "github.com/sirupsen/logrus"
)

// ErrDimensionMismatch is returned when the backend changes vector size
// between calls, which would poison the vector store.
var ErrDimensionMismatch = errors.New("embedding dimension changed")

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedFactory builds the backend embedding function.
type EmbedFactory func() (chromem.EmbeddingFunc, error)

// LazyEmbedder defers constructing and warming the backend until the first
// Embed call. Concurrent first callers share a single initialisation; a
// failed initialisation is retried by the next caller.
type LazyEmbedder struct {
	factory EmbedFactory

	mu    sync.Mutex
	fn    chromem.EmbeddingFunc
	ready bool
	dims  int
}

// NewLazyEmbedder wraps factory. Nothing is loaded until first use.
func NewLazyEmbedder(factory EmbedFactory) *LazyEmbedder {
	return &LazyEmbedder{factory: factory}
}

// NewEmbedder returns a lazy embedder for the configured backend.
func NewEmbedder(cfg config.EmbeddingConfig) *LazyEmbedder {
	return NewLazyEmbedder(func() (chromem.EmbeddingFunc, error) {
		return embeddingFunc(cfg)
	})
}

func embeddingFunc(cfg config.EmbeddingConfig) (chromem.EmbeddingFunc, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		if cfg.APIKey == "" {
			return nil, errors.New("openai embedding requires an api key")
		}
		model := chromem.EmbeddingModelOpenAI3Small
		if cfg.Model != "" {
			model = chromem.EmbeddingModelOpenAI(cfg.Model)
		}
		return chromem.NewEmbeddingFuncOpenAI(cfg.APIKey, model), nil
	case "ollama":
		if cfg.Model == "" {
			return nil, errors.New("ollama embedding requires a model")
		}
		return chromem.NewEmbeddingFuncOllama(cfg.Model, cfg.BaseURL), nil
	case "openai-compat":
		if cfg.BaseURL == "" || cfg.Model == "" {
			return nil, errors.New("openai-compat embedding requires base_url and model")
		}
		return chromem.NewEmbeddingFuncOpenAICompat(cfg.BaseURL, cfg.APIKey, cfg.Model, nil), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

// Embed returns the vector for text, initialising the backend on first use.
func (e *LazyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	fn, err := e.init(ctx)
	if err != nil {
		return nil, err
	}
	vec, err := fn(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vec) == 0 {
		return nil, errors.New("embed: backend returned an empty vector")
	}
	if err := e.checkDims(len(vec)); err != nil {
		return nil, err
	}
	return vec, nil
}

// Ready reports whether the backend has been initialised.
func (e *LazyEmbedder) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *LazyEmbedder) init(ctx context.Context) (chromem.EmbeddingFunc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return e.fn, nil
	}
	if e.factory == nil {
		return nil, errors.New("embedding backend not configured")
	}
	fn, err := e.factory()
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	// warm-up loads the model on backends that load lazily themselves
	vec, err := fn(ctx, "warm-up")
	if err != nil {
		return nil, fmt.Errorf("warm up embedder: %w", err)
	}
	e.fn = fn
	e.dims = len(vec)
	e.ready = true
	log.WithField("dims", e.dims).Info("embedding backend ready")
	return fn, nil
}

func (e *LazyEmbedder) checkDims(n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dims != 0 && e.dims != n {
		return fmt.Errorf("%w: have %d, got %d", ErrDimensionMismatch, e.dims, n)
	}
	return nil
}
