package provider

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/poiscout/config"
	"github.com/mohammad-safakhou/poiscout/internal/agent/core"
	gemini_provider "github.com/mohammad-safakhou/poiscout/provider/gemini"
	openai_provider "github.com/mohammad-safakhou/poiscout/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI Client = "openai"
	Gemini Client = "gemini"
)

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Provider is what every LLM implementation must satisfy
type Provider interface {
	core.LanguageModel
	Embedder
}

// NewProvider creates a client for one configured endpoint
func NewProvider(ctx context.Context, cfg config.LLMProvider, logger *zap.Logger) (Provider, error) {
	switch Client(cfg.Type) {
	case OpenAI:
		return openai_provider.NewClient(openai_provider.Config{
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			Model:          cfg.Model,
			EmbeddingModel: cfg.EmbeddingModel,
			MaxTokens:      cfg.MaxTokens,
			Timeout:        cfg.Timeout,
			Attempts:       cfg.Attempts,
		}, logger), nil
	case Gemini:
		return gemini_provider.NewClient(ctx, gemini_provider.Config{
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			Model:          cfg.Model,
			EmbeddingModel: cfg.EmbeddingModel,
			MaxTokens:      cfg.MaxTokens,
			Timeout:        cfg.Timeout,
			Attempts:       cfg.Attempts,
		}, logger)
	default:
		return nil, errors.New("unsupported LLM provider")
	}
}

// Router holds one provider per role.
type Router struct {
	Planning   Provider
	Diagnosis  Provider
	Rewriting  Provider
	Evaluation Provider
	Search     Provider
	Embedding  Provider
}

// NewRouter builds every configured provider once and assigns them to roles.
func NewRouter(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*Router, error) {
	built := make(map[string]Provider, len(cfg.Providers))
	get := func(role, name string) (Provider, error) {
		if p, ok := built[name]; ok {
			return p, nil
		}
		pc, ok := cfg.Providers[name]
		if !ok {
			return nil, fmt.Errorf("llm routing %s: unknown provider %q", role, name)
		}
		p, err := NewProvider(ctx, pc, logger.With(zap.String("provider", name)))
		if err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", name, err)
		}
		built[name] = p
		return p, nil
	}

	r := &Router{}
	var err error
	for _, slot := range []struct {
		role string
		name string
		dst  *Provider
	}{
		{"planning", cfg.Routing.Planning, &r.Planning},
		{"diagnosis", cfg.Routing.Diagnosis, &r.Diagnosis},
		{"rewriting", cfg.Routing.Rewriting, &r.Rewriting},
		{"evaluation", cfg.Routing.Evaluation, &r.Evaluation},
		{"search", cfg.Routing.Search, &r.Search},
		{"embedding", cfg.Routing.Embedding, &r.Embedding},
	} {
		if *slot.dst, err = get(slot.role, slot.name); err != nil {
			return nil, err
		}
	}
	return r, nil
}
