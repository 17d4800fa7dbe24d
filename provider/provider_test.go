package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/poiscout/config"
)

func TestNewRouterSharesProviders(t *testing.T) {
	cfg := config.LLMConfig{
		Providers: map[string]config.LLMProvider{
			"big":   {Type: "openai", Model: "deepseek-r1", APIKey: "k"},
			"small": {Type: "openai", Model: "qwen3-8b", APIKey: "k"},
		},
		Routing: config.LLMRoutingConfig{
			Planning: "big", Diagnosis: "big", Rewriting: "big",
			Evaluation: "small", Search: "big", Embedding: "small",
		},
	}
	r, err := NewRouter(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Same(t, r.Planning, r.Diagnosis)
	assert.Same(t, r.Evaluation, r.Embedding)
	assert.NotSame(t, r.Planning, r.Evaluation)
}

func TestNewRouterUnknownProvider(t *testing.T) {
	cfg := config.LLMConfig{
		Providers: map[string]config.LLMProvider{"big": {Type: "openai", Model: "m"}},
		Routing:   config.LLMRoutingConfig{Planning: "big", Diagnosis: "nope"},
	}
	_, err := NewRouter(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestNewProviderRejectsUnknownType(t *testing.T) {
	_, err := NewProvider(context.Background(), config.LLMProvider{Type: "anthropic"}, zap.NewNop())
	assert.Error(t, err)
}
