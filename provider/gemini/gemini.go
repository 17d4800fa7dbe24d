package gemini_provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/mohammad-safakhou/poiscout/internal/agent/core"
)

// ErrEmptyResponse is returned when every attempt produced no text.
var ErrEmptyResponse = errors.New("model returned empty content")

type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	MaxTokens      int
	Timeout        time.Duration
	Attempts       int
	Backoff        time.Duration
}

// Client wraps the Gemini API behind the completion and embedding ports.
type Client struct {
	cfg    Config
	client *genai.Client
	logger *zap.Logger
}

func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 5
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "gemini-embedding-001"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Client{cfg: cfg, client: client, logger: logger.Named("gemini").With(zap.String("model", cfg.Model))}, nil
}

func (c *Client) Complete(ctx context.Context, prompt string, temperature float64) (string, error) {
	temp := float32(temperature)
	gc := &genai.GenerateContentConfig{Temperature: &temp}
	if c.cfg.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(c.cfg.MaxTokens)
	}
	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		callCtx, cancel := c.callContext(ctx)
		resp, err := c.client.Models.GenerateContent(callCtx, c.cfg.Model, genai.Text(prompt), gc)
		cancel()
		if err == nil {
			if text := core.StripReasoning(resp.Text()); text != "" {
				return text, nil
			}
			err = ErrEmptyResponse
		}
		lastErr = err
		c.logger.Warn("completion attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < c.cfg.Attempts {
			select {
			case <-time.After(c.cfg.Backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", fmt.Errorf("completion failed: %w", lastErr)
}

func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	result, err := c.client.Models.EmbedContent(callCtx, c.cfg.EmbeddingModel, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}
	vecs := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vecs[i] = emb.Values
	}
	return vecs, nil
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, c.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}
