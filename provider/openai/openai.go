package openai_provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/poiscout/internal/agent/core"
	"github.com/mohammad-safakhou/poiscout/internal/helpers"
)

const defaultBaseURL = "https://api.openai.com/v1"

// ErrEmptyResponse is returned when every attempt produced no content.
var ErrEmptyResponse = errors.New("model returned empty content")

// Config describes one OpenAI compatible endpoint.
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

// Client talks to any OpenAI compatible chat completions API.
type Client struct {
	cfg    Config
	http   *helpers.HTTPClient
	logger *zap.Logger
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type response struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Attempts <= 0 {
		cfg.Attempts = 5
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   helpers.NewHTTPClient(cfg.Timeout, 0, cfg.Backoff),
		logger: logger.Named("openai").With(zap.String("model", cfg.Model)),
	}
}

// Complete sends prompt as a single user message. Failed calls and empty
// answers are retried up to Attempts times.
func (c *Client) Complete(ctx context.Context, prompt string, temperature float64) (string, error) {
	body := request{
		Model:       c.cfg.Model,
		Messages:    []message{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		var resp response
		err := c.http.DoJSON(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", c.headers(), body, &resp)
		if err == nil {
			if text := answer(resp); text != "" {
				return text, nil
			}
			err = ErrEmptyResponse
		}
		lastErr = err
		c.logger.Warn("completion attempt failed", zap.Int("attempt", attempt), zap.Int("attempts", c.cfg.Attempts), zap.Error(err))
		var se *helpers.StatusError
		if errors.As(err, &se) && !se.Retryable() {
			break
		}
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

func answer(resp response) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	msg := resp.Choices[0].Message
	if text := core.StripReasoning(msg.Content); text != "" {
		return text
	}
	return core.StripReasoning(msg.ReasoningContent)
}

// Embed returns one vector per text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.cfg.EmbeddingModel == "" {
		return nil, errors.New("no embedding model configured")
	}
	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	body := map[string]any{"model": c.cfg.EmbeddingModel, "input": texts}
	if err := c.http.DoJSON(ctx, http.MethodPost, c.cfg.BaseURL+"/embeddings", c.headers(), body, &resp); err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

func (c *Client) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
}
