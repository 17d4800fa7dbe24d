package web_search

import (
	"context"
	"errors"
	"time"

	"github.com/mohammad-safakhou/poiscout/internal/helpers"
	"github.com/mohammad-safakhou/poiscout/tools/web_search/brave"
	"github.com/mohammad-safakhou/poiscout/tools/web_search/models"
	"github.com/mohammad-safakhou/poiscout/tools/web_search/serper"
)

type WebSearcher interface {
	Discover(ctx context.Context, q string, k int) ([]models.Result, error)
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported search provider")
	ErrMissingAPIKey       = errors.New("search api key is required")
)

func NewWebSearcher(provider Provider, apiKey string) (WebSearcher, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	client := helpers.NewHTTPClient(20*time.Second, 2, 500*time.Millisecond)
	switch provider {
	case SerperProvider:
		return serper.New(apiKey, client), nil
	case BraveProvider:
		return brave.New(apiKey, client), nil
	default:
		return nil, ErrUnsupportedProvider
	}
}
