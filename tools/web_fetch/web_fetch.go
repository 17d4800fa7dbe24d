package web_fetch

import (
	"context"
	"errors"
	"time"

	"github.com/mohammad-safakhou/poiscout/tools/web_fetch/chromedp"
	"github.com/mohammad-safakhou/poiscout/tools/web_fetch/httpfetch"
	"github.com/mohammad-safakhou/poiscout/tools/web_fetch/models"
)

const (
	DefaultTimeout   = 15 * time.Second
	MaxCharsDefault  = 12000
	DefaultUserAgent = "poiscout/1.0"
)

type WebFetcher interface {
	Exec(ctx context.Context, url string) (models.Result, error)
}

type FetcherType string

const (
	ChromedpFetcherType FetcherType = "chromedp"
	HTTPFetcherType     FetcherType = "http"
)

var ErrUnsupportedFetcher = errors.New("unsupported fetcher type")

func NewWebFetcher(fetcherType FetcherType, timeout time.Duration, maxChars int, userAgent string) (WebFetcher, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxChars <= 0 {
		maxChars = MaxCharsDefault
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	switch fetcherType {
	case ChromedpFetcherType:
		return &chromedp.Fetch{Timeout: timeout, MaxChars: maxChars, UserAgent: userAgent}, nil
	case HTTPFetcherType:
		return httpfetch.New(timeout, maxChars, userAgent), nil
	default:
		return nil, ErrUnsupportedFetcher
	}
}
