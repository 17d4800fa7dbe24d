package brave

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/mohammad-safakhou/poiscout/internal/helpers"
	"github.com/mohammad-safakhou/poiscout/tools/web_search/models"
)

const DefaultEndpoint = "https://api.search.brave.com/res/v1/web/search"

type Search struct {
	ApiKey   string
	Endpoint string
	client   *helpers.HTTPClient
}

func New(apiKey string, client *helpers.HTTPClient) *Search {
	return &Search{ApiKey: apiKey, Endpoint: DefaultEndpoint, client: client}
}

type response struct {
	Web struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Snippet string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (s *Search) Discover(ctx context.Context, q string, k int) ([]models.Result, error) {
	// https://api.search.brave.com/app/documentation/web-search
	params := url.Values{"q": {q}}
	if k > 0 {
		params.Set("count", strconv.Itoa(k))
	}
	headers := map[string]string{
		"Accept":               "application/json",
		"X-Subscription-Token": s.ApiKey,
	}

	var raw response
	if err := s.client.DoJSON(ctx, "GET", s.Endpoint+"?"+params.Encode(), headers, nil, &raw); err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}

	out := make([]models.Result, 0, len(raw.Web.Results))
	for _, r := range raw.Web.Results {
		if k > 0 && len(out) >= k {
			break
		}
		// brave highlights matches with <strong> tags
		out = append(out, models.Result{Title: helpers.PlainText(r.Title), URL: r.URL, Snippet: helpers.PlainText(r.Snippet)})
	}
	return out, nil
}
