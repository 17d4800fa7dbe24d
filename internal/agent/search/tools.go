package search

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/poiscout/internal/helpers"
	"github.com/mohammad-safakhou/poiscout/tools/web_fetch"
	"github.com/mohammad-safakhou/poiscout/tools/web_search"
)

// Observation is what a tool returns to the loop.
type Observation struct {
	Content string
	Sources []string
}

// Tool is an action the agent may take.
type Tool struct {
	Name        string
	Description string
	Run         func(ctx context.Context, input string) (Observation, error)
}

const WebSearchToolName = "Search_web"

// fetchWorkers bounds concurrent page fetches per query.
const fetchWorkers = 4

type ToolOption func(*toolOptions)

type toolOptions struct {
	compressor *PageCompressor
}

// WithPageCompressor condenses long fetched pages before they reach the loop.
func WithPageCompressor(c *PageCompressor) ToolOption {
	return func(o *toolOptions) { o.compressor = c }
}

// NewWebSearchTool searches the web and, when fetcher is non-nil, reads each
// result page. A page that cannot be read falls back to the result snippet.
func NewWebSearchTool(searcher web_search.WebSearcher, fetcher web_fetch.WebFetcher, resultsPerQuery, maxChars int, logger *zap.Logger, opts ...ToolOption) Tool {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("web_search")
	var o toolOptions
	for _, opt := range opts {
		opt(&o)
	}
	return Tool{
		Name:        WebSearchToolName,
		Description: "search the web with a query string and read the content of the result pages. Input is the query text.",
		Run: func(ctx context.Context, input string) (Observation, error) {
			query := strings.TrimSpace(input)
			if query == "" {
				return Observation{}, fmt.Errorf("empty query")
			}
			results, err := searcher.Discover(ctx, query, resultsPerQuery)
			if err != nil {
				return Observation{}, err
			}
			if len(results) == 0 {
				return Observation{Content: "The search returned nothing, try a different query."}, nil
			}

			pages := make([]string, len(results))
			if fetcher != nil {
				g, gctx := errgroup.WithContext(ctx)
				g.SetLimit(fetchWorkers)
				for i, r := range results {
					g.Go(func() error {
						page, err := fetcher.Exec(gctx, r.URL)
						if err != nil {
							logger.Debug("page fetch failed", zap.String("url", r.URL), zap.Error(err))
							return nil
						}
						pages[i] = o.compressor.Compress(gctx, page.Text)
						return nil
					})
				}
				_ = g.Wait()
			}

			var b strings.Builder
			obs := Observation{Sources: make([]string, 0, len(results))}
			for i, r := range results {
				fmt.Fprintf(&b, "<source %d>\nurl: %s\ntitle: %s\nsummary: %s\n", i+1, r.URL, helpers.PlainText(r.Title), helpers.PlainText(r.Snippet))
				if pages[i] != "" {
					fmt.Fprintf(&b, "content:\n%s\n", helpers.PageText(pages[i], maxChars))
				}
				fmt.Fprintf(&b, "</source %d>\n\n", i+1)
				obs.Sources = append(obs.Sources, helpers.SourceID(r.URL))
			}
			obs.Content = strings.TrimSpace(b.String())
			return obs, nil
		},
	}
}
