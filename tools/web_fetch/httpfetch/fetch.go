package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/poiscout/tools/web_fetch/models"
)

// maxBody bounds how much of a response is read.
const maxBody = 4 << 20

// Fetch downloads pages with a plain GET. It does not run scripts.
type Fetch struct {
	Client    *http.Client
	MaxChars  int
	UserAgent string
}

func New(timeout time.Duration, maxChars int, userAgent string) *Fetch {
	return &Fetch{Client: &http.Client{Timeout: timeout}, MaxChars: maxChars, UserAgent: userAgent}
}

func (f *Fetch) Exec(ctx context.Context, url string) (models.Result, error) {
	if strings.TrimSpace(url) == "" {
		return models.Result{}, errors.New("invalid url")
	}
	t0 := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.Result{URL: url}, err
	}
	req.Header.Set("User-Agent", f.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.Client.Do(req)
	if err != nil {
		return models.Result{URL: url, Status: 599, RenderMS: int(time.Since(t0) / time.Millisecond)}, err
	}
	defer resp.Body.Close()

	elapsed := func() int { return int(time.Since(t0) / time.Millisecond) }
	if resp.StatusCode >= 400 {
		return models.Result{URL: url, Status: resp.StatusCode, RenderMS: elapsed()}, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return models.Result{URL: url, Status: resp.StatusCode, RenderMS: elapsed()}, err
	}

	res := models.Extract(url, string(body), f.MaxChars)
	res.Status = resp.StatusCode
	res.RenderMS = elapsed()
	return res, nil
}
