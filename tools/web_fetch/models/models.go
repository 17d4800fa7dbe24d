package models

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/poiscout/internal/helpers"
)

type Result struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	SiteName string `json:"site_name"`
	Text     string `json:"text"`
	HTMLHash string `json:"html_hash"`
	Status   int    `json:"status"`
	RenderMS int    `json:"render_ms"`
}

// Extract runs readability over a rendered page and fills the text fields of
// a Result. When readability finds no article the whole page is flattened
// instead, so listing pages (maps, directories) still yield something.
func Extract(rawURL, html string, maxChars int) Result {
	sum := sha1.Sum([]byte(html))
	res := Result{URL: rawURL, HTMLHash: hex.EncodeToString(sum[:])}

	pageURL, err := url.Parse(rawURL)
	if err != nil {
		pageURL = &url.URL{}
	}
	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		res.Text = helpers.PageText(html, maxChars)
		return res
	}
	res.Title = strings.TrimSpace(article.Title)
	res.SiteName = strings.TrimSpace(article.SiteName)
	res.Text = helpers.Truncate(strings.Join(strings.Fields(article.TextContent), " "), maxChars)
	return res
}
